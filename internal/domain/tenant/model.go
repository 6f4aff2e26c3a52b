package tenant

import (
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant boundary. GatewayCustomerID links it to the
// payment gateway's customer record once one exists.
type Organization struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	GatewayCustomerID *string   `json:"gatewayCustomerId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HasBillingAccount reports whether a gateway customer is on file.
func (o *Organization) HasBillingAccount() bool {
	return o.GatewayCustomerID != nil && *o.GatewayCustomerID != ""
}

type CreateRequest struct {
	Name              string  `json:"name" validate:"required,max=200"`
	GatewayCustomerID *string `json:"gatewayCustomerId,omitempty" validate:"omitempty,max=255"`
}

type SetCustomerRequest struct {
	GatewayCustomerID string `json:"gatewayCustomerId" validate:"required,max=255"`
}
