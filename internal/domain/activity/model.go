package activity

import (
	"time"

	"github.com/google/uuid"
)

// Entity names used by the ledger services.
const (
	EntityOrganization = "organization"
	EntityPlan         = "plan"
	EntitySubscription = "subscription"
	EntityPayment      = "payment"
	EntityAccess       = "access"
)

// Entry is one activity record. Entries are written after the primary write
// they describe and are never updated.
type Entry struct {
	ID             uuid.UUID         `json:"id"`
	OrganizationID *uuid.UUID        `json:"organizationId,omitempty"`
	ActorID        string            `json:"actorId,omitempty"`
	Entity         string            `json:"entity"`
	EntityID       string            `json:"entityId"`
	Action         string            `json:"action"`
	Details        map[string]string `json:"details,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Filter narrows List. A nil OrganizationID lists every organization.
type Filter struct {
	OrganizationID *uuid.UUID
	Entity         string
}
