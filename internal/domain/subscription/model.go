package subscription

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/plan"
)

type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Source records what drove a transition.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceAdmin   Source = "admin"
	SourceSystem  Source = "system"
)

// transitions lists the allowed status moves. A trial can also lapse into
// past_due when the first charge fails, or be canceled before any charge;
// the gateway reports both and the ledger follows it.
var transitions = map[Status][]Status{
	StatusTrialing: {StatusActive, StatusPastDue, StatusCanceled},
	StatusActive:   {StatusPastDue, StatusCanceled},
	StatusPastDue:  {StatusActive, StatusCanceled, StatusExpired},
}

func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// Entitled reports whether the status grants access to the product.
func (s Status) Entitled() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

// CanTransition reports whether from -> to is allowed. Staying in the same
// state is always allowed and is a no-op.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription is an organization's billing relationship.
type Subscription struct {
	ID                     uuid.UUID         `json:"id"`
	OrganizationID         uuid.UUID         `json:"organizationId"`
	PlanID                 uuid.UUID         `json:"planId"`
	Status                 Status            `json:"status"`
	BillingCycle           plan.BillingCycle `json:"billingCycle"`
	Amount                 decimal.Decimal   `json:"amount"`
	Currency               string            `json:"currency"`
	ExternalSubscriptionID *string           `json:"externalSubscriptionId,omitempty"`
	ExternalCustomerID     *string           `json:"externalCustomerId,omitempty"`
	StartDate              time.Time         `json:"startDate"`
	EndDate                *time.Time        `json:"endDate,omitempty"`
	TrialEndsAt            *time.Time        `json:"trialEndsAt,omitempty"`
	LastPaymentDate        *time.Time        `json:"lastPaymentDate,omitempty"`
	CanceledAt             *time.Time        `json:"canceledAt,omitempty"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
}

// HasGatewaySubscription reports whether the gateway holds the subscription.
func (s *Subscription) HasGatewaySubscription() bool {
	return s.ExternalSubscriptionID != nil && *s.ExternalSubscriptionID != ""
}

type CreateRequest struct {
	OrganizationID uuid.UUID         `json:"organizationId" validate:"required"`
	PlanID         uuid.UUID         `json:"planId" validate:"required"`
	BillingCycle   plan.BillingCycle `json:"billingCycle" validate:"required,oneof=monthly yearly"`
}

type StatusRequest struct {
	Status Status `json:"status" validate:"required,oneof=trialing active past_due canceled expired"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// ListFilter narrows the administrative listing.
type ListFilter struct {
	OrganizationID *uuid.UUID
	Status         Status
}
