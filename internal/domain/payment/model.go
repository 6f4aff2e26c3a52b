package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/plan"
)

type Method string

const (
	MethodCard         Method = "card"
	MethodBankTransfer Method = "bank_transfer"
	MethodCash         Method = "cash"
	MethodCheck        Method = "check"
	MethodGateway      Method = "gateway"
	MethodOther        Method = "other"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodBankTransfer, MethodCash, MethodCheck, MethodGateway, MethodOther:
		return true
	}
	return false
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Payment is one settlement event. Records are append-only; a refund is a
// new record whose RefundOf points at the original.
type Payment struct {
	ID                uuid.UUID         `json:"id"`
	TransactionID     string            `json:"transactionId"`
	Sequence          int64             `json:"-"`
	SubscriptionID    uuid.UUID         `json:"subscriptionId"`
	OrganizationID    uuid.UUID         `json:"organizationId"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Method            Method            `json:"method"`
	BillingCycle      plan.BillingCycle `json:"billingCycle"`
	Status            Status            `json:"status"`
	ExternalPaymentID *string           `json:"externalPaymentId,omitempty"`
	ExternalInvoiceID *string           `json:"externalInvoiceId,omitempty"`
	RefundOf          *uuid.UUID        `json:"refundOf,omitempty"`
	Notes             *string           `json:"notes,omitempty"`
	ProcessedBy       *string           `json:"processedBy,omitempty"`
	PaidAt            time.Time         `json:"paidAt"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// View is a listed payment with its organization name resolved.
type View struct {
	*Payment
	OrganizationName string `json:"organizationName,omitempty"`
}

type RecordRequest struct {
	SubscriptionID uuid.UUID         `json:"subscriptionId" validate:"required"`
	Amount         *decimal.Decimal  `json:"amount" validate:"required"`
	Currency       string            `json:"currency,omitempty" validate:"omitempty,iso4217"`
	Method         Method            `json:"method" validate:"required,oneof=card bank_transfer cash check gateway other"`
	BillingCycle   plan.BillingCycle `json:"billingCycle" validate:"required,oneof=monthly yearly"`
	Status         Status            `json:"status,omitempty" validate:"omitempty,oneof=completed pending failed"`
	Notes          *string           `json:"notes,omitempty" validate:"omitempty,max=1000"`
	PaidAt         *time.Time        `json:"paidAt,omitempty"`
}

type RefundRequest struct {
	Notes *string `json:"notes,omitempty" validate:"omitempty,max=1000"`
}

// ListFilter narrows the cross-tenant listing. Search is a case-insensitive
// substring match on method, notes and transaction id.
type ListFilter struct {
	OrganizationID *uuid.UUID
	Search         string
}
