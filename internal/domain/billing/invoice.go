package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/plan"
	"github.com/ehr/billing/internal/domain/subscription"
	"github.com/ehr/billing/internal/domain/tenant"
	"github.com/ehr/billing/internal/platform/gateway"
)

// Invoice statuses. Both the gateway-hosted and the locally synthesized
// representation derive theirs from the subscription through LedgerStatus.
const (
	InvoicePaid    = "paid"
	InvoicePending = "pending"
)

// Invoice sources.
const (
	SourceGateway = "gateway"
	SourceLedger  = "ledger"
)

type Party struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type PlanRef struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	BillingCycle plan.BillingCycle `json:"billingCycle"`
}

type LineItem struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	Amount      decimal.Decimal `json:"amount"`
}

type Invoice struct {
	ID            string          `json:"id"`
	InvoiceNumber string          `json:"invoiceNumber"`
	Date          time.Time       `json:"date"`
	DueDate       *time.Time      `json:"dueDate,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	Organization  Party           `json:"organization"`
	Plan          *PlanRef        `json:"plan,omitempty"`
	LineItems     []LineItem      `json:"lineItems"`
	DownloadURL   string          `json:"downloadUrl,omitempty"`
	Source        string          `json:"source"`

	// HostedURL is where the gateway renders the invoice. It is empty for
	// ledger invoices.
	HostedURL string `json:"-"`
}

// LedgerStatus derives the invoice status of a subscription: active
// subscriptions are paid, trialing and past_due ones are pending, and ended
// subscriptions are paid only if a payment was ever recorded.
func LedgerStatus(sub *subscription.Subscription) string {
	switch sub.Status {
	case subscription.StatusActive:
		return InvoicePaid
	case subscription.StatusCanceled, subscription.StatusExpired:
		if sub.LastPaymentDate != nil {
			return InvoicePaid
		}
	}
	return InvoicePending
}

func invoiceNumber(sub *subscription.Subscription, date time.Time) string {
	return "INV-" + date.Format("200601") + "-" + strings.ToUpper(sub.ID.String()[:8])
}

func lineItems(sub *subscription.Subscription, pl *plan.Plan, amount decimal.Decimal) []LineItem {
	desc := "Subscription (" + string(sub.BillingCycle) + ")"
	if pl != nil {
		desc = pl.Name + " plan (" + string(sub.BillingCycle) + ")"
	}
	return []LineItem{{Description: desc, Quantity: 1, Amount: amount}}
}

func planRef(sub *subscription.Subscription, pl *plan.Plan) *PlanRef {
	if pl == nil {
		return nil
	}
	return &PlanRef{ID: pl.ID, Name: pl.Name, BillingCycle: sub.BillingCycle}
}

// ledgerInvoice synthesizes an invoice from subscription fields.
func ledgerInvoice(sub *subscription.Subscription, org *tenant.Organization, pl *plan.Plan) *Invoice {
	date := sub.StartDate
	if sub.LastPaymentDate != nil {
		date = *sub.LastPaymentDate
	}
	status := LedgerStatus(sub)
	due := date
	if status == InvoicePending && sub.TrialEndsAt != nil {
		due = *sub.TrialEndsAt
	}
	return &Invoice{
		ID:            sub.ID.String(),
		InvoiceNumber: invoiceNumber(sub, date),
		Date:          date,
		DueDate:       &due,
		Amount:        sub.Amount,
		Currency:      sub.Currency,
		Status:        status,
		Organization:  Party{ID: org.ID, Name: org.Name},
		Plan:          planRef(sub, pl),
		LineItems:     lineItems(sub, pl, sub.Amount),
		Source:        SourceLedger,
	}
}

// hostedInvoice describes the gateway's invoice in the same shape. The
// gateway supplies the document (number, dates, links); amount, currency and
// status come from the subscription so that both views agree even when the
// latest gateway invoice is a trial or proration document.
func hostedInvoice(sub *subscription.Subscription, org *tenant.Organization, pl *plan.Plan, h *gateway.HostedInvoice) *Invoice {
	number := h.Number
	if number == "" {
		number = invoiceNumber(sub, h.Created)
	}
	return &Invoice{
		ID:            h.ID,
		InvoiceNumber: number,
		Date:          h.Created,
		DueDate:       h.DueDate,
		Amount:        sub.Amount,
		Currency:      sub.Currency,
		Status:        LedgerStatus(sub),
		Organization:  Party{ID: org.ID, Name: org.Name},
		Plan:          planRef(sub, pl),
		LineItems:     lineItems(sub, pl, sub.Amount),
		DownloadURL:   h.PDFURL,
		Source:        SourceGateway,
		HostedURL:     h.HostedURL,
	}
}
