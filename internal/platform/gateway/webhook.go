package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Webhook event types that change local billing state.
const (
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// ErrInvalidSignature is returned for deliveries that fail verification.
var ErrInvalidSignature = errors.New("gateway: invalid webhook signature")

// Event is a verified webhook delivery. Exactly one of Subscription and
// Invoice is set for the handled types; both are nil for other types.
type Event struct {
	ID           string
	Type         string
	Created      time.Time
	Subscription *SubscriptionEvent
	Invoice      *InvoiceEvent
}

// SubscriptionEvent is the subscription object carried by a
// customer.subscription.* event.
type SubscriptionEvent struct {
	ID             string
	CustomerID     string
	Status         string
	OrganizationID string
	PriceID        string
	Interval       string
	Amount         decimal.Decimal
	Currency       string
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	EndedAt        *time.Time
}

// InvoiceEvent is the invoice object carried by an invoice.* event.
type InvoiceEvent struct {
	ID              string
	SubscriptionID  string
	CustomerID      string
	PaymentIntentID string
	Number          string
	AmountPaid      decimal.Decimal
	AmountDue       decimal.Decimal
	Currency        string
	PaidAt          time.Time
}

// WebhookVerifier checks delivery signatures with the endpoint secret.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Parse verifies the Stripe-Signature header and decodes the event.
func (v *WebhookVerifier) Parse(payload []byte, sigHeader string) (*Event, error) {
	if v == nil || v.secret == "" || strings.TrimSpace(sigHeader) == "" {
		return nil, ErrInvalidSignature
	}
	evt, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: evt.ID, Type: string(evt.Type), Created: time.Unix(evt.Created, 0).UTC()}
	if evt.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub wireSubscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		out.Subscription = sub.toEvent()
	case EventInvoicePaid, EventInvoicePaymentFailed:
		var inv wireInvoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		out.Invoice = inv.toEvent(out.Created)
	}
	return out, nil
}

// The wire structs decode only the fields used here and accept both the
// older top-level layout and the newer nested one, so deliveries keep working
// across API versions.

type wirePrice struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Recurring  struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type wireSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	Currency           string            `json:"currency"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	EndedAt            int64             `json:"ended_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price              wirePrice `json:"price"`
			Quantity           int64     `json:"quantity"`
			CurrentPeriodStart int64     `json:"current_period_start"`
			CurrentPeriodEnd   int64     `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func (w wireSubscription) toEvent() *SubscriptionEvent {
	ev := &SubscriptionEvent{
		ID:             w.ID,
		CustomerID:     string(w.Customer),
		Status:         w.Status,
		OrganizationID: w.Metadata["org_id"],
		Currency:       strings.ToUpper(w.Currency),
		EndedAt:        unixPtr(w.EndedAt),
	}
	start, end := w.CurrentPeriodStart, w.CurrentPeriodEnd
	if len(w.Items.Data) > 0 {
		item := w.Items.Data[0]
		ev.PriceID = item.Price.ID
		ev.Interval = item.Price.Recurring.Interval
		if ev.Currency == "" {
			ev.Currency = strings.ToUpper(item.Price.Currency)
		}
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		ev.Amount = FromMinorUnits(item.Price.UnitAmount*qty, ev.Currency)
		if start == 0 {
			start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
		}
	}
	ev.PeriodStart = unixPtr(start)
	ev.PeriodEnd = unixPtr(end)
	return ev
}

type wireInvoice struct {
	ID            string       `json:"id"`
	Number        string       `json:"number"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	PaymentIntent expandableID `json:"payment_intent"`
	AmountPaid    int64        `json:"amount_paid"`
	AmountDue     int64        `json:"amount_due"`
	Currency      string       `json:"currency"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

func (w wireInvoice) toEvent(fallback time.Time) *InvoiceEvent {
	currency := strings.ToUpper(w.Currency)
	ev := &InvoiceEvent{
		ID:              w.ID,
		SubscriptionID:  string(w.Subscription),
		CustomerID:      string(w.Customer),
		PaymentIntentID: string(w.PaymentIntent),
		Number:          w.Number,
		AmountPaid:      FromMinorUnits(w.AmountPaid, currency),
		AmountDue:       FromMinorUnits(w.AmountDue, currency),
		Currency:        currency,
		PaidAt:          fallback,
	}
	if ev.SubscriptionID == "" {
		ev.SubscriptionID = string(w.Parent.SubscriptionDetails.Subscription)
	}
	if w.StatusTransitions.PaidAt > 0 {
		ev.PaidAt = time.Unix(w.StatusTransitions.PaidAt, 0).UTC()
	}
	return ev
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// expandableID decodes a field that is either an id string or an expanded
// object with an "id" key.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}
