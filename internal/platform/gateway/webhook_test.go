package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testWebhookSecret = "whsec_unit_test_secret"

func sign(t *testing.T, payload string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  testWebhookSecret,
	})
	return signed.Header
}

const subscriptionUpdatedPayload = `{
  "id": "evt_sub_1",
  "object": "event",
  "api_version": "2020-08-27",
  "type": "customer.subscription.updated",
  "created": 1767225600,
  "data": {"object": {
    "id": "sub_42",
    "object": "subscription",
    "customer": "cus_7",
    "status": "past_due",
    "currency": "usd",
    "metadata": {"org_id": "org-1"},
    "items": {"data": [{
      "quantity": 3,
      "current_period_start": 1767225600,
      "current_period_end": 1769904000,
      "price": {"id": "price_pro", "unit_amount": 1500, "currency": "usd", "recurring": {"interval": "month"}}
    }]}
  }}
}`

func TestParse_SubscriptionEvent(t *testing.T) {
	v := NewWebhookVerifier(testWebhookSecret)

	evt, err := v.Parse([]byte(subscriptionUpdatedPayload), sign(t, subscriptionUpdatedPayload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Type != EventSubscriptionUpdated || evt.ID != "evt_sub_1" {
		t.Errorf("unexpected event header: %+v", evt)
	}
	if evt.Invoice != nil {
		t.Error("expected no invoice on a subscription event")
	}
	sub := evt.Subscription
	if sub == nil {
		t.Fatal("expected subscription payload")
	}
	if sub.ID != "sub_42" || sub.CustomerID != "cus_7" || sub.Status != "past_due" || sub.OrganizationID != "org-1" {
		t.Errorf("unexpected subscription: %+v", sub)
	}
	if sub.PriceID != "price_pro" || sub.Interval != "month" || sub.Currency != "USD" {
		t.Errorf("unexpected price fields: %+v", sub)
	}
	if !sub.Amount.Equal(decimal.RequireFromString("45")) {
		t.Errorf("expected quantity-adjusted amount 45, got %s", sub.Amount)
	}
	if sub.PeriodStart == nil || sub.PeriodEnd == nil || !sub.PeriodEnd.Equal(time.Unix(1769904000, 0)) {
		t.Errorf("expected period from subscription item, got %v - %v", sub.PeriodStart, sub.PeriodEnd)
	}
	if sub.EndedAt != nil {
		t.Errorf("expected no ended_at, got %v", sub.EndedAt)
	}
}

func TestParse_InvoicePaidNestedLayout(t *testing.T) {
	payload := `{
  "id": "evt_inv_1",
  "object": "event",
  "type": "invoice.paid",
  "created": 1767225600,
  "data": {"object": {
    "id": "in_5",
    "object": "invoice",
    "number": "A1B2-0003",
    "customer": {"id": "cus_7", "object": "customer"},
    "amount_paid": 4900,
    "amount_due": 4900,
    "currency": "eur",
    "parent": {"subscription_details": {"subscription": "sub_42"}},
    "status_transitions": {"paid_at": 1767229200}
  }}
}`
	evt, err := NewWebhookVerifier(testWebhookSecret).Parse([]byte(payload), sign(t, payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv := evt.Invoice
	if inv == nil {
		t.Fatal("expected invoice payload")
	}
	if inv.SubscriptionID != "sub_42" || inv.CustomerID != "cus_7" || inv.Number != "A1B2-0003" {
		t.Errorf("unexpected invoice ids: %+v", inv)
	}
	if !inv.AmountPaid.Equal(decimal.RequireFromString("49")) || inv.Currency != "EUR" {
		t.Errorf("unexpected amount: %s %s", inv.AmountPaid, inv.Currency)
	}
	if !inv.PaidAt.Equal(time.Unix(1767229200, 0)) {
		t.Errorf("expected paid_at from status transitions, got %s", inv.PaidAt)
	}
}

func TestParse_InvoiceTopLevelSubscription(t *testing.T) {
	payload := `{
  "id": "evt_inv_2",
  "object": "event",
  "type": "invoice.payment_failed",
  "created": 1767225600,
  "data": {"object": {
    "id": "in_6",
    "object": "invoice",
    "customer": "cus_7",
    "subscription": {"id": "sub_99", "object": "subscription"},
    "payment_intent": "pi_3",
    "amount_paid": 0,
    "amount_due": 1000,
    "currency": "usd"
  }}
}`
	evt, err := NewWebhookVerifier(testWebhookSecret).Parse([]byte(payload), sign(t, payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv := evt.Invoice
	if inv.SubscriptionID != "sub_99" || inv.PaymentIntentID != "pi_3" {
		t.Errorf("unexpected invoice: %+v", inv)
	}
	if !inv.PaidAt.Equal(evt.Created) {
		t.Errorf("expected paid_at to fall back to event time, got %s", inv.PaidAt)
	}
}

func TestParse_UnhandledTypeHasNoPayload(t *testing.T) {
	payload := `{"id":"evt_x","object":"event","type":"charge.refunded","created":1767225600,"data":{"object":{"id":"ch_1","object":"charge"}}}`
	evt, err := NewWebhookVerifier(testWebhookSecret).Parse([]byte(payload), sign(t, payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Subscription != nil || evt.Invoice != nil {
		t.Errorf("expected no decoded payload for %s", evt.Type)
	}
}

func TestParse_RejectsBadSignatures(t *testing.T) {
	v := NewWebhookVerifier(testWebhookSecret)
	header := sign(t, subscriptionUpdatedPayload)

	tests := []struct {
		name    string
		payload string
		header  string
	}{
		{"missing header", subscriptionUpdatedPayload, ""},
		{"garbage header", subscriptionUpdatedPayload, "t=1,v1=deadbeef"},
		{"tampered body", subscriptionUpdatedPayload + " ", header},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Parse([]byte(tt.payload), tt.header)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("expected ErrInvalidSignature, got %v", err)
			}
		})
	}

	other := NewWebhookVerifier("whsec_someone_else")
	if _, err := other.Parse([]byte(subscriptionUpdatedPayload), header); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected wrong secret to fail, got %v", err)
	}
}

func TestExpandableID(t *testing.T) {
	tests := map[string]string{
		`"cus_1"`:                     "cus_1",
		`{"id":"cus_2","object":"x"}`: "cus_2",
		`null`:                        "",
	}
	for in, want := range tests {
		var id expandableID
		if err := id.UnmarshalJSON([]byte(in)); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if string(id) != want {
			t.Errorf("%s -> %q, want %q", in, id, want)
		}
	}
}
