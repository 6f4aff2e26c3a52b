package subscription

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/domain/activity"
	"github.com/ehr/billing/internal/domain/plan"
	"github.com/ehr/billing/internal/domain/tenant"
	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/gateway"
	"github.com/ehr/billing/internal/platform/telemetry"
)

// Webhook processing results, also used as metric labels.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultIgnored   = "ignored"
	ResultRejected  = "rejected"
)

// PaymentAppender records the settlement carried by a paid invoice. It
// reports false when the invoice was already recorded.
type PaymentAppender interface {
	RecordGatewayPayment(ctx context.Context, sub *Subscription, inv *gateway.InvoiceEvent) (bool, error)
}

// StatusFromGateway maps a gateway subscription status onto the local state
// machine. Statuses with no local meaning report false.
func StatusFromGateway(status string) (Status, bool) {
	switch status {
	case "trialing":
		return StatusTrialing, true
	case "active":
		return StatusActive, true
	case "past_due", "unpaid":
		return StatusPastDue, true
	case "canceled":
		return StatusCanceled, true
	case "incomplete_expired":
		return StatusExpired, true
	}
	return "", false
}

// SyncFromGateway reconciles the local ledger with a customer.subscription.*
// event.
func (s *Service) SyncFromGateway(ctx context.Context, eventType string, ev *gateway.SubscriptionEvent) (string, error) {
	if ev == nil || ev.ID == "" {
		return ResultIgnored, nil
	}
	to, ok := StatusFromGateway(ev.Status)
	if eventType == gateway.EventSubscriptionDeleted {
		to, ok = StatusCanceled, true
	}
	if !ok {
		return ResultIgnored, nil
	}

	existing, err := s.repo.GetByExternalID(ctx, ev.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if eventType == gateway.EventSubscriptionDeleted || to.Terminal() {
			return ResultIgnored, nil
		}
		return s.adopt(ctx, ev, to)
	case err != nil:
		return "", err
	}

	pl, err := s.plans.FindByPriceID(ctx, ev.PriceID)
	if err != nil {
		return "", err
	}

	var from Status
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		sub, err := s.repo.GetForUpdate(ctx, existing.ID)
		if err != nil {
			return err
		}
		from = sub.Status
		if from != to {
			if err := s.apply(sub, to); err != nil {
				return err
			}
		}
		s.copyGatewayFields(sub, ev, pl)
		sub.UpdatedAt = s.now().UTC()
		existing = sub
		return s.repo.Update(ctx, sub)
	})
	if err != nil {
		if apperror.KindOf(err) == apperror.KindValidation {
			s.logger.Warn().Err(err).
				Str("subscription_id", existing.ID.String()).
				Str("gateway_status", ev.Status).
				Msg("gateway status change rejected by state machine")
			return ResultRejected, nil
		}
		return "", err
	}
	if from != to {
		s.recordTransition(ctx, existing, from, to, SourceWebhook, eventType)
	}
	return ResultApplied, nil
}

// adopt creates the local record for a gateway subscription seen for the
// first time. A local subscription that has no gateway link yet is linked
// instead; an entitled one already linked elsewhere is superseded.
func (s *Service) adopt(ctx context.Context, ev *gateway.SubscriptionEvent, status Status) (string, error) {
	org, err := s.organizationFor(ctx, ev)
	if err != nil {
		return "", err
	}
	if org == nil {
		s.logger.Warn().Str("gateway_subscription", ev.ID).Msg("no organization for gateway subscription")
		return ResultIgnored, nil
	}
	pl, err := s.plans.FindByPriceID(ctx, ev.PriceID)
	if err != nil {
		return "", err
	}

	cur, err := s.CurrentForOrganization(ctx, org.ID)
	if err != nil {
		return "", err
	}
	if cur != nil && cur.Status.Entitled() && !cur.HasGatewaySubscription() {
		if !CanTransition(cur.Status, status) {
			return ResultRejected, nil
		}
		from := cur.Status
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			sub, err := s.repo.GetForUpdate(ctx, cur.ID)
			if err != nil {
				return err
			}
			if sub.Status != status {
				if err := s.apply(sub, status); err != nil {
					return err
				}
			}
			s.copyGatewayFields(sub, ev, pl)
			sub.UpdatedAt = s.now().UTC()
			cur = sub
			return s.repo.Update(ctx, sub)
		})
		if err != nil {
			return "", err
		}
		if from != status {
			s.recordTransition(ctx, cur, from, status, SourceWebhook, "linked")
		}
		return ResultApplied, nil
	}

	if pl == nil {
		s.logger.Warn().Str("price_id", ev.PriceID).Msg("gateway subscription uses an unknown price")
		return ResultIgnored, nil
	}

	sub := s.newSubscription(org, pl, plan.CycleFromInterval(ev.Interval))
	sub.Status = status
	if status != StatusTrialing {
		sub.TrialEndsAt = nil
	}
	s.copyGatewayFields(sub, ev, pl)
	if err := s.repo.Create(ctx, sub); err != nil {
		return "", err
	}
	s.activity.Append(ctx, activity.Entry{
		OrganizationID: &sub.OrganizationID,
		Entity:         activity.EntitySubscription,
		EntityID:       sub.ID.String(),
		Action:         "create",
		Details:        map[string]string{"source": string(SourceWebhook), "gateway_subscription": ev.ID},
	})

	if cur != nil && cur.Status.Entitled() {
		if _, err := s.Transition(ctx, cur.ID, StatusCanceled, SourceWebhook, "superseded by "+ev.ID); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", cur.ID.String()).Msg("superseded subscription not canceled")
		}
	}
	return ResultApplied, nil
}

func (s *Service) organizationFor(ctx context.Context, ev *gateway.SubscriptionEvent) (*tenant.Organization, error) {
	if id, err := uuid.Parse(ev.OrganizationID); err == nil {
		org, err := s.orgs.Lookup(ctx, id)
		if err == nil {
			return org, nil
		}
		if apperror.KindOf(err) != apperror.KindNotFound {
			return nil, err
		}
	}
	return s.orgs.FindByGatewayCustomer(ctx, ev.CustomerID)
}

func (s *Service) copyGatewayFields(sub *Subscription, ev *gateway.SubscriptionEvent, pl *plan.Plan) {
	extID := ev.ID
	sub.ExternalSubscriptionID = &extID
	if ev.CustomerID != "" {
		cust := ev.CustomerID
		sub.ExternalCustomerID = &cust
	}
	if pl != nil {
		sub.PlanID = pl.ID
	}
	if ev.Interval != "" {
		sub.BillingCycle = plan.CycleFromInterval(ev.Interval)
	}
	if ev.Amount.IsPositive() {
		sub.Amount = ev.Amount
	}
	if ev.Currency != "" {
		sub.Currency = ev.Currency
	}
	if ev.PeriodEnd != nil {
		end := *ev.PeriodEnd
		sub.EndDate = &end
	}
	if ev.EndedAt != nil && sub.Status.Terminal() {
		end := *ev.EndedAt
		sub.EndDate = &end
	}
}

// ApplyInvoice reconciles invoice.paid and invoice.payment_failed events.
// A paid invoice appends a payment and brings a trialing or past_due
// subscription back to active; a failed one moves an active subscription to
// past_due. Zero-amount invoices, such as the one opening a trial, change
// nothing.
//
// A redelivered invoice.paid still re-attempts the reactivation, since an
// earlier delivery may have stored the payment and then failed before the
// status change. It does not when the subscription was updated after the
// invoice was paid, since a later event then speaks for the gateway.
func (s *Service) ApplyInvoice(ctx context.Context, eventType string, inv *gateway.InvoiceEvent, payments PaymentAppender) (string, error) {
	if inv == nil || inv.SubscriptionID == "" {
		return ResultIgnored, nil
	}
	sub, err := s.repo.GetByExternalID(ctx, inv.SubscriptionID)
	if errors.Is(err, ErrNotFound) {
		return ResultIgnored, nil
	}
	if err != nil {
		return "", err
	}

	var to Status
	noop := ResultApplied
	switch eventType {
	case gateway.EventInvoicePaid:
		if !inv.AmountPaid.IsPositive() {
			return ResultIgnored, nil
		}
		created, err := payments.RecordGatewayPayment(ctx, sub, inv)
		if err != nil {
			return "", err
		}
		if !created {
			noop = ResultDuplicate
			if !inv.PaidAt.IsZero() && sub.UpdatedAt.After(inv.PaidAt) {
				return ResultDuplicate, nil
			}
		}
		if sub.Status != StatusTrialing && sub.Status != StatusPastDue {
			return noop, nil
		}
		to = StatusActive
	case gateway.EventInvoicePaymentFailed:
		if sub.Status != StatusActive && sub.Status != StatusTrialing {
			return ResultIgnored, nil
		}
		to = StatusPastDue
	default:
		return ResultIgnored, nil
	}

	if _, err := s.Transition(ctx, sub.ID, to, SourceWebhook, eventType); err != nil {
		if apperror.KindOf(err) == apperror.KindValidation {
			return ResultRejected, nil
		}
		return "", err
	}
	return ResultApplied, nil
}

// WebhookHandler serves POST /billing/webhook. Deliveries are authenticated
// by signature, not by session.
type WebhookHandler struct {
	subs     *Service
	payments PaymentAppender
	verifier *gateway.WebhookVerifier
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

func NewWebhookHandler(subs *Service, payments PaymentAppender, verifier *gateway.WebhookVerifier, metrics *telemetry.Metrics, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{subs: subs, payments: payments, verifier: verifier, metrics: metrics, logger: logger}
}

func (h *WebhookHandler) RegisterRoutes(api *echo.Group) {
	api.POST("/billing/webhook", h.Handle)
}

func (h *WebhookHandler) Handle(c echo.Context) error {
	payload, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return apperror.Validation("", "unreadable request body")
	}
	evt, err := h.verifier.Parse(payload, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		h.metrics.RecordWebhookEvent("unknown", "invalid")
		if errors.Is(err, gateway.ErrInvalidSignature) {
			return apperror.Validation("invalid_signature", "webhook signature verification failed")
		}
		return apperror.Validation("", "malformed webhook payload")
	}

	start := time.Now()
	result, err := h.Apply(c.Request().Context(), evt)
	if err != nil {
		h.metrics.RecordWebhookEvent(evt.Type, "error")
		h.logger.Error().Err(err).Str("event_id", evt.ID).Str("event_type", evt.Type).Msg("webhook processing failed")
		return apperror.Internal(err)
	}
	h.metrics.RecordWebhookEvent(evt.Type, result)
	h.logger.Info().
		Str("event_id", evt.ID).
		Str("event_type", evt.Type).
		Str("result", result).
		Dur("latency", time.Since(start)).
		Msg("webhook processed")
	return c.JSON(http.StatusOK, map[string]interface{}{"received": true, "result": result})
}

// Apply routes a verified event to the ledger.
func (h *WebhookHandler) Apply(ctx context.Context, evt *gateway.Event) (string, error) {
	switch evt.Type {
	case gateway.EventSubscriptionCreated, gateway.EventSubscriptionUpdated, gateway.EventSubscriptionDeleted:
		return h.subs.SyncFromGateway(ctx, evt.Type, evt.Subscription)
	case gateway.EventInvoicePaid, gateway.EventInvoicePaymentFailed:
		return h.subs.ApplyInvoice(ctx, evt.Type, evt.Invoice, h.payments)
	}
	return ResultIgnored, nil
}
