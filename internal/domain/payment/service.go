// Package payment is the append-only ledger of settlement events.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/billing/internal/domain/activity"
	"github.com/ehr/billing/internal/domain/entitlement"
	"github.com/ehr/billing/internal/domain/subscription"
	"github.com/ehr/billing/internal/domain/tenant"
	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/gateway"
	"github.com/ehr/billing/internal/platform/telemetry"
	"github.com/ehr/billing/internal/platform/validation"
	"github.com/ehr/billing/pkg/pagination"
)

// Subscriptions is the part of the subscription ledger payments touch.
type Subscriptions interface {
	Lookup(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error)
	MarkPaid(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Organizations resolves organization names for listings.
type Organizations interface {
	FetchByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*tenant.Organization, error)
}

type Service struct {
	repo     Repository
	seq      Sequence
	tx       db.Transactor
	subs     Subscriptions
	orgs     Organizations
	guard    *entitlement.Guard
	activity *activity.Writer
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	newID    func() uuid.UUID
}

type Option func(*Service)

func WithActivity(w *activity.Writer) Option { return func(s *Service) { s.activity = w } }

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(newID func() uuid.UUID) Option { return func(s *Service) { s.newID = newID } }

func NewService(repo Repository, seq Sequence, tx db.Transactor, subs Subscriptions, orgs Organizations, guard *entitlement.Guard, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		seq:    seq,
		tx:     tx,
		subs:   subs,
		orgs:   orgs,
		guard:  guard,
		logger: zerolog.Nop(),
		now:    time.Now,
		newID:  uuid.New,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// newPayment is the single factory for ledger records. The transaction id is
// drawn from the sequence here, never derived from existing rows.
func (s *Service) newPayment(ctx context.Context, sub *subscription.Subscription) (*Payment, error) {
	n, err := s.seq.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("next transaction number: %w", err)
	}
	now := s.now().UTC()
	return &Payment{
		ID:             s.newID(),
		TransactionID:  FormatTransactionID(now.Year(), n),
		Sequence:       n,
		SubscriptionID: sub.ID,
		OrganizationID: sub.OrganizationID,
		Currency:       sub.Currency,
		BillingCycle:   sub.BillingCycle,
		Status:         StatusCompleted,
		PaidAt:         now,
		CreatedAt:      now,
	}, nil
}

// Record appends a manually entered payment.
func (s *Service) Record(ctx context.Context, p *auth.Principal, req RecordRequest) (*Payment, error) {
	if err := s.guard.Admit(p, entitlement.OpPaymentAdmin); err != nil {
		return nil, err
	}
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	if req.Amount.IsNegative() {
		return nil, apperror.Validation("", "amount must not be negative")
	}
	sub, err := s.subs.Lookup(ctx, req.SubscriptionID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil, apperror.Validation("", "subscription does not exist")
		}
		return nil, err
	}

	pay, err := s.newPayment(ctx, sub)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	pay.Amount = *req.Amount
	pay.Method = req.Method
	pay.BillingCycle = req.BillingCycle
	pay.Notes = req.Notes
	processedBy := p.UserID
	pay.ProcessedBy = &processedBy
	if req.Currency != "" {
		pay.Currency = strings.ToUpper(req.Currency)
	}
	if req.Status != "" {
		pay.Status = req.Status
	}
	if req.PaidAt != nil {
		pay.PaidAt = req.PaidAt.UTC()
	}

	if err := s.persist(ctx, pay); err != nil {
		return nil, mapError(err)
	}
	s.recorded(ctx, pay, "record")
	return pay, nil
}

// persist writes pay and, for completed payments, stamps the subscription's
// last payment date in the same transaction.
func (s *Service) persist(ctx context.Context, pay *Payment) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, pay); err != nil {
			return err
		}
		if pay.Status != StatusCompleted {
			return nil
		}
		return s.subs.MarkPaid(ctx, pay.SubscriptionID, pay.PaidAt)
	})
}

func (s *Service) recorded(ctx context.Context, pay *Payment, action string) {
	s.metrics.RecordPayment(string(pay.Method), string(pay.Status))
	s.logger.Info().
		Str("transaction_id", pay.TransactionID).
		Str("subscription_id", pay.SubscriptionID.String()).
		Str("status", string(pay.Status)).
		Str("amount", pay.Amount.String()).
		Msg("payment recorded")
	s.activity.Append(ctx, activity.Entry{
		OrganizationID: &pay.OrganizationID,
		Entity:         activity.EntityPayment,
		EntityID:       pay.TransactionID,
		Action:         action,
		Details: map[string]string{
			"amount":   pay.Amount.String(),
			"currency": pay.Currency,
			"method":   string(pay.Method),
			"status":   string(pay.Status),
		},
	})
}

// Refund appends a refunded record for a completed payment. The original is
// left untouched and can be refunded once.
func (s *Service) Refund(ctx context.Context, p *auth.Principal, id uuid.UUID, req RefundRequest) (*Payment, error) {
	if err := s.guard.Admit(p, entitlement.OpPaymentAdmin); err != nil {
		return nil, err
	}
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	orig, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	if orig.Status != StatusCompleted {
		return nil, apperror.Validation("payment_not_refundable", "only completed payments can be refunded")
	}
	if _, err := s.repo.RefundFor(ctx, orig.ID); err == nil {
		return nil, errAlreadyRefunded
	} else if !errors.Is(err, ErrNotFound) {
		return nil, apperror.Internal(err)
	}

	n, err := s.seq.Next(ctx)
	if err != nil {
		return nil, apperror.Internal(fmt.Errorf("next transaction number: %w", err))
	}
	now := s.now().UTC()
	refund := *orig
	refund.ID = s.newID()
	refund.TransactionID = FormatTransactionID(now.Year(), n)
	refund.Sequence = n
	refund.Status = StatusRefunded
	refund.RefundOf = &orig.ID
	refund.ExternalInvoiceID = nil
	refund.ExternalPaymentID = nil
	refund.Notes = req.Notes
	processedBy := p.UserID
	refund.ProcessedBy = &processedBy
	refund.PaidAt = now
	refund.CreatedAt = now

	if err := s.repo.Create(ctx, &refund); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, errAlreadyRefunded
		}
		return nil, apperror.Internal(err)
	}
	s.recorded(ctx, &refund, "refund")
	return &refund, nil
}

var errAlreadyRefunded = apperror.Validation("already_refunded", "payment has already been refunded")

// List is the cross-tenant listing, newest first. The page and the total are
// fetched concurrently and organization names are resolved in one batch.
func (s *Service) List(ctx context.Context, p *auth.Principal, f ListFilter, page pagination.Params) ([]*View, int, error) {
	if err := s.guard.Admit(p, entitlement.OpPaymentAdmin); err != nil {
		return nil, 0, err
	}

	var (
		items []*Payment
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = s.repo.List(gctx, f, page.Limit, page.Offset())
		return err
	})
	g.Go(func() error {
		var err error
		total, err = s.repo.Count(gctx, f)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, 0, apperror.Internal(err)
	}

	ids := make([]uuid.UUID, len(items))
	for i, pay := range items {
		ids[i] = pay.OrganizationID
	}
	orgs, err := s.orgs.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	views := make([]*View, len(items))
	for i, pay := range items {
		views[i] = &View{Payment: pay}
		if o, ok := orgs[pay.OrganizationID]; ok {
			views[i].OrganizationName = o.Name
		}
	}
	return views, total, nil
}

// RecordGatewayPayment appends the completed payment carried by a paid
// invoice. It reports false when the invoice is already on the ledger.
func (s *Service) RecordGatewayPayment(ctx context.Context, sub *subscription.Subscription, inv *gateway.InvoiceEvent) (bool, error) {
	if inv == nil || inv.ID == "" {
		return false, nil
	}
	if _, err := s.repo.GetByExternalInvoice(ctx, inv.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	pay, err := s.newPayment(ctx, sub)
	if err != nil {
		return false, err
	}
	pay.Method = MethodGateway
	pay.Amount = inv.AmountPaid
	if inv.Currency != "" {
		pay.Currency = inv.Currency
	}
	if !inv.PaidAt.IsZero() {
		pay.PaidAt = inv.PaidAt.UTC()
	}
	invoiceID := inv.ID
	pay.ExternalInvoiceID = &invoiceID
	if inv.PaymentIntentID != "" {
		intent := inv.PaymentIntentID
		pay.ExternalPaymentID = &intent
	}
	if inv.Number != "" {
		note := "Invoice " + inv.Number
		pay.Notes = &note
	}

	if err := s.persist(ctx, pay); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	s.recorded(ctx, pay, "record")
	return true, nil
}

func mapError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound("payment not found")
	}
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperror.Internal(err)
}
