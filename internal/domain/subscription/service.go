// Package subscription is the ledger of organization subscriptions and the
// state machine that moves them between statuses.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/domain/activity"
	"github.com/ehr/billing/internal/domain/entitlement"
	"github.com/ehr/billing/internal/domain/plan"
	"github.com/ehr/billing/internal/domain/tenant"
	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/telemetry"
	"github.com/ehr/billing/internal/platform/validation"
	"github.com/ehr/billing/pkg/pagination"
)

// Organizations is the part of the tenant directory the ledger reads.
type Organizations interface {
	Lookup(ctx context.Context, id uuid.UUID) (*tenant.Organization, error)
	FindByGatewayCustomer(ctx context.Context, customerID string) (*tenant.Organization, error)
}

// Plans is the part of the plan catalog the ledger reads.
type Plans interface {
	Lookup(ctx context.Context, id uuid.UUID) (*plan.Plan, error)
	FindByPriceID(ctx context.Context, priceID string) (*plan.Plan, error)
}

type Service struct {
	repo     Repository
	tx       db.Transactor
	orgs     Organizations
	plans    Plans
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

func NewService(repo Repository, tx db.Transactor, orgs Organizations, plans Plans, guard *entitlement.Guard, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		tx:     tx,
		orgs:   orgs,
		plans:  plans,
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

// Create starts a subscription for an organization on a plan. It starts in
// trialing when the plan has trial days and in active otherwise. An
// organization that is already entitled cannot start a second subscription.
func (s *Service) Create(ctx context.Context, p *auth.Principal, req CreateRequest) (*Subscription, error) {
	if err := s.guard.Check(p, req.OrganizationID, entitlement.OpSubscriptionCreate); err != nil {
		return nil, err
	}
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	org, err := s.orgs.Lookup(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	pl, err := s.plans.Lookup(ctx, req.PlanID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil, apperror.Validation("", "plan does not exist")
		}
		return nil, err
	}
	if !pl.IsActive {
		return nil, apperror.Validation("plan_inactive", "plan is not available")
	}

	sub := s.newSubscription(org, pl, req.BillingCycle)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockOrganization(ctx, org.ID); err != nil {
			return err
		}
		cur, err := s.repo.Current(ctx, org.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if cur != nil && cur.Status.Entitled() {
			return apperror.Validation("subscription_exists", "organization already has an active subscription")
		}
		return s.repo.Create(ctx, sub)
	})
	if err != nil {
		return nil, mapError(err)
	}

	s.activity.Append(ctx, activity.Entry{
		OrganizationID: &sub.OrganizationID,
		Entity:         activity.EntitySubscription,
		EntityID:       sub.ID.String(),
		Action:         "create",
		Details:        map[string]string{"plan": pl.Name, "status": string(sub.Status), "cycle": string(sub.BillingCycle)},
	})
	return sub, nil
}

func (s *Service) newSubscription(org *tenant.Organization, pl *plan.Plan, cycle plan.BillingCycle) *Subscription {
	now := s.now().UTC()
	sub := &Subscription{
		ID:                 s.newID(),
		OrganizationID:     org.ID,
		PlanID:             pl.ID,
		Status:             StatusActive,
		BillingCycle:       cycle,
		Amount:             pl.PriceFor(cycle),
		Currency:           pl.Currency,
		ExternalCustomerID: org.GatewayCustomerID,
		StartDate:          now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	end := cycle.AddTo(now)
	sub.EndDate = &end
	if pl.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, pl.TrialDays)
		sub.Status = StatusTrialing
		sub.TrialEndsAt = &trialEnd
	}
	return sub
}

// Current returns the caller's authoritative subscription, or nil when the
// organization has none. super_admin owns no organization and is refused.
func (s *Service) Current(ctx context.Context, p *auth.Principal) (*Subscription, error) {
	orgID, err := s.guard.CallerOrganization(p, entitlement.OpSubscriptionRead)
	if err != nil {
		return nil, err
	}
	return s.CurrentForOrganization(ctx, orgID)
}

// CurrentForOrganization returns the most recently updated subscription that
// is not canceled, or nil.
func (s *Service) CurrentForOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	sub, err := s.repo.Current(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return sub, nil
}

// Entitled reports whether orgID's authoritative subscription grants access.
func (s *Service) Entitled(ctx context.Context, orgID uuid.UUID) (bool, error) {
	sub, err := s.CurrentForOrganization(ctx, orgID)
	if err != nil {
		return false, err
	}
	return sub != nil && sub.Status.Entitled(), nil
}

// Lookup fetches a subscription by local id without an authorization check.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	return sub, nil
}

// Resolve finds a subscription by local id or by gateway subscription id.
func (s *Service) Resolve(ctx context.Context, ref string) (*Subscription, error) {
	if id, err := uuid.Parse(ref); err == nil {
		sub, err := s.repo.GetByID(ctx, id)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, apperror.Internal(err)
		}
	}
	if ref == "" {
		return nil, apperror.NotFound("subscription not found")
	}
	sub, err := s.repo.GetByExternalID(ctx, ref)
	if err != nil {
		return nil, mapError(err)
	}
	return sub, nil
}

// FetchByIDs resolves a batch of subscriptions in one query.
func (s *Service) FetchByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Subscription, error) {
	subs, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return subs, nil
}

// List is the cross-tenant administrative listing, newest first.
func (s *Service) List(ctx context.Context, p *auth.Principal, f ListFilter, page pagination.Params) ([]*Subscription, int, error) {
	if err := s.guard.Admit(p, entitlement.OpSubscriptionAdmin); err != nil {
		return nil, 0, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperror.Validationf("unknown status %q", f.Status)
	}
	items, total, err := s.repo.List(ctx, f, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, apperror.Internal(err)
	}
	return items, total, nil
}

// Override is the administrative status change.
func (s *Service) Override(ctx context.Context, p *auth.Principal, id uuid.UUID, req StatusRequest) (*Subscription, error) {
	if err := s.guard.Admit(p, entitlement.OpSubscriptionAdmin); err != nil {
		return nil, err
	}
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	return s.Transition(ctx, id, req.Status, SourceAdmin, req.Reason)
}

// Transition moves a subscription to a new status under a row lock. Moving
// to the current status returns the subscription unchanged.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status, source Source, reason string) (*Subscription, error) {
	if !to.Valid() {
		return nil, apperror.Validationf("unknown status %q", to)
	}
	var (
		sub  *Subscription
		from Status
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = sub.Status
		if from == to {
			return nil
		}
		if err := s.apply(sub, to); err != nil {
			return err
		}
		return s.repo.Update(ctx, sub)
	})
	if err != nil {
		return nil, mapError(err)
	}
	if from != to {
		s.recordTransition(ctx, sub, from, to, source, reason)
	}
	return sub, nil
}

// apply checks and performs from -> to on sub in memory.
func (s *Service) apply(sub *Subscription, to Status) error {
	if !CanTransition(sub.Status, to) {
		return apperror.Validation("invalid_transition", fmt.Sprintf("cannot change status from %s to %s", sub.Status, to))
	}
	now := s.now().UTC()
	switch to {
	case StatusCanceled:
		sub.CanceledAt = &now
	case StatusExpired:
		if sub.EndDate == nil || sub.EndDate.After(now) {
			sub.EndDate = &now
		}
	}
	sub.Status = to
	sub.UpdatedAt = now
	return nil
}

func (s *Service) recordTransition(ctx context.Context, sub *Subscription, from, to Status, source Source, reason string) {
	s.metrics.RecordTransition(string(from), string(to), string(source))
	s.logger.Info().
		Str("subscription_id", sub.ID.String()).
		Str("organization_id", sub.OrganizationID.String()).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("source", string(source)).
		Msg("subscription status changed")

	details := map[string]string{"from": string(from), "to": string(to), "source": string(source)}
	if reason != "" {
		details["reason"] = reason
	}
	s.activity.Append(ctx, activity.Entry{
		OrganizationID: &sub.OrganizationID,
		Entity:         activity.EntitySubscription,
		EntityID:       sub.ID.String(),
		Action:         "status_change",
		Details:        details,
	})
}

// MarkPaid stamps the last payment date. Earlier dates never overwrite later
// ones.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.repo.SetLastPayment(ctx, id, at.UTC()); err != nil {
		return mapError(err)
	}
	return nil
}

func mapError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound("subscription not found")
	}
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperror.Internal(err)
}
