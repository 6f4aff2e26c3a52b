// Package plan is the catalog of purchasable plans.
package plan

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/activity"
	"github.com/ehr/billing/internal/domain/entitlement"
	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/internal/platform/telemetry"
	"github.com/ehr/billing/internal/platform/validation"
)

type Service struct {
	repo     Repository
	tx       db.Transactor
	guard    *entitlement.Guard
	cache    Cache
	activity *activity.Writer
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	currency string
	now      func() time.Time
	newID    func() uuid.UUID
}

type Option func(*Service)

func WithCache(c Cache) Option { return func(s *Service) { s.cache = c } }

func WithActivity(w *activity.Writer) Option { return func(s *Service) { s.activity = w } }

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithDefaultCurrency sets the currency of plans created without one.
func WithDefaultCurrency(cur string) Option {
	return func(s *Service) { s.currency = strings.ToUpper(cur) }
}

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(newID func() uuid.UUID) Option { return func(s *Service) { s.newID = newID } }

func NewService(repo Repository, tx db.Transactor, guard *entitlement.Guard, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		tx:       tx,
		guard:    guard,
		logger:   zerolog.Nop(),
		currency: "USD",
		now:      time.Now,
		newID:    uuid.New,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// List returns plans ordered by sort order then creation time. Anonymous
// callers may only read the public active catalog.
func (s *Service) List(ctx context.Context, p *auth.Principal, f ListFilter) ([]*Plan, error) {
	if p == nil && !(f.Public && f.ActiveOnly) {
		return nil, apperror.Unauthorized("authentication required")
	}

	key := f.cacheKey()
	if s.cache != nil {
		if plans, ok := s.cache.Get(ctx, key); ok {
			s.metrics.RecordCacheLookup(true)
			return plans, nil
		}
		s.metrics.RecordCacheLookup(false)
	}

	plans, err := s.repo.List(ctx, f.ActiveOnly)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	if plans == nil {
		plans = []*Plan{}
	}
	if s.cache != nil {
		s.cache.Set(ctx, key, plans)
	}
	return plans, nil
}

// Get returns one plan. Inactive plans are visible to super_admin only.
func (s *Service) Get(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Plan, error) {
	if p == nil {
		return nil, apperror.Unauthorized("authentication required")
	}
	pl, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pl.IsActive && !p.IsSuperAdmin() {
		return nil, apperror.NotFound("plan not found")
	}
	return pl, nil
}

// Lookup fetches a plan without an authorization check.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Plan, error) {
	pl, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.NotFound("plan not found")
	}
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return pl, nil
}

// FetchByIDs resolves a batch of plans in one query.
func (s *Service) FetchByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Plan, error) {
	plans, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return plans, nil
}

// FindByPriceID returns the plan that carries a gateway price, or nil.
func (s *Service) FindByPriceID(ctx context.Context, priceID string) (*Plan, error) {
	if priceID == "" {
		return nil, nil
	}
	pl, err := s.repo.GetByPriceID(ctx, priceID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return pl, nil
}

// Create adds a plan. When the plan is the new default, clearing the previous
// default and inserting happen in one transaction.
func (s *Service) Create(ctx context.Context, p *auth.Principal, req CreateRequest) (*Plan, error) {
	if err := s.guard.Admit(p, entitlement.OpPlanManage); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	if err := checkPrices(*req.MonthlyPrice, *req.YearlyPrice); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	pl := &Plan{
		ID:                   s.newID(),
		Name:                 req.Name,
		Description:          req.Description,
		MonthlyPrice:         *req.MonthlyPrice,
		YearlyPrice:          *req.YearlyPrice,
		Currency:             strings.ToUpper(req.Currency),
		Features:             req.Features,
		StripeMonthlyPriceID: req.StripeMonthlyPriceID,
		StripeYearlyPriceID:  req.StripeYearlyPriceID,
		TrialDays:            req.TrialDays,
		IsDefault:            req.IsDefault,
		SortOrder:            req.SortOrder,
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if pl.Currency == "" {
		pl.Currency = s.currency
	}
	if pl.Features == nil {
		pl.Features = []string{}
	}
	if req.IsActive != nil {
		pl.IsActive = *req.IsActive
	}

	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if pl.IsDefault {
			if err := s.repo.ClearDefault(ctx, pl.ID); err != nil {
				return err
			}
		}
		return s.repo.Create(ctx, pl)
	})
	if err != nil {
		return nil, apperror.Internal(err)
	}

	s.afterWrite(ctx, pl, "create")
	return pl, nil
}

// Update applies the fields present in req. Setting isDefault follows the
// same atomic rule as Create.
func (s *Service) Update(ctx context.Context, p *auth.Principal, id uuid.UUID, req UpdateRequest) (*Plan, error) {
	if err := s.guard.Admit(p, entitlement.OpPlanManage); err != nil {
		return nil, err
	}
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}

	var pl *Plan
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		pl, err = s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := applyUpdate(pl, req); err != nil {
			return err
		}
		pl.UpdatedAt = s.now().UTC()
		if pl.IsDefault {
			if err := s.repo.ClearDefault(ctx, pl.ID); err != nil {
				return err
			}
		}
		return s.repo.Update(ctx, pl)
	})
	if err != nil {
		return nil, s.mapError(err)
	}

	s.afterWrite(ctx, pl, "update")
	return pl, nil
}

// SetDefault makes id the only default plan.
func (s *Service) SetDefault(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Plan, error) {
	yes := true
	return s.Update(ctx, p, id, UpdateRequest{IsDefault: &yes})
}

func (s *Service) afterWrite(ctx context.Context, pl *Plan, action string) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.logger.Error().Err(err).Str("plan_id", pl.ID.String()).Msg("plan cache invalidation failed")
		}
	}
	s.activity.Append(ctx, activity.Entry{
		Entity:   activity.EntityPlan,
		EntityID: pl.ID.String(),
		Action:   action,
		Details:  map[string]string{"name": pl.Name, "default": boolString(pl.IsDefault)},
	})
}

func (s *Service) mapError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperror.NotFound("plan not found")
	}
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return ae
	}
	return apperror.Internal(err)
}

func applyUpdate(pl *Plan, req UpdateRequest) error {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return apperror.Validation("", "name is required")
		}
		pl.Name = name
	}
	if req.Description != nil {
		pl.Description = req.Description
	}
	if req.MonthlyPrice != nil {
		pl.MonthlyPrice = *req.MonthlyPrice
	}
	if req.YearlyPrice != nil {
		pl.YearlyPrice = *req.YearlyPrice
	}
	if err := checkPrices(pl.MonthlyPrice, pl.YearlyPrice); err != nil {
		return err
	}
	if req.Currency != nil {
		pl.Currency = strings.ToUpper(*req.Currency)
	}
	if req.Features != nil {
		pl.Features = req.Features
	}
	if req.StripeMonthlyPriceID != nil {
		pl.StripeMonthlyPriceID = req.StripeMonthlyPriceID
	}
	if req.StripeYearlyPriceID != nil {
		pl.StripeYearlyPriceID = req.StripeYearlyPriceID
	}
	if req.TrialDays != nil {
		pl.TrialDays = *req.TrialDays
	}
	if req.IsDefault != nil {
		pl.IsDefault = *req.IsDefault
	}
	if req.SortOrder != nil {
		pl.SortOrder = *req.SortOrder
	}
	if req.IsActive != nil {
		pl.IsActive = *req.IsActive
	}
	return nil
}

func checkPrices(monthly, yearly decimal.Decimal) error {
	if monthly.IsNegative() || yearly.IsNegative() {
		return apperror.Validation("", "prices must not be negative")
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
