// Package activity keeps the secondary activity trail for ledger writes.
//
// Entries are appended after the primary write commits and outside its
// transaction. A failed append is logged and counted but never returned, so a
// primary write is never rolled back because of its activity entry, and a
// retried operation may append more than one entry for the same change.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/domain/entitlement"
	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/telemetry"
	"github.com/ehr/billing/pkg/pagination"
)

// Writer appends entries on behalf of the ledger services.
type Writer struct {
	repo    Repository
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewWriter(repo Repository, logger zerolog.Logger, metrics *telemetry.Metrics) *Writer {
	return &Writer{repo: repo, logger: logger, metrics: metrics, now: time.Now}
}

// Append records e. It returns nothing: callers have already committed the
// change being described. A nil Writer discards entries.
func (w *Writer) Append(ctx context.Context, e Entry) {
	if w == nil || w.repo == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = w.now().UTC()
	}
	if e.ActorID == "" {
		e.ActorID = auth.UserIDFromContext(ctx)
	}
	if err := w.repo.Create(ctx, &e); err != nil {
		w.metrics.RecordSecondaryFailure(e.Entity)
		w.logger.Error().Err(err).
			Str("entity", e.Entity).
			Str("entity_id", e.EntityID).
			Str("action", e.Action).
			Msg("activity entry not recorded")
	}
}

// Service exposes the activity trail to administrators.
type Service struct {
	repo  Repository
	guard *entitlement.Guard
}

func NewService(repo Repository, guard *entitlement.Guard) *Service {
	return &Service{repo: repo, guard: guard}
}

// List returns entries for orgID, or for every organization when orgID is nil
// and the caller is super_admin. Tenant callers always see their own
// organization.
func (s *Service) List(ctx context.Context, p *auth.Principal, orgID *uuid.UUID, entity string, page pagination.Params) ([]*Entry, int, error) {
	if err := s.guard.Admit(p, entitlement.OpActivityRead); err != nil {
		return nil, 0, err
	}
	if !p.IsSuperAdmin() {
		own, err := uuid.Parse(p.OrganizationID)
		if err != nil {
			return nil, 0, apperror.Forbidden("invalid organization on session")
		}
		if orgID != nil && *orgID != own {
			return nil, 0, apperror.Forbidden("resource belongs to another organization")
		}
		orgID = &own
	}
	items, total, err := s.repo.List(ctx, Filter{OrganizationID: orgID, Entity: entity}, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, apperror.Internal(err)
	}
	return items, total, nil
}
