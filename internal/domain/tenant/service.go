// Package tenant is the directory of organizations and their gateway
// customer records.
package tenant

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/billing/internal/domain/activity"
	"github.com/ehr/billing/internal/domain/entitlement"
	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/validation"
)

type Service struct {
	repo     Repository
	guard    *entitlement.Guard
	activity *activity.Writer
	now      func() time.Time
	newID    func() uuid.UUID
}

type Option func(*Service)

func WithActivity(w *activity.Writer) Option { return func(s *Service) { s.activity = w } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithIDs(newID func() uuid.UUID) Option { return func(s *Service) { s.newID = newID } }

func NewService(repo Repository, guard *entitlement.Guard, opts ...Option) *Service {
	s := &Service{repo: repo, guard: guard, now: time.Now, newID: uuid.New}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns an organization to super_admin or to its own members. An id
// that does not exist is NotFound; one that belongs to another tenant is
// Forbidden.
func (s *Service) Get(ctx context.Context, p *auth.Principal, id uuid.UUID) (*Organization, error) {
	if err := s.guard.Admit(p, entitlement.OpOrganizationRead); err != nil {
		return nil, err
	}
	o, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Check(p, o.ID, entitlement.OpOrganizationRead); err != nil {
		return nil, err
	}
	return o, nil
}

// Lookup fetches an organization without an authorization check, for
// services that have already applied the guard.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Organization, error) {
	o, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperror.NotFound("organization not found")
	}
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return o, nil
}

// FetchByIDs resolves a batch of organizations in one query. Duplicate and
// nil ids are ignored.
func (s *Service) FetchByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Organization, error) {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	unique := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	orgs, err := s.repo.GetByIDs(ctx, unique)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return orgs, nil
}

// FindByGatewayCustomer resolves the organization that owns a gateway
// customer. It returns nil when none does.
func (s *Service) FindByGatewayCustomer(ctx context.Context, customerID string) (*Organization, error) {
	if customerID == "" {
		return nil, nil
	}
	o, err := s.repo.GetByGatewayCustomer(ctx, customerID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return o, nil
}

func (s *Service) Create(ctx context.Context, p *auth.Principal, req CreateRequest) (*Organization, error) {
	if err := s.guard.Admit(p, entitlement.OpOrganizationManage); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	o := &Organization{
		ID:                s.newID(),
		Name:              req.Name,
		GatewayCustomerID: req.GatewayCustomerID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.Create(ctx, o); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, apperror.Validation("duplicate_name", "an organization with this name already exists")
		}
		return nil, apperror.Internal(err)
	}

	s.activity.Append(ctx, activity.Entry{
		OrganizationID: &o.ID,
		Entity:         activity.EntityOrganization,
		EntityID:       o.ID.String(),
		Action:         "create",
	})
	return o, nil
}

// SetGatewayCustomer links an organization to a gateway customer.
func (s *Service) SetGatewayCustomer(ctx context.Context, p *auth.Principal, id uuid.UUID, req SetCustomerRequest) (*Organization, error) {
	if err := s.guard.Admit(p, entitlement.OpOrganizationManage); err != nil {
		return nil, err
	}
	req.GatewayCustomerID = strings.TrimSpace(req.GatewayCustomerID)
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	if err := s.repo.SetGatewayCustomer(ctx, id, req.GatewayCustomerID, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperror.NotFound("organization not found")
		}
		return nil, apperror.Internal(err)
	}
	s.activity.Append(ctx, activity.Entry{
		OrganizationID: &id,
		Entity:         activity.EntityOrganization,
		EntityID:       id.String(),
		Action:         "set_gateway_customer",
		Details:        map[string]string{"customer": req.GatewayCustomerID},
	})
	return s.Lookup(ctx, id)
}
