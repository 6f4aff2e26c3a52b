package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("subscription not found")

type Repository interface {
	Create(ctx context.Context, s *Subscription) error
	// Update persists every mutable field of s.
	Update(ctx context.Context, s *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// GetForUpdate is GetByID with a row lock held until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Subscription, error)
	// Current returns the most recently updated subscription of the
	// organization whose status is not canceled.
	Current(ctx context.Context, orgID uuid.UUID) (*Subscription, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Subscription, int, error)
	SetLastPayment(ctx context.Context, id uuid.UUID, at time.Time) error
	// LockOrganization serializes subscription creation for one organization
	// until the surrounding transaction ends.
	LockOrganization(ctx context.Context, orgID uuid.UUID) error
}
