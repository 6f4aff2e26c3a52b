package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("organization not found")
	ErrDuplicateName = errors.New("organization name already exists")
)

type Repository interface {
	Create(ctx context.Context, o *Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	// GetByIDs returns the organizations that exist; missing ids are absent
	// from the map.
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Organization, error)
	GetByGatewayCustomer(ctx context.Context, customerID string) (*Organization, error)
	SetGatewayCustomer(ctx context.Context, id uuid.UUID, customerID string, at time.Time) error
}
