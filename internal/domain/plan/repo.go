package plan

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("plan not found")

type Repository interface {
	Create(ctx context.Context, p *Plan) error
	Update(ctx context.Context, p *Plan) error
	GetByID(ctx context.Context, id uuid.UUID) (*Plan, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Plan, error)
	// GetByPriceID finds the plan carrying a gateway price on either cycle.
	GetByPriceID(ctx context.Context, priceID string) (*Plan, error)
	// List orders by sort_order, then created_at.
	List(ctx context.Context, activeOnly bool) ([]*Plan, error)
	// ClearDefault unsets is_default on every plan except keep. It must run in
	// the same transaction as the write that sets the new default and
	// serializes concurrent default changes.
	ClearDefault(ctx context.Context, keep uuid.UUID) error
}
