package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("payment not found")
	// ErrDuplicate is returned by Create when the transaction id, the
	// external invoice id or the refunded payment is already recorded.
	ErrDuplicate = errors.New("payment already recorded")
)

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByExternalInvoice(ctx context.Context, invoiceID string) (*Payment, error)
	// RefundFor returns the refund record of a payment, or ErrNotFound.
	RefundFor(ctx context.Context, id uuid.UUID) (*Payment, error)
	// List returns payments newest first.
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Payment, error)
	Count(ctx context.Context, f ListFilter) (int, error)
}
