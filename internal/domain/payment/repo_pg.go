package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const paymentCols = `id, transaction_id, sequence, subscription_id, organization_id, amount, currency, method,
	billing_cycle, status, external_payment_id, external_invoice_id, refund_of, notes,
	processed_by, paid_at, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.TransactionID, &p.Sequence, &p.SubscriptionID, &p.OrganizationID, &p.Amount, &p.Currency, &p.Method,
		&p.BillingCycle, &p.Status, &p.ExternalPaymentID, &p.ExternalInvoiceID, &p.RefundOf, &p.Notes,
		&p.ProcessedBy, &p.PaidAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *repoPG) Create(ctx context.Context, p *Payment) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO payments (`+paymentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		p.ID, p.TransactionID, p.Sequence, p.SubscriptionID, p.OrganizationID, p.Amount, p.Currency, p.Method,
		p.BillingCycle, p.Status, p.ExternalPaymentID, p.ExternalInvoiceID, p.RefundOf, p.Notes,
		p.ProcessedBy, p.PaidAt, p.CreatedAt)
	if db.IsUniqueViolation(err, "") {
		return ErrDuplicate
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
}

func (r *repoPG) GetByExternalInvoice(ctx context.Context, invoiceID string) (*Payment, error) {
	return scanPayment(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE external_invoice_id = $1`, invoiceID))
}

func (r *repoPG) RefundFor(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE refund_of = $1`, id))
}

func whereClause(f ListFilter) (string, []interface{}) {
	var where []string
	var args []interface{}
	if f.OrganizationID != nil {
		args = append(args, *f.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		args = append(args, "%"+escapeLike(s)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(method ILIKE $%d OR notes ILIKE $%d OR transaction_id ILIKE $%d)", n, n, n))
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Payment, error) {
	clause, args := whereClause(f)
	args = append(args, limit, offset)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, fmt.Sprintf(
		`SELECT %s FROM payments%s ORDER BY created_at DESC, sequence DESC LIMIT $%d OFFSET $%d`,
		paymentCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) Count(ctx context.Context, f ListFilter) (int, error) {
	clause, args := whereClause(f)
	var total int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM payments`+clause, args...).Scan(&total)
	return total, err
}
