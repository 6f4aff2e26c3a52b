package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const subCols = `id, organization_id, plan_id, status, billing_cycle, amount, currency,
	external_subscription_id, external_customer_id, start_date, end_date, trial_ends_at,
	last_payment_date, canceled_at, created_at, updated_at`

func scanSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.OrganizationID, &s.PlanID, &s.Status, &s.BillingCycle, &s.Amount, &s.Currency,
		&s.ExternalSubscriptionID, &s.ExternalCustomerID, &s.StartDate, &s.EndDate, &s.TrialEndsAt,
		&s.LastPaymentDate, &s.CanceledAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func (r *repoPG) Create(ctx context.Context, s *Subscription) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO subscriptions (`+subCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		s.ID, s.OrganizationID, s.PlanID, s.Status, s.BillingCycle, s.Amount, s.Currency,
		s.ExternalSubscriptionID, s.ExternalCustomerID, s.StartDate, s.EndDate, s.TrialEndsAt,
		s.LastPaymentDate, s.CanceledAt, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *repoPG) Update(ctx context.Context, s *Subscription) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE subscriptions SET plan_id=$2, status=$3, billing_cycle=$4, amount=$5, currency=$6,
			external_subscription_id=$7, external_customer_id=$8, end_date=$9, trial_ends_at=$10,
			last_payment_date=$11, canceled_at=$12, updated_at=$13
		WHERE id = $1`,
		s.ID, s.PlanID, s.Status, s.BillingCycle, s.Amount, s.Currency,
		s.ExternalSubscriptionID, s.ExternalCustomerID, s.EndDate, s.TrialEndsAt,
		s.LastPaymentDate, s.CanceledAt, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSub(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+subCols+` FROM subscriptions WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSub(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+subCols+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return scanSub(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+subCols+` FROM subscriptions WHERE external_subscription_id = $1`, externalID))
}

func (r *repoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Subscription, error) {
	out := make(map[uuid.UUID]*Subscription, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+subCols+` FROM subscriptions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

func (r *repoPG) Current(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	return scanSub(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+subCols+` FROM subscriptions
		WHERE organization_id = $1 AND status <> 'canceled'
		ORDER BY updated_at DESC, created_at DESC
		LIMIT 1`, orgID))
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Subscription, int, error) {
	var where []string
	var args []interface{}
	if f.OrganizationID != nil {
		args = append(args, *f.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM subscriptions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s FROM subscriptions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		subCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *repoPG) SetLastPayment(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE subscriptions
		SET last_payment_date = GREATEST(COALESCE(last_payment_date, $2), $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) LockOrganization(ctx context.Context, orgID uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, orgID)
	return err
}
