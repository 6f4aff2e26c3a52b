package plan

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

// defaultPlanLock is the advisory lock key held while the default plan
// changes.
const defaultPlanLock = 0x706c616e // "plan"

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const planCols = `id, name, description, monthly_price, yearly_price, currency, features,
	stripe_monthly_price_id, stripe_yearly_price_id, trial_days, is_default, sort_order,
	is_active, created_at, updated_at`

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.MonthlyPrice, &p.YearlyPrice, &p.Currency, &p.Features,
		&p.StripeMonthlyPriceID, &p.StripeYearlyPriceID, &p.TrialDays, &p.IsDefault, &p.SortOrder,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if p.Features == nil {
		p.Features = []string{}
	}
	return &p, err
}

func (r *repoPG) Create(ctx context.Context, p *Plan) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO plans (`+planCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.Name, p.Description, p.MonthlyPrice, p.YearlyPrice, p.Currency, p.Features,
		p.StripeMonthlyPriceID, p.StripeYearlyPriceID, p.TrialDays, p.IsDefault, p.SortOrder,
		p.IsActive, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *repoPG) Update(ctx context.Context, p *Plan) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE plans SET name=$2, description=$3, monthly_price=$4, yearly_price=$5, currency=$6,
			features=$7, stripe_monthly_price_id=$8, stripe_yearly_price_id=$9, trial_days=$10,
			is_default=$11, sort_order=$12, is_active=$13, updated_at=$14
		WHERE id = $1`,
		p.ID, p.Name, p.Description, p.MonthlyPrice, p.YearlyPrice, p.Currency,
		p.Features, p.StripeMonthlyPriceID, p.StripeYearlyPriceID, p.TrialDays,
		p.IsDefault, p.SortOrder, p.IsActive, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return scanPlan(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+planCols+` FROM plans WHERE id = $1`, id))
}

func (r *repoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Plan, error) {
	out := make(map[uuid.UUID]*Plan, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	plans, err := r.query(ctx, `SELECT `+planCols+` FROM plans WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range plans {
		out[p.ID] = p
	}
	return out, nil
}

func (r *repoPG) GetByPriceID(ctx context.Context, priceID string) (*Plan, error) {
	return scanPlan(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+planCols+` FROM plans
		WHERE stripe_monthly_price_id = $1 OR stripe_yearly_price_id = $1
		ORDER BY created_at LIMIT 1`, priceID))
}

func (r *repoPG) List(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	q := `SELECT ` + planCols + ` FROM plans`
	if activeOnly {
		q += ` WHERE is_active`
	}
	return r.query(ctx, q+` ORDER BY sort_order ASC, created_at ASC, id ASC`)
}

func (r *repoPG) ClearDefault(ctx context.Context, keep uuid.UUID) error {
	conn := db.Conn(ctx, r.pool)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, defaultPlanLock); err != nil {
		return err
	}
	_, err := conn.Exec(ctx, `UPDATE plans SET is_default = false, updated_at = NOW() WHERE is_default AND id <> $1`, keep)
	return err
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Plan, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
