package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const orgCols = `id, name, gateway_customer_id, created_at, updated_at`

func scanOrg(row pgx.Row) (*Organization, error) {
	var o Organization
	err := row.Scan(&o.ID, &o.Name, &o.GatewayCustomerID, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &o, err
}

func (r *repoPG) Create(ctx context.Context, o *Organization) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO organizations (`+orgCols+`)
		VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.Name, o.GatewayCustomerID, o.CreatedAt, o.UpdatedAt)
	if db.IsUniqueViolation(err, "organizations_name_key") {
		return ErrDuplicateName
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return scanOrg(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orgCols+` FROM organizations WHERE id = $1`, id))
}

func (r *repoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Organization, error) {
	out := make(map[uuid.UUID]*Organization, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+orgCols+` FROM organizations WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

func (r *repoPG) GetByGatewayCustomer(ctx context.Context, customerID string) (*Organization, error) {
	return scanOrg(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+orgCols+` FROM organizations WHERE gateway_customer_id = $1`, customerID))
}

func (r *repoPG) SetGatewayCustomer(ctx context.Context, id uuid.UUID, customerID string, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE organizations SET gateway_customer_id = $2, updated_at = $3 WHERE id = $1`, id, customerID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
