package activity

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const entryCols = `id, organization_id, actor_id, entity, entity_id, action, details, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var actor *string
	if err := row.Scan(&e.ID, &e.OrganizationID, &actor, &e.Entity, &e.EntityID, &e.Action, &e.Details, &e.CreatedAt); err != nil {
		return nil, err
	}
	if actor != nil {
		e.ActorID = *actor
	}
	return &e, nil
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	var actor *string
	if e.ActorID != "" {
		actor = &e.ActorID
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO activity_entries (`+entryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrganizationID, actor, e.Entity, e.EntityID, e.Action, e.Details, e.CreatedAt)
	return err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	var where []string
	var args []interface{}
	if f.OrganizationID != nil {
		args = append(args, *f.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if f.Entity != "" {
		args = append(args, f.Entity)
		where = append(where, fmt.Sprintf("entity = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM activity_entries`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s FROM activity_entries%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		entryCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
