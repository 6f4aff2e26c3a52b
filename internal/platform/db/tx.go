package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type contextKey string

// DBTxKey holds the active pgx.Tx for repositories that participate in a
// caller-owned transaction.
const DBTxKey contextKey = "db_tx"

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrNoConnection is returned when a transaction is requested without a pool.
var ErrNoConnection = errors.New("no database connection in context")

// TxBeginner is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext returns the transaction stored by WithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction and returns a context carrying it. If ctx already
// carries a transaction a savepoint is started on it instead.
func WithTx(ctx context.Context, b TxBeginner) (context.Context, pgx.Tx, error) {
	if outer := TxFromContext(ctx); outer != nil {
		b = outer
	}
	if b == nil {
		return ctx, nil, ErrNoConnection
	}
	tx, err := b.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// RunInTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func RunInTx(ctx context.Context, b TxBeginner, fn func(ctx context.Context) error) error {
	txCtx, tx, err := WithTx(ctx, b)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Transactor runs a function inside one transaction. Services depend on it
// instead of a pool so that atomic write paths can be tested without Postgres.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type poolTransactor struct{ b TxBeginner }

// NewTransactor returns a Transactor backed by b, usually a *pgxpool.Pool.
func NewTransactor(b TxBeginner) Transactor {
	return poolTransactor{b: b}
}

func (t poolTransactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return RunInTx(ctx, t.b, fn)
}

// Queryable is implemented by *pgxpool.Pool and pgx.Tx.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Conn returns the transaction carried by ctx, falling back to q.
func Conn(ctx context.Context, q Queryable) Queryable {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return q
}

// IsUniqueViolation reports whether err is a Postgres unique_violation,
// optionally restricted to one constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
