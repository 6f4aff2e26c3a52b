package payment

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

// Sequence hands out strictly increasing numbers. Implementations must never
// return the same number twice, including across processes.
type Sequence interface {
	Next(ctx context.Context) (int64, error)
}

var transactionIDPattern = regexp.MustCompile(`^SUB-PMT-\d{4}-\d{5,}$`)

// FormatTransactionID renders SUB-PMT-<year>-<sequence>, padding the
// sequence to at least five digits.
func FormatTransactionID(year int, seq int64) string {
	return fmt.Sprintf("SUB-PMT-%04d-%05d", year, seq)
}

// ValidTransactionID reports whether s has the transaction identifier shape.
func ValidTransactionID(s string) bool {
	return transactionIDPattern.MatchString(s)
}

type pgSequence struct{ pool *pgxpool.Pool }

// NewSequencePG draws numbers from the payment_txn_seq Postgres sequence.
// nextval is atomic across connections and is not rolled back with the
// surrounding transaction, so a number is never reused.
func NewSequencePG(pool *pgxpool.Pool) Sequence { return &pgSequence{pool: pool} }

func (s *pgSequence) Next(ctx context.Context) (int64, error) {
	var n int64
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `SELECT nextval('payment_txn_seq')`).Scan(&n)
	return n, err
}
