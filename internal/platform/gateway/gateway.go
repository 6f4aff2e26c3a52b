// Package gateway is the only code that talks to the external payment
// authority. It creates billing portal sessions, looks up hosted invoices and
// verifies webhook deliveries. Failures are returned as *Error values that
// classify into ErrNoCustomer, ErrUnavailable or ErrRejected.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoCustomer means the gateway does not know the customer id.
	ErrNoCustomer = errors.New("gateway: customer not found")
	// ErrUnavailable covers timeouts, network failures, rate limiting and 5xx
	// responses. These are retried.
	ErrUnavailable = errors.New("gateway: unavailable")
	// ErrRejected means the gateway refused the request. It is not retried.
	ErrRejected = errors.New("gateway: request rejected")
	// ErrInvoiceNotFound means the subscription has no invoice at the gateway.
	ErrInvoiceNotFound = errors.New("gateway: invoice not found")
)

// Error is a classified gateway failure. Err keeps the provider's own error
// for logs; it may contain request ids but never credentials.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	RequestID  string
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// HostedInvoice is the gateway's view of the latest invoice of a subscription.
type HostedInvoice struct {
	ID        string
	Number    string
	HostedURL string
	PDFURL    string
	Amount    decimal.Decimal
	Currency  string
	Status    string
	Created   time.Time
	DueDate   *time.Time
}

// Gateway is consumed by the billing endpoints.
type Gateway interface {
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	LatestInvoice(ctx context.Context, subscriptionID string) (*HostedInvoice, error)
}

// Disabled is used when no gateway credentials are configured. Every call
// fails as unavailable.
type Disabled struct{}

var errNotConfigured = errors.New("payment gateway is not configured")

func (Disabled) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", &Error{Kind: ErrUnavailable, Op: OpPortalSession, Err: errNotConfigured}
}

func (Disabled) LatestInvoice(ctx context.Context, subscriptionID string) (*HostedInvoice, error) {
	return nil, &Error{Kind: ErrUnavailable, Op: OpInvoiceLookup, Err: errNotConfigured}
}

// Operation names used in errors and metrics.
const (
	OpPortalSession = "portal_session"
	OpInvoiceLookup = "invoice_lookup"
)

// Outcome names a classified result for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoCustomer):
		return "no_customer"
	case errors.Is(err, ErrInvoiceNotFound):
		return "not_found"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
