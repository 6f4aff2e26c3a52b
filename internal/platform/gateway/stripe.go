package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	"github.com/stripe/stripe-go/v82/invoice"

	"github.com/ehr/billing/internal/platform/telemetry"
)

// Option configures a Stripe adapter.
type Option func(*Stripe)

// WithAPIURL points the client at another API host, e.g. a test server.
func WithAPIURL(url string) Option {
	return func(s *Stripe) { s.apiURL = url }
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Stripe) { s.httpClient = c }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *Stripe) { s.timeout = d }
}

// WithRetries sets how many times an unavailable call is retried and the
// delay before the first retry. The delay doubles on each attempt.
func WithRetries(max int, baseDelay time.Duration) Option {
	return func(s *Stripe) {
		s.maxRetries = max
		s.baseDelay = baseDelay
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Stripe) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Stripe) { s.logger = l }
}

const maxRetryDelay = 5 * time.Second

// Stripe implements Gateway with the Stripe API.
type Stripe struct {
	key        string
	apiURL     string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	metrics    *telemetry.Metrics
	logger     zerolog.Logger

	portal   portalsession.Client
	invoices invoice.Client
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewStripe builds an adapter using secretKey. The SDK's own retries are
// disabled; retries happen here so that they are bounded and observable.
func NewStripe(secretKey string, opts ...Option) *Stripe {
	s := &Stripe{
		key:        secretKey,
		timeout:    10 * time.Second,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		logger:     zerolog.Nop(),
		sleep:      sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: s.timeout}
	}

	cfg := &stripe.BackendConfig{
		HTTPClient:        s.httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if s.apiURL != "" {
		cfg.URL = stripe.String(s.apiURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)

	s.portal = portalsession.Client{B: backend, Key: secretKey}
	s.invoices = invoice.Client{B: backend, Key: secretKey}
	return s
}

// CreatePortalSession returns the URL of a billing portal session for the
// customer. An unknown customer yields ErrNoCustomer.
func (s *Stripe) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	var url string
	err := s.call(ctx, OpPortalSession, func(ctx context.Context) error {
		params := &stripe.BillingPortalSessionParams{
			Customer:  stripe.String(customerID),
			ReturnURL: stripe.String(returnURL),
		}
		params.Context = ctx
		sess, err := s.portal.New(params)
		if err != nil {
			return err
		}
		url = sess.URL
		return nil
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

// LatestInvoice returns the most recent invoice for a gateway subscription.
func (s *Stripe) LatestInvoice(ctx context.Context, subscriptionID string) (*HostedInvoice, error) {
	var out *HostedInvoice
	err := s.call(ctx, OpInvoiceLookup, func(ctx context.Context) error {
		params := &stripe.InvoiceListParams{Subscription: stripe.String(subscriptionID)}
		params.Limit = stripe.Int64(1)
		params.Context = ctx
		params.Single = true

		it := s.invoices.List(params)
		if !it.Next() {
			if err := it.Err(); err != nil {
				return err
			}
			return &Error{Kind: ErrInvoiceNotFound, Op: OpInvoiceLookup}
		}
		out = hostedInvoice(it.Invoice())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hostedInvoice(inv *stripe.Invoice) *HostedInvoice {
	currency := strings.ToUpper(string(inv.Currency))
	h := &HostedInvoice{
		ID:        inv.ID,
		Number:    inv.Number,
		HostedURL: inv.HostedInvoiceURL,
		PDFURL:    inv.InvoicePDF,
		Amount:    FromMinorUnits(inv.AmountDue, currency),
		Currency:  currency,
		Status:    string(inv.Status),
		Created:   time.Unix(inv.Created, 0).UTC(),
	}
	if inv.DueDate > 0 {
		due := time.Unix(inv.DueDate, 0).UTC()
		h.DueDate = &due
	}
	return h
}

// call runs fn with a per-attempt timeout, retrying unavailable failures with
// exponential backoff. It stops early when ctx is done.
func (s *Stripe) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err = classify(op, fn(attemptCtx))
		cancel()

		if err == nil || !errors.Is(err, ErrUnavailable) || attempt >= s.maxRetries {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := s.backoff(attempt)
		s.logger.Warn().Err(err).
			Str("operation", op).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("gateway call failed, retrying")
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			break
		}
	}

	s.metrics.RecordGatewayCall(op, Outcome(err), time.Since(start))
	return err
}

func (s *Stripe) backoff(attempt int) time.Duration {
	d := s.baseDelay << attempt
	if d <= 0 || d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classify maps SDK and transport errors onto the gateway error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		e := &Error{Op: op, StatusCode: se.HTTPStatusCode, RequestID: se.RequestID, Err: err}
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
			e.Kind = ErrUnavailable
		case se.Code == stripe.ErrorCodeResourceMissing && (se.Param == "customer" || strings.Contains(se.Msg, "customer")):
			e.Kind = ErrNoCustomer
		case se.HTTPStatusCode == 0:
			e.Kind = ErrUnavailable
		default:
			e.Kind = ErrRejected
		}
		return e
	}

	// Network errors, deadlines and anything unrecognised are treated as
	// transient.
	return &Error{Kind: ErrUnavailable, Op: op, Err: err}
}
