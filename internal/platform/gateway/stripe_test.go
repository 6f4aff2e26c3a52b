package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/telemetry"
)

const testKey = "sk_test_gateway_unit"

func newTestStripe(t *testing.T, handler http.HandlerFunc, opts ...Option) *Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]Option{
		WithAPIURL(srv.URL),
		WithRetries(2, time.Millisecond),
		WithTimeout(2 * time.Second),
	}, opts...)
	s := NewStripe(testKey, opts...)
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return s
}

func writeStripeError(w http.ResponseWriter, status int, code, param, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"type":"invalid_request_error","code":%q,"param":%q,"message":%q}}`, code, param, msg)
}

func TestCreatePortalSession_Success(t *testing.T) {
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/billing_portal/sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+testKey {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("customer") != "cus_123" || r.PostForm.Get("return_url") != "https://app.example/billing" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"bps_1","object":"billing_portal.session","url":"https://billing.stripe.test/p/session/abc"}`)
	})

	url, err := s.CreatePortalSession(context.Background(), "cus_123", "https://app.example/billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://billing.stripe.test/p/session/abc" {
		t.Errorf("unexpected url %q", url)
	}
}

func TestCreatePortalSession_NoCustomer(t *testing.T) {
	var calls int32
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeStripeError(w, http.StatusBadRequest, "resource_missing", "customer", "No such customer: 'cus_gone'")
	})

	_, err := s.CreatePortalSession(context.Background(), "cus_gone", "https://app.example")
	if !errors.Is(err, ErrNoCustomer) {
		t.Fatalf("expected ErrNoCustomer, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no retries, got %d calls", calls)
	}
	var ge *Error
	if !errors.As(err, &ge) || ge.StatusCode != http.StatusBadRequest || ge.Op != OpPortalSession {
		t.Errorf("unexpected error detail: %+v", ge)
	}
}

func TestCreatePortalSession_RejectedNotRetried(t *testing.T) {
	var calls int32
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeStripeError(w, http.StatusBadRequest, "parameter_invalid_empty", "return_url", "Invalid URL")
	})

	_, err := s.CreatePortalSession(context.Background(), "cus_1", "")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestCreatePortalSession_RetriesTransientFailures(t *testing.T) {
	var calls int32
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"type":"api_error","message":"try again"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"bps_2","object":"billing_portal.session","url":"https://portal.test/ok"}`)
	})

	url, err := s.CreatePortalSession(context.Background(), "cus_1", "https://app.example")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if url != "https://portal.test/ok" || calls != 3 {
		t.Errorf("url=%q calls=%d", url, calls)
	}
}

func TestCreatePortalSession_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}, WithMetrics(metrics))

	_, err := s.CreatePortalSession(context.Background(), "cus_1", "https://app.example")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d", calls)
	}
	if got := testutil.ToFloat64(metrics.GatewayCallsTotal.WithLabelValues(OpPortalSession, "unavailable")); got != 1 {
		t.Errorf("expected one recorded call, got %v", got)
	}
}

func TestCreatePortalSession_Timeout(t *testing.T) {
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeout(50*time.Millisecond), WithRetries(0, time.Millisecond))

	start := time.Now()
	_, err := s.CreatePortalSession(context.Background(), "cus_1", "https://app.example")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout was not enforced, took %s", time.Since(start))
	}
}

func TestCall_StopsWhenContextCanceled(t *testing.T) {
	var calls int32
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}, WithRetries(5, time.Millisecond))
	s.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CreatePortalSession(ctx, "cus_1", "https://app.example")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls > 1 {
		t.Errorf("expected no retries after cancellation, got %d calls", calls)
	}
}

func TestLatestInvoice_Success(t *testing.T) {
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/invoices" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("subscription") != "sub_9" || q.Get("limit") != "1" {
			t.Errorf("unexpected query %v", q)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","url":"/v1/invoices","has_more":false,"data":[{
			"id":"in_1","object":"invoice","number":"ABC-0001","amount_due":4900,"currency":"usd",
			"status":"paid","created":1767225600,"due_date":1768435200,
			"hosted_invoice_url":"https://invoice.stripe.test/i/in_1","invoice_pdf":"https://invoice.stripe.test/i/in_1/pdf"}]}`)
	})

	inv, err := s.LatestInvoice(context.Background(), "sub_9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inv.Amount.Equal(decimal.RequireFromString("49.00")) {
		t.Errorf("expected 49.00, got %s", inv.Amount)
	}
	if inv.Currency != "USD" || inv.Status != "paid" || inv.HostedURL != "https://invoice.stripe.test/i/in_1" {
		t.Errorf("unexpected invoice: %+v", inv)
	}
	if inv.DueDate == nil || !inv.Created.Equal(time.Unix(1767225600, 0)) {
		t.Errorf("unexpected dates: created=%s due=%v", inv.Created, inv.DueDate)
	}
}

func TestLatestInvoice_NoInvoices(t *testing.T) {
	var calls int32
	s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","url":"/v1/invoices","has_more":false,"data":[]}`)
	})

	_, err := s.LatestInvoice(context.Background(), "sub_empty")
	if !errors.Is(err, ErrInvoiceNotFound) {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no retries for missing invoice, got %d", calls)
	}
}

func TestDisabled(t *testing.T) {
	var g Gateway = Disabled{}
	if _, err := g.CreatePortalSession(context.Background(), "cus", "u"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if _, err := g.LatestInvoice(context.Background(), "sub"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestOutcome(t *testing.T) {
	tests := map[string]error{
		"ok":          nil,
		"no_customer": &Error{Kind: ErrNoCustomer},
		"not_found":   &Error{Kind: ErrInvoiceNotFound},
		"rejected":    fmt.Errorf("wrapped: %w", &Error{Kind: ErrRejected}),
		"unavailable": errors.New("dial tcp: refused"),
	}
	for want, err := range tests {
		if got := Outcome(err); got != want {
			t.Errorf("Outcome(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestBackoff(t *testing.T) {
	s := &Stripe{baseDelay: 100 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := s.backoff(i); got != w {
			t.Errorf("backoff(%d) = %s, want %s", i, got, w)
		}
	}
	if got := s.backoff(20); got != maxRetryDelay {
		t.Errorf("expected cap %s, got %s", maxRetryDelay, got)
	}
}

func TestMinorUnits(t *testing.T) {
	if got := FromMinorUnits(4999, "usd"); !got.Equal(decimal.RequireFromString("49.99")) {
		t.Errorf("FromMinorUnits USD = %s", got)
	}
	if got := FromMinorUnits(500, "JPY"); !got.Equal(decimal.NewFromInt(500)) {
		t.Errorf("FromMinorUnits JPY = %s", got)
	}
	if got := ToMinorUnits(decimal.RequireFromString("490.005"), "EUR"); got != 49001 {
		t.Errorf("ToMinorUnits EUR = %d", got)
	}
	if got := ToMinorUnits(decimal.NewFromInt(1200), "KRW"); got != 1200 {
		t.Errorf("ToMinorUnits KRW = %d", got)
	}
}
