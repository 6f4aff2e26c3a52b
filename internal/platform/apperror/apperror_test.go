package apperror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindValidation, http.StatusBadRequest},
		{KindGateway, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.Status(); got != tt.want {
			t.Errorf("%s.Status() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("load plan: %w", NotFound("plan not found"))
	if got := KindOf(wrapped); got != KindNotFound {
		t.Errorf("expected not_found, got %s", got)
	}
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("expected internal_error for plain errors, got %s", got)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("expected empty kind for nil, got %s", got)
	}
}

func TestErrorIs_MatchesKindAndCode(t *testing.T) {
	sentinel := Validation("no_billing_account", "")
	err := fmt.Errorf("portal: %w", Validation("no_billing_account", "no billing account on file"))
	if !errors.Is(err, sentinel) {
		t.Error("expected errors.Is to match on kind and code")
	}
	if errors.Is(err, Validation("other", "")) {
		t.Error("expected different code not to match")
	}
}

func TestGateway_HidesCause(t *testing.T) {
	err := Gateway("", errors.New("stripe: invalid api key sk_live_secret"))
	if err.Code != string(KindGateway) {
		t.Errorf("expected default code, got %s", err.Code)
	}
	status, body := render(err)
	if status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", status)
	}
	raw, _ := json.Marshal(body)
	if got := string(raw); strings.Contains(got, "sk_live") {
		t.Errorf("response leaked gateway detail: %s", got)
	}
}

func TestHTTPErrorHandler_AppError(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(zerolog.Nop())(Forbidden("organization mismatch"), c)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success {
		t.Error("expected success=false")
	}
	if resp.Error != "forbidden" {
		t.Errorf("expected error=forbidden, got %s", resp.Error)
	}
}

func TestHTTPErrorHandler_EchoError(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(zerolog.Nop())(echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded"), c)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Error != "rate_limited" {
		t.Errorf("expected rate_limited, got %s", resp.Error)
	}
}

func TestHTTPErrorHandler_PlainErrorIsInternal(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	HTTPErrorHandler(zerolog.Nop())(errors.New("pq: connection refused"), c)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("internal cause leaked: %s", rec.Body.String())
	}
}
