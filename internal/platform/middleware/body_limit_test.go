package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"64K", 64 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/plans", strings.NewReader(`{"name":"Pro"}`))
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	err := BodyLimit("1M", "64K")(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if len(b) == 0 {
			t.Error("expected non-empty body")
		}
		called = true
		return nil
	})(c)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/plans", bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
	c := e.NewContext(req, httptest.NewRecorder())

	err := BodyLimit("1K", "64K")(func(c echo.Context) error {
		t.Error("handler should not be called when body exceeds limit")
		return nil
	})(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %v", err)
	}
}

func TestBodyLimit_RejectsWhileReading(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/plans", bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
	req.ContentLength = -1
	c := e.NewContext(req, httptest.NewRecorder())

	err := BodyLimit("1K", "64K")(func(c echo.Context) error {
		_, err := io.ReadAll(c.Request().Body)
		return err
	})(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from reader, got %v", err)
	}
}

func TestBodyLimit_WebhookUsesOwnLimit(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(bytes.Repeat([]byte("x"), 2048)))
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	err := BodyLimit("1K", "64K")(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	if err != nil || !called {
		t.Fatalf("expected webhook body under its limit to pass, err=%v called=%v", err, called)
	}
}
