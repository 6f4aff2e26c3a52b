package validation

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/apperror"
)

type sample struct {
	Name     string           `json:"name" validate:"required"`
	Price    *decimal.Decimal `json:"price" validate:"required"`
	Cycle    string           `json:"cycle" validate:"omitempty,oneof=monthly yearly"`
	Currency string           `json:"currency" validate:"omitempty,iso4217"`
}

func TestValidate_ReportsJSONFieldNames(t *testing.T) {
	err := Struct(&sample{})
	if err == nil {
		t.Fatal("expected error")
	}
	var ae *apperror.Error
	if !errors.As(err, &ae) || ae.Kind != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(ae.Message, "name is required") || !strings.Contains(ae.Message, "price is required") {
		t.Errorf("unexpected message: %s", ae.Message)
	}
}

func TestValidate_OneOfAndCurrency(t *testing.T) {
	price := decimal.NewFromInt(10)
	err := Struct(&sample{Name: "Pro", Price: &price, Cycle: "weekly", Currency: "dollars"})
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.(*apperror.Error).Message
	if !strings.Contains(msg, "cycle must be one of [monthly yearly]") {
		t.Errorf("missing oneof detail: %s", msg)
	}
	if !strings.Contains(msg, "currency must be a 3-letter currency code") {
		t.Errorf("missing currency detail: %s", msg)
	}
}

func TestValidate_Valid(t *testing.T) {
	price := decimal.NewFromInt(10)
	if err := Struct(&sample{Name: "Pro", Price: &price, Cycle: "yearly", Currency: "usd"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBind_MalformedBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	var dst sample
	err := Bind(c, &dst)
	if apperror.KindOf(err) != apperror.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestEchoValidator(t *testing.T) {
	e := echo.New()
	e.Validator = New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if err := c.Validate(&sample{}); err == nil {
		t.Error("expected echo context validation to fail")
	}
}
