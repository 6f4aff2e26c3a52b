// Package validation checks request DTOs with struct tags and reports failures
// as validation errors.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/internal/platform/apperror"
)

// Validator wraps validator.Validate. It satisfies echo.Validator.
type Validator struct {
	v *validator.Validate
}

var std = New()

// New returns a validator that reports JSON field names.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("iso4217", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) != 3 {
			return false
		}
		for _, r := range s {
			if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
				return false
			}
		}
		return true
	})
	return &Validator{v: v}
}

// Validate checks i and returns an *apperror.Error listing the failing fields.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation("", err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return apperror.Validation("", strings.Join(msgs, "; "))
}

// Struct validates i with the shared validator.
func Struct(i interface{}) error {
	return std.Validate(i)
}

// Bind decodes the request body into dst. Malformed bodies are validation
// errors.
func Bind(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return apperror.Validation("", fmt.Sprintf("invalid request body: %v", he.Message))
		}
		return apperror.Validation("", "invalid request body")
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "iso4217":
		return field + " must be a 3-letter currency code"
	case "url":
		return field + " must be a valid URL"
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
