// Package apperror defines the error taxonomy shared by every billing operation
// and renders it as JSON for echo.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation_error"
	KindGateway      Kind = "gateway_error"
	KindInternal     Kind = "internal_error"
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error. Code is a stable machine-readable
// string; Message is the client-facing detail. Err is kept for operators and is
// never rendered.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind Kind, code, msg string) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Unauthorized(msg string) *Error { return newError(KindUnauthorized, "", msg) }

func Forbidden(msg string) *Error { return newError(KindForbidden, "", msg) }

func NotFound(msg string) *Error { return newError(KindNotFound, "", msg) }

// Validation builds a validation error. An empty code defaults to "validation_error".
func Validation(code, msg string) *Error { return newError(KindValidation, code, msg) }

// Gateway wraps a payment gateway failure behind a generic client message.
func Gateway(code string, err error) *Error {
	e := newError(KindGateway, code, "billing provider request failed")
	e.Err = err
	return e
}

// Internal wraps an unexpected failure.
func Internal(err error) *Error {
	e := newError(KindInternal, "", "internal server error")
	e.Err = err
	return e
}

// Validationf formats a validation message with the default code.
func Validationf(format string, args ...interface{}) *Error {
	return Validation("", fmt.Sprintf(format, args...))
}

// KindOf reports the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// As returns err as an *Error, wrapping unclassified errors as internal.
func As(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}
