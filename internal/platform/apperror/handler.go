package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Response is the JSON body written for every failed request.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HTTPErrorHandler renders application errors and echo HTTP errors in a single
// envelope. Gateway and internal causes are logged, never written.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}

func render(err error) (int, Response) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind.Status(), Response{Error: ae.Code, Message: ae.Message}
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := fmt.Sprintf("%v", he.Message)
		if he.Code >= http.StatusInternalServerError {
			msg = http.StatusText(he.Code)
		}
		return he.Code, Response{Error: kindForStatus(he.Code), Message: msg}
	}

	return http.StatusInternalServerError, Response{Error: string(KindInternal), Message: "internal server error"}
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return string(KindUnauthorized)
	case http.StatusForbidden:
		return string(KindForbidden)
	case http.StatusNotFound:
		return string(KindNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return string(KindValidation)
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	if status >= http.StatusInternalServerError {
		return string(KindInternal)
	}
	return http.StatusText(status)
}
