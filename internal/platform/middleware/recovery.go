package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/platform/apperror"
)

// Recovery converts a handler panic into an internal_error response. The
// stack and route go to the log; the client only sees the generic message.
// http.ErrAbortHandler is re-raised so the server can drop the connection.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				cause, ok := r.(error)
				if !ok {
					cause = fmt.Errorf("%v", r)
				}
				if errors.Is(cause, http.ErrAbortHandler) {
					panic(r)
				}

				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Err(cause).
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				err = apperror.Internal(fmt.Errorf("panic: %w", cause))
			}()
			return next(c)
		}
	}
}
