package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityConfig selects the headers that depend on how the API is served.
type SecurityConfig struct {
	// HSTS is only sent when the API sits behind TLS; development servers on
	// plain http leave it off so browsers do not pin localhost.
	HSTS bool
}

const hstsValue = "max-age=31536000; includeSubDomains"

var apiHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	// Invoice redirects leave for the gateway's domain. The local invoice
	// path must not travel with them.
	{"Referrer-Policy", "no-referrer"},
	// Plans, invoices and portal URLs are per-caller billing data.
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

// SecurityHeaders sets hardening headers on every response, including the
// redirects to hosted invoices.
func SecurityHeaders(cfg SecurityConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range apiHeaders {
				h.Set(kv[0], kv[1])
			}
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			return next(c)
		}
	}
}
