package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication entirely. The webhook route carries its
// own signature check.
var publicPaths = map[string]bool{
	"/health":          true,
	"/health/db":       true,
	"/metrics":         true,
	"/billing/webhook": true,
}

// AuthSkipper returns true for requests whose route should skip authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}

// Skip wraps an auth middleware so it is not applied to public paths.
func Skip(mw echo.MiddlewareFunc, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := mw(next)
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}
			return guarded(c)
		}
	}
}
