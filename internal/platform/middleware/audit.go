package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/platform/auth"
)

// AuditEntry describes one billing-sensitive request after it completed.
type AuditEntry struct {
	UserID         string
	Role           string
	OrganizationID string
	Resource       string
	ResourceID     string
	Action         string // read, create, update, delete
	IPAddress      string
	UserAgent      string
	Path           string
	Method         string
	Timestamp      time.Time
	RequestID      string
	StatusCode     int
}

// Denied reports whether the request was refused by authentication or the
// entitlement guard.
func (e AuditEntry) Denied() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// AuditRecorder persists audit entries. A failing recorder never changes the
// response.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

var auditedPrefixes = []string{
	"/plans",
	"/subscription",
	"/subscriptions",
	"/subscription-payments",
	"/billing",
	"/organizations",
}

// Audit logs every request under the billing routes. Reads are logged only
// when they were denied; writes are always logged. Entries are handed to the
// first recorder, if any.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Action:     httpMethodToAction(req.Method),
			}
			entry.Resource, entry.ResourceID = splitResource(path)
			if p := auth.PrincipalFromContext(req.Context()); p != nil {
				entry.UserID = p.UserID
				entry.Role = p.Role
				entry.OrganizationID = p.OrganizationID
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if entry.Action == "read" && !entry.Denied() {
				return err
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.Denied() {
				evt = logger.Warn()
			}
			evt.
				Str("type", "billing_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("organization_id", entry.OrganizationID).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("billing_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	if path == "/billing/webhook" {
		return false
	}
	for _, p := range auditedPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// splitResource returns the first path segment and the segment after it.
//
//	/plans              -> plans, ""
//	/plans/123/default  -> plans, 123
//	/billing/invoice/9  -> billing, invoice
func splitResource(path string) (string, string) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	resource := segments[0]
	if resource == "" {
		resource = "unknown"
	}
	if len(segments) > 1 {
		return resource, segments[1]
	}
	return resource, ""
}
