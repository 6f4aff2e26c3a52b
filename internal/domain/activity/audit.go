package activity

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/billing/internal/platform/middleware"
)

const auditWriteTimeout = 3 * time.Second

// AuditRecorder turns denied billing requests into activity entries. Allowed
// requests are already described by the entries the services append.
func AuditRecorder(w *Writer) middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		if !entry.Denied() {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()

		e := Entry{
			ActorID:  entry.UserID,
			Entity:   EntityAccess,
			EntityID: entry.Resource,
			Action:   "denied",
			Details: map[string]string{
				"method":     entry.Method,
				"path":       entry.Path,
				"status":     strconv.Itoa(entry.StatusCode),
				"role":       entry.Role,
				"request_id": entry.RequestID,
				"ip":         entry.IPAddress,
			},
			CreatedAt: entry.Timestamp,
		}
		if entry.ResourceID != "" {
			e.EntityID = entry.Resource + "/" + entry.ResourceID
		}
		if id, err := uuid.Parse(entry.OrganizationID); err == nil {
			e.OrganizationID = &id
		}
		w.Append(ctx, e)
		return nil
	})
}
