package entitlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
)

// Lookup reports whether an organization currently holds an entitling
// subscription.
type Lookup interface {
	Entitled(ctx context.Context, orgID uuid.UUID) (bool, error)
}

// ErrSubscriptionInactive is returned to tenant callers whose organization has
// no trialing, active or past_due subscription.
var ErrSubscriptionInactive = &apperror.Error{
	Kind:    apperror.KindForbidden,
	Code:    "subscription_inactive",
	Message: "an active subscription is required",
}

// RequireActiveSubscription gates collaborator routes on the caller's
// entitlement. super_admin passes through.
func RequireActiveSubscription(lookup Lookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			p := auth.PrincipalFromContext(ctx)
			if p == nil {
				return apperror.Unauthorized("authentication required")
			}
			if p.IsSuperAdmin() {
				return next(c)
			}
			orgID, err := uuid.Parse(p.OrganizationID)
			if err != nil {
				return apperror.Forbidden("no organization associated with this account")
			}
			ok, err := lookup.Entitled(ctx, orgID)
			if err != nil {
				return apperror.Internal(err)
			}
			if !ok {
				return ErrSubscriptionInactive
			}
			return next(c)
		}
	}
}
