package auth

import (
	"context"
)

// Role names carried in session tokens.
const (
	RoleSuperAdmin = "super_admin"
	RoleOrgAdmin   = "org_admin"
	RoleOrgMember  = "org_member"
)

// Principal is the authenticated caller. OrganizationID is empty for
// super_admin, which owns no organization.
type Principal struct {
	UserID         string
	Role           string
	OrganizationID string
}

// IsSuperAdmin reports whether the principal is a platform administrator.
func (p *Principal) IsSuperAdmin() bool {
	return p != nil && p.Role == RoleSuperAdmin
}

type contextKey string

const principalKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller, or nil for anonymous requests.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// UserIDFromContext returns the caller's user id or "" when anonymous.
func UserIDFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.UserID
	}
	return ""
}
