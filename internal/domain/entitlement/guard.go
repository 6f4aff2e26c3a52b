// Package entitlement decides whether a caller may perform a billing operation
// and whether an organization is currently entitled to the product.
package entitlement

import (
	"github.com/google/uuid"

	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
)

// Operation names a billing-sensitive capability.
type Operation string

const (
	OpPlanManage         Operation = "plan.manage"
	OpOrganizationRead   Operation = "organization.read"
	OpOrganizationManage Operation = "organization.manage"
	OpSubscriptionRead   Operation = "subscription.read"
	OpSubscriptionCreate Operation = "subscription.create"
	OpSubscriptionAdmin  Operation = "subscription.admin"
	OpPaymentAdmin       Operation = "payment.admin"
	OpBillingSelfService Operation = "billing.self_service"
	OpEntitlementRead    Operation = "entitlement.read"
	OpActivityRead       Operation = "activity.read"
)

// Scope says which actor class an operation belongs to.
type Scope int

const (
	// ScopeAdmin operations are reserved for super_admin.
	ScopeAdmin Scope = iota
	// ScopeTenant operations act on the caller's own organization. super_admin
	// owns no organization and is refused.
	ScopeTenant
	// ScopeShared operations allow super_admin on any organization and tenant
	// roles on their own.
	ScopeShared
)

type capability struct {
	scope Scope
	// tenantRoles restricts which tenant roles qualify; nil allows any.
	tenantRoles []string
}

var defaultCapabilities = map[Operation]capability{
	OpPlanManage:         {scope: ScopeAdmin},
	OpOrganizationManage: {scope: ScopeAdmin},
	OpSubscriptionAdmin:  {scope: ScopeAdmin},
	OpPaymentAdmin:       {scope: ScopeAdmin},
	OpOrganizationRead:   {scope: ScopeShared},
	OpActivityRead:       {scope: ScopeShared, tenantRoles: []string{auth.RoleOrgAdmin}},
	OpSubscriptionCreate: {scope: ScopeShared, tenantRoles: []string{auth.RoleOrgAdmin}},
	OpSubscriptionRead:   {scope: ScopeTenant},
	OpBillingSelfService: {scope: ScopeTenant},
	OpEntitlementRead:    {scope: ScopeTenant},
}

// Guard is the single capability check consulted by every billing operation.
type Guard struct {
	caps map[Operation]capability
}

func NewGuard() *Guard {
	return &Guard{caps: defaultCapabilities}
}

// Admit checks the parts of a decision that do not depend on a resource:
// session presence, actor class and tenant role.
func (g *Guard) Admit(p *auth.Principal, op Operation) error {
	if p == nil || p.UserID == "" {
		return apperror.Unauthorized("authentication required")
	}
	cp, ok := g.caps[op]
	if !ok {
		return apperror.Forbidden("operation not permitted")
	}

	if p.IsSuperAdmin() {
		if cp.scope == ScopeTenant {
			return apperror.Forbidden("super_admin has no organization")
		}
		return nil
	}

	if cp.scope == ScopeAdmin {
		return apperror.Forbidden("super_admin role required")
	}
	if p.OrganizationID == "" {
		return apperror.Forbidden("no organization associated with this account")
	}
	if cp.tenantRoles != nil && !contains(cp.tenantRoles, p.Role) {
		return apperror.Forbidden("insufficient role")
	}
	return nil
}

// Check is Admit plus organization ownership of the resource.
func (g *Guard) Check(p *auth.Principal, resourceOrg uuid.UUID, op Operation) error {
	if err := g.Admit(p, op); err != nil {
		return err
	}
	if p.IsSuperAdmin() {
		return nil
	}
	if p.OrganizationID != resourceOrg.String() {
		return apperror.Forbidden("resource belongs to another organization")
	}
	return nil
}

// CallerOrganization returns the caller's organization for operations that
// act on "my organization". It runs Admit first, so super_admin is refused for
// tenant-scoped operations.
func (g *Guard) CallerOrganization(p *auth.Principal, op Operation) (uuid.UUID, error) {
	if err := g.Admit(p, op); err != nil {
		return uuid.Nil, err
	}
	if p.IsSuperAdmin() {
		return uuid.Nil, apperror.Forbidden("super_admin has no organization")
	}
	id, err := uuid.Parse(p.OrganizationID)
	if err != nil {
		return uuid.Nil, apperror.Forbidden("invalid organization on session")
	}
	return id, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
