package entitlement

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/billing/internal/platform/apperror"
	"github.com/ehr/billing/internal/platform/auth"
)

var (
	orgA = uuid.MustParse("0b0f8f7e-6a11-4c31-9d3e-5a2e4f0c1a01")
	orgB = uuid.MustParse("7f3c1d9a-2b44-4e8f-8c6d-1e0a9b7c5d02")
)

func superAdmin() *auth.Principal {
	return &auth.Principal{UserID: "root", Role: auth.RoleSuperAdmin}
}

func tenant(role string, org uuid.UUID) *auth.Principal {
	return &auth.Principal{UserID: "u-" + role, Role: role, OrganizationID: org.String()}
}

func TestAdmit_RequiresSession(t *testing.T) {
	g := NewGuard()
	for op := range defaultCapabilities {
		assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(g.Admit(nil, op)), op)
		assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(g.Admit(&auth.Principal{Role: auth.RoleOrgAdmin}, op)), op)
	}
}

func TestAdmit_Matrix(t *testing.T) {
	g := NewGuard()
	tests := []struct {
		op     Operation
		p      *auth.Principal
		allows bool
	}{
		{OpPlanManage, superAdmin(), true},
		{OpPlanManage, tenant(auth.RoleOrgAdmin, orgA), false},
		{OpPaymentAdmin, tenant(auth.RoleOrgAdmin, orgA), false},
		{OpPaymentAdmin, superAdmin(), true},
		{OpSubscriptionAdmin, tenant(auth.RoleOrgMember, orgA), false},
		{OpBillingSelfService, superAdmin(), false},
		{OpBillingSelfService, tenant(auth.RoleOrgMember, orgA), true},
		{OpSubscriptionRead, superAdmin(), false},
		{OpEntitlementRead, superAdmin(), false},
		{OpSubscriptionCreate, superAdmin(), true},
		{OpSubscriptionCreate, tenant(auth.RoleOrgAdmin, orgA), true},
		{OpSubscriptionCreate, tenant(auth.RoleOrgMember, orgA), false},
		{OpOrganizationRead, tenant(auth.RoleOrgMember, orgA), true},
		{OpBillingSelfService, &auth.Principal{UserID: "x", Role: auth.RoleOrgAdmin}, false},
		{Operation("unknown"), superAdmin(), false},
	}
	for _, tt := range tests {
		err := g.Admit(tt.p, tt.op)
		if tt.allows {
			assert.NoError(t, err, "%s as %s", tt.op, tt.p.Role)
		} else {
			assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err), "%s as %s", tt.op, tt.p.Role)
		}
	}
}

func TestCheck_OrganizationOwnership(t *testing.T) {
	g := NewGuard()

	require.NoError(t, g.Check(tenant(auth.RoleOrgMember, orgA), orgA, OpBillingSelfService))

	err := g.Check(tenant(auth.RoleOrgMember, orgA), orgB, OpBillingSelfService)
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))

	require.NoError(t, g.Check(superAdmin(), orgB, OpOrganizationRead))
}

func TestCheck_SuperAdminAlwaysForbiddenOnSelfService(t *testing.T) {
	g := NewGuard()
	for _, org := range []uuid.UUID{orgA, orgB, uuid.Nil} {
		err := g.Check(superAdmin(), org, OpBillingSelfService)
		assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))
	}
}

func TestCallerOrganization(t *testing.T) {
	g := NewGuard()

	id, err := g.CallerOrganization(tenant(auth.RoleOrgAdmin, orgA), OpBillingSelfService)
	require.NoError(t, err)
	assert.Equal(t, orgA, id)

	_, err = g.CallerOrganization(superAdmin(), OpOrganizationRead)
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))

	_, err = g.CallerOrganization(&auth.Principal{UserID: "u", Role: auth.RoleOrgAdmin, OrganizationID: "not-a-uuid"}, OpBillingSelfService)
	assert.Equal(t, apperror.KindForbidden, apperror.KindOf(err))
}
