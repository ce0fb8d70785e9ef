package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fleetops/fleetops/internal/shared"
)

func fullCatalog() []string {
	return append(shared.CoreScopes(), shared.AllFleetScopes()...)
}

func TestResolveUnionAcrossRoles(t *testing.T) {
	resolver := NewResolver(fullCatalog())
	identity := Identity{
		ID: 7,
		Roles: []RoleGrant{
			{Name: "dispatcher", Permissions: []string{shared.PermInterventionsView, shared.PermInterventionsAssign}},
			{Name: "auditor", Permissions: []string{shared.PermInterventionsView, shared.PermReportsView}},
		},
	}

	set := resolver.Resolve(identity)
	assert.True(t, set.Has(shared.PermInterventionsView))
	assert.True(t, set.Has(shared.PermInterventionsAssign))
	assert.True(t, set.Has(shared.PermReportsView))
	assert.False(t, set.Has(shared.PermInterventionsDelete))
	assert.Len(t, set, 3, "union must deduplicate overlapping grants")
}

func TestResolveSuperAdminBypassesRows(t *testing.T) {
	catalog := append(fullCatalog(), "anything.whatsoever")
	resolver := NewResolver(catalog)
	identity := Identity{ID: 1, Roles: []RoleGrant{{Name: RoleSuperAdmin}}}

	assert.True(t, resolver.HasPermission(identity, "anything.whatsoever"),
		"super_admin resolves to the full catalog regardless of explicit grants")
	assert.Len(t, resolver.Resolve(identity), len(catalog))
}

func TestResolveAdminExcludesSystemModule(t *testing.T) {
	resolver := NewResolver(fullCatalog())
	identity := Identity{ID: 2, Roles: []RoleGrant{{Name: RoleAdmin}}}

	set := resolver.Resolve(identity)
	assert.True(t, set.Has(shared.PermUsersEdit))
	assert.True(t, set.Has(shared.PermInterventionsDelete))
	assert.False(t, set.Has(shared.PermSystemSettings), "system module is reserved for super_admin")
	assert.False(t, set.Has(shared.PermSystemAccess))
}

func TestResolveAdminKeepsExplicitGrants(t *testing.T) {
	resolver := NewResolver(fullCatalog())
	identity := Identity{ID: 2, Roles: []RoleGrant{
		{Name: RoleAdmin, Permissions: []string{shared.PermSystemSettings}},
	}}

	assert.True(t, resolver.HasPermission(identity, shared.PermSystemSettings),
		"explicit rows still apply on top of the admin default set")
}

func TestResolveEmptyRolesFailsClosed(t *testing.T) {
	resolver := NewResolver(fullCatalog())
	identity := Identity{ID: 3}

	set := resolver.Resolve(identity)
	assert.Empty(t, set)
	for _, perm := range fullCatalog() {
		assert.False(t, set.Has(perm))
	}
}

func TestTechnicianCannotCreateInterventions(t *testing.T) {
	resolver := NewResolver(fullCatalog())
	technician := Identity{ID: 4, Roles: []RoleGrant{{
		Name:        RoleTechnician,
		Permissions: []string{shared.PermInterventionsView, shared.PermInterventionsClose},
	}}}

	assert.False(t, resolver.HasPermission(technician, shared.PermInterventionsCreate))
	assert.True(t, resolver.HasPermission(technician, shared.PermInterventionsClose))
}

func TestModuleAndActionHelpers(t *testing.T) {
	resolver := NewResolver(fullCatalog())
	identity := Identity{ID: 5, Roles: []RoleGrant{{
		Name:        "dispatcher",
		Permissions: []string{shared.PermVehiclesAccess, shared.PermVehiclesEdit},
	}}}

	assert.True(t, resolver.CanAccessModule(identity, "vehicles"))
	assert.False(t, resolver.CanAccessModule(identity, "interventions"))
	assert.True(t, resolver.CanPerformAction(identity, "vehicles", "edit"))
	assert.False(t, resolver.CanPerformAction(identity, "vehicles", "delete"))
}

func TestHasAnyAndHasAll(t *testing.T) {
	resolver := NewResolver(fullCatalog())
	identity := Identity{ID: 6, Roles: []RoleGrant{{
		Name:        "viewer",
		Permissions: []string{shared.PermReportsView},
	}}}

	assert.True(t, resolver.HasAnyPermission(identity, shared.PermReportsExport, shared.PermReportsView))
	assert.False(t, resolver.HasAnyPermission(identity, shared.PermReportsExport, shared.PermUsersView))
	assert.True(t, resolver.HasAllPermissions(identity, shared.PermReportsView))
	assert.False(t, resolver.HasAllPermissions(identity, shared.PermReportsView, shared.PermReportsExport))
}

func TestPermissionNormalization(t *testing.T) {
	resolver := NewResolver([]string{"Vehicles.View"})
	identity := Identity{ID: 8, Roles: []RoleGrant{{
		Name:        "viewer",
		Permissions: []string{"  VEHICLES.VIEW "},
	}}}

	assert.True(t, resolver.HasPermission(identity, "vehicles.view"))
}

func TestPrimaryRoleNameProjection(t *testing.T) {
	cases := []struct {
		name  string
		roles []string
		want  string
	}{
		{"builtin precedence", []string{RoleTechnician, RoleAdmin}, RoleAdmin},
		{"super admin wins", []string{RoleManager, RoleSuperAdmin}, RoleSuperAdmin},
		{"custom roles alphabetical", []string{"zulu", "dispatcher"}, "dispatcher"},
		{"builtin beats custom", []string{"dispatcher", RoleUser}, RoleUser},
		{"no roles", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			identity := Identity{ID: 1}
			for _, r := range tc.roles {
				identity.Roles = append(identity.Roles, RoleGrant{Name: r})
			}
			assert.Equal(t, tc.want, identity.PrimaryRoleName())
		})
	}
}
