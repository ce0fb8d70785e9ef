package shared

// Core platform permissions.
const (
	PermUsersAccess = "users.access"
	PermUsersView   = "users.view"
	PermUsersCreate = "users.create"
	PermUsersEdit   = "users.edit"
	PermUsersDelete = "users.delete"

	PermRolesAccess = "roles.access"
	PermRolesView   = "roles.view"
	PermRolesCreate = "roles.create"
	PermRolesEdit   = "roles.edit"
	PermRolesDelete = "roles.delete"

	PermPermissionsAccess = "permissions.access"
	PermPermissionsView   = "permissions.view"

	// system.* is reserved for super_admin; the resolver excludes it
	// from the admin default grant.
	PermSystemAccess   = "system.access"
	PermSystemSettings = "system.settings"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersAccess,
		PermUsersView,
		PermUsersCreate,
		PermUsersEdit,
		PermUsersDelete,
		PermRolesAccess,
		PermRolesView,
		PermRolesCreate,
		PermRolesEdit,
		PermRolesDelete,
		PermPermissionsAccess,
		PermPermissionsView,
		PermSystemAccess,
		PermSystemSettings,
	}
}
