package rbac

import (
	"strings"
	"time"
)

// Built-in role names. Roles are data, not code: these constants exist
// only for the two resolver exceptions (super_admin, admin) and the 2FA
// policy defaults. Custom roles are regular rows with no special
// treatment.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleManager    = "manager"
	RoleTechnician = "technician"
	RoleUser       = "user"
)

// Role represents a named, administrator-managed bundle of permissions.
type Role struct {
	ID          int64
	Name        string
	DisplayName string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic capability named "<module>.<action>".
type Permission struct {
	ID          int64
	Name        string
	DisplayName string
}

// Assignment ties a permission to a role.
type Assignment struct {
	RoleID       int64
	PermissionID int64
	CreatedAt    time.Time
}

// UserRole links a user to a role.
type UserRole struct {
	UserID    int64
	RoleID    int64
	CreatedAt time.Time
}

// RoleGrant is a role as held by an identity, with its permission set
// already loaded.
type RoleGrant struct {
	Name        string
	Permissions []string
}

// Identity is the authorization view of a user: id plus held roles.
// An identity with zero roles resolves to no permissions at all.
type Identity struct {
	ID    int64
	Roles []RoleGrant
}

// HasRole reports whether the identity holds the named role.
func (i Identity) HasRole(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, r := range i.Roles {
		if strings.ToLower(r.Name) == name {
			return true
		}
	}
	return false
}

// RoleNames returns the names of all held roles.
func (i Identity) RoleNames() []string {
	names := make([]string, 0, len(i.Roles))
	for _, r := range i.Roles {
		names = append(names, r.Name)
	}
	return names
}

// rolePrecedence orders built-in roles for the legacy single-role
// projection. Lower is more privileged.
var rolePrecedence = map[string]int{
	RoleSuperAdmin: 0,
	RoleAdmin:      1,
	RoleManager:    2,
	RoleTechnician: 3,
	RoleUser:       4,
}

// PrimaryRoleName projects the many-to-many role set onto the legacy
// scalar role field: highest-precedence built-in role first, custom
// roles alphabetically after.
func (i Identity) PrimaryRoleName() string {
	best := ""
	bestRank := len(rolePrecedence) + 1
	for _, r := range i.Roles {
		name := strings.ToLower(r.Name)
		rank, known := rolePrecedence[name]
		if !known {
			rank = len(rolePrecedence)
		}
		if best == "" || rank < bestRank || (rank == bestRank && name < best) {
			best = name
			bestRank = rank
		}
	}
	return best
}

// PrimaryRoleOf applies the legacy projection to a bare list of role
// names, for callers that do not hold a full Identity.
func PrimaryRoleOf(names []string) string {
	grants := make([]RoleGrant, 0, len(names))
	for _, n := range names {
		grants = append(grants, RoleGrant{Name: n})
	}
	return Identity{Roles: grants}.PrimaryRoleName()
}

// ModuleOf extracts the module prefix from a permission name.
// "interventions.create" yields "interventions".
func ModuleOf(permission string) string {
	if idx := strings.IndexByte(permission, '.'); idx > 0 {
		return permission[:idx]
	}
	return permission
}

// AccessPermission builds the module-access permission name.
func AccessPermission(module string) string {
	return strings.ToLower(strings.TrimSpace(module)) + ".access"
}

// ActionPermission builds the "<module>.<action>" permission name.
func ActionPermission(module, action string) string {
	return strings.ToLower(strings.TrimSpace(module)) + "." + strings.ToLower(strings.TrimSpace(action))
}
