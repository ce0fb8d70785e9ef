package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/fleetops/fleetops/internal/shared"
)

// builtinRoles seeds roles that ship with the platform. Permission
// grants for super_admin and admin come from the resolver exceptions,
// not from rows, so only the narrower roles list explicit grants here.
var builtinRoles = []struct {
	name        string
	description string
	grants      []string
}{
	{RoleSuperAdmin, "Unrestricted access to every module", nil},
	{RoleAdmin, "Full access except reserved system settings", nil},
	{RoleManager, "Plans interventions and manages the fleet", append(shared.AllFleetScopes(), shared.PermUsersAccess, shared.PermUsersView)},
	{RoleTechnician, "Executes assigned interventions", []string{
		shared.PermVehiclesAccess,
		shared.PermVehiclesView,
		shared.PermInterventionsAccess,
		shared.PermInterventionsView,
		shared.PermInterventionsEdit,
		shared.PermInterventionsClose,
	}},
	{RoleUser, "Read-only fleet visibility", []string{
		shared.PermVehiclesAccess,
		shared.PermVehiclesView,
		shared.PermInterventionsAccess,
		shared.PermInterventionsView,
	}},
}

// SeedCatalog upserts the permission catalog and the built-in roles.
// Safe to run on every startup; existing custom roles are untouched.
func (s *Service) SeedCatalog(ctx context.Context) error {
	permIDs := make(map[string]int64)
	for _, name := range append(shared.CoreScopes(), shared.AllFleetScopes()...) {
		perm, err := s.EnsurePermission(ctx, name, "")
		if err != nil {
			return fmt.Errorf("rbac: seed permission %s: %w", name, err)
		}
		permIDs[perm.Name] = perm.ID
	}

	for _, builtin := range builtinRoles {
		role, err := s.ensureRole(ctx, builtin.name, builtin.description)
		if err != nil {
			return fmt.Errorf("rbac: seed role %s: %w", builtin.name, err)
		}
		if len(builtin.grants) == 0 {
			continue
		}
		ids := make([]int64, 0, len(builtin.grants))
		for _, grant := range builtin.grants {
			id, ok := permIDs[grant]
			if !ok {
				return fmt.Errorf("rbac: seed role %s: unknown permission %s", builtin.name, grant)
			}
			ids = append(ids, id)
		}
		if err := s.SetRolePermissions(ctx, role.ID, ids); err != nil {
			return fmt.Errorf("rbac: seed role %s permissions: %w", builtin.name, err)
		}
	}
	return nil
}

func (s *Service) ensureRole(ctx context.Context, name, description string) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx,
		`INSERT INTO roles (name, display_name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (name) DO UPDATE SET updated_at = roles.updated_at
		 RETURNING id, name, display_name, description, created_at, updated_at`,
		name, s.titler.String(strings.ReplaceAll(name, "_", " ")), description).
		Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, err
	}
	return role, nil
}
