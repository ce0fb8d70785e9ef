package twofactor

import (
	"strings"

	"github.com/fleetops/fleetops/internal/rbac"
)

// Policy maps role names to a mandatory-2FA flag. Roles absent from
// the map are opt-in.
type Policy map[string]bool

// DefaultPolicy requires a second factor for every role that can
// administer users, roles or the fleet.
func DefaultPolicy() Policy {
	return Policy{
		rbac.RoleSuperAdmin: true,
		rbac.RoleAdmin:      true,
		rbac.RoleManager:    true,
	}
}

// Required reports whether any of the held roles makes 2FA mandatory.
// The answer is the logical OR across the whole role set.
func (p Policy) Required(roleNames []string) bool {
	for _, name := range roleNames {
		if p[strings.ToLower(strings.TrimSpace(name))] {
			return true
		}
	}
	return false
}
