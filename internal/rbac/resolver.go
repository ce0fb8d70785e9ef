package rbac

import "strings"

// PermissionSet is the resolved effective permission set of an identity.
type PermissionSet map[string]struct{}

// Has reports membership of a single permission.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// HasAny reports whether at least one of the names is present.
func (s PermissionSet) HasAny(names ...string) bool {
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}

// HasAll reports whether every name is present.
func (s PermissionSet) HasAll(names ...string) bool {
	for _, n := range names {
		if !s.Has(n) {
			return false
		}
	}
	return true
}

// Names returns the permissions as a slice, in no particular order.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	return names
}

// Resolver computes effective permissions from an identity's role set.
// Resolution is pure and stateless: safe to share across requests.
//
// Two exceptions are special-cased here rather than stored as data, and
// both are deliberately hidden behind this type so call sites never
// re-implement them: super_admin resolves to the full catalog, and
// admin resolves to the full catalog minus the system module plus
// whatever its rows grant explicitly.
type Resolver struct {
	catalog []string
}

// NewResolver builds a Resolver over the full permission catalog.
func NewResolver(catalog []string) *Resolver {
	normalized := make([]string, 0, len(catalog))
	for _, p := range catalog {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	return &Resolver{catalog: normalized}
}

// Resolve computes the union of permissions across all held roles.
// Zero roles yields the empty set: every check fails closed.
func (r *Resolver) Resolve(identity Identity) PermissionSet {
	set := make(PermissionSet)
	for _, role := range identity.Roles {
		switch strings.ToLower(role.Name) {
		case RoleSuperAdmin:
			full := make(PermissionSet, len(r.catalog))
			for _, p := range r.catalog {
				full[p] = struct{}{}
			}
			return full
		case RoleAdmin:
			for _, p := range r.catalog {
				if ModuleOf(p) == "system" {
					continue
				}
				set[p] = struct{}{}
			}
		}
		for _, p := range role.Permissions {
			p = strings.ToLower(strings.TrimSpace(p))
			if p != "" {
				set[p] = struct{}{}
			}
		}
	}
	return set
}

// HasPermission reports whether the identity resolves to the permission.
func (r *Resolver) HasPermission(identity Identity, name string) bool {
	return r.Resolve(identity).Has(name)
}

// HasAnyPermission reports whether the identity holds at least one of names.
func (r *Resolver) HasAnyPermission(identity Identity, names ...string) bool {
	return r.Resolve(identity).HasAny(names...)
}

// HasAllPermissions reports whether the identity holds every one of names.
func (r *Resolver) HasAllPermissions(identity Identity, names ...string) bool {
	return r.Resolve(identity).HasAll(names...)
}

// CanAccessModule reports whether the identity holds "<module>.access".
func (r *Resolver) CanAccessModule(identity Identity, module string) bool {
	return r.HasPermission(identity, AccessPermission(module))
}

// CanPerformAction reports whether the identity holds "<module>.<action>".
func (r *Resolver) CanPerformAction(identity Identity, module, action string) bool {
	return r.HasPermission(identity, ActionPermission(module, action))
}
