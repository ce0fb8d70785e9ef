package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/fleetops/fleetops/internal/platform/db"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrRoleInUse rejects deletion of a role still assigned to users.
	ErrRoleInUse = errors.New("rbac: role still assigned to users")
	// ErrDuplicateRole indicates a role name collision.
	ErrDuplicateRole = errors.New("rbac: role name already exists")
)

// PolicySync is invoked inside the role-assignment transaction so
// dependent policy state (the 2FA requirement) commits atomically with
// the assignment itself.
type PolicySync interface {
	SyncOnRoleChange(ctx context.Context, tx pgx.Tx, userID int64, roleNames []string) error
}

// Service orchestrates RBAC persistence and resolution.
type Service struct {
	pool       *pgxpool.Pool
	policySync PolicySync
	titler     cases.Caser
	catalogSF  singleflight.Group
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool, titler: cases.Title(language.English)}
}

// SetPolicySync registers the hook run on every role-assignment write.
func (s *Service) SetPolicySync(sync PolicySync) {
	s.policySync = sync
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, display_name, description, created_at, updated_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `SELECT id, name, display_name, description, created_at, updated_at FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// CreateRole inserts a new role. The display name is derived from the
// machine name unless provided.
func (s *Service) CreateRole(ctx context.Context, name, displayName, description string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = s.titler.String(strings.ReplaceAll(name, "_", " "))
	}
	var role Role
	err := s.pool.QueryRow(ctx,
		`INSERT INTO roles (name, display_name, description, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 RETURNING id, name, display_name, description, created_at, updated_at`,
		name, displayName, strings.TrimSpace(description)).
		Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrDuplicateRole
		}
		return Role{}, err
	}
	return role, nil
}

// UpdateRole updates an existing role.
func (s *Service) UpdateRole(ctx context.Context, id int64, displayName, description string) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx,
		`UPDATE roles SET display_name = $2, description = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING id, name, display_name, description, created_at, updated_at`,
		id, strings.TrimSpace(displayName), strings.TrimSpace(description)).
		Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role by ID. Deletion is rejected while any user
// still holds the role; callers must reassign those users first.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var assigned int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM user_roles WHERE role_id = $1`, id).Scan(&assigned); err != nil {
			return err
		}
		if assigned > 0 {
			return ErrRoleInUse
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListPermissions returns the full catalog ordered by name.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, display_name FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// Catalog returns every permission name in the catalog. Concurrent
// callers share one query; the gate hits this on every protected
// request.
func (s *Service) Catalog(ctx context.Context) ([]string, error) {
	names, err, _ := s.catalogSF.Do("catalog", func() (any, error) {
		return s.loadCatalog(ctx)
	})
	if err != nil {
		return nil, err
	}
	return names.([]string), nil
}

func (s *Service) loadCatalog(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// EnsurePermission upserts a permission. Permission names are immutable
// identifiers: an existing row only has its display name refreshed.
func (s *Service) EnsurePermission(ctx context.Context, name, displayName string) (Permission, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Permission{}, errors.New("rbac: permission name required")
	}
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = s.titler.String(strings.ReplaceAll(strings.ReplaceAll(name, ".", " "), "_", " "))
	}
	var p Permission
	err := s.pool.QueryRow(ctx,
		`INSERT INTO permissions (name, display_name) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET display_name = EXCLUDED.display_name
		 RETURNING id, name, display_name`,
		name, displayName).Scan(&p.ID, &p.Name, &p.DisplayName)
	if err != nil {
		return Permission{}, err
	}
	return p, nil
}

// ListRolePermissions returns the permissions assigned to a role.
func (s *Service) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.id, p.name, p.display_name
		 FROM permissions p
		 JOIN role_permissions rp ON rp.permission_id = p.id
		 WHERE rp.role_id = $1
		 ORDER BY p.name`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// SetRolePermissions replaces the permission set of a role. The write
// is diff-based inside one transaction so readers never observe a
// half-applied set.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1 FOR UPDATE`, roleID)
		if err != nil {
			return err
		}
		existing := make(map[int64]struct{})
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			existing[id] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		keep := make(map[int64]struct{}, len(permissionIDs))
		for _, id := range permissionIDs {
			keep[id] = struct{}{}
			if _, ok := existing[id]; !ok {
				if _, err := tx.Exec(ctx,
					`INSERT INTO role_permissions (role_id, permission_id, created_at) VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`,
					roleID, id); err != nil {
					return err
				}
			}
		}
		for id := range existing {
			if _, ok := keep[id]; !ok {
				if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ReplaceUserRoles replaces the role set of a user. The dependent 2FA
// requirement is synchronised inside the same transaction: either both
// writes commit or neither does.
func (s *Service) ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, roleID := range roleIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO user_roles (user_id, role_id, created_at) VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`,
				userID, roleID); err != nil {
				return err
			}
		}
		return s.syncPolicy(ctx, tx, userID)
	})
}

// AssignRole adds a single role to a user.
func (s *Service) AssignRole(ctx context.Context, userID, roleID int64) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO user_roles (user_id, role_id, created_at) VALUES ($1, $2, NOW()) ON CONFLICT DO NOTHING`,
			userID, roleID); err != nil {
			return err
		}
		return s.syncPolicy(ctx, tx, userID)
	})
}

// RemoveRole removes a single role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID, roleID int64) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID); err != nil {
			return err
		}
		return s.syncPolicy(ctx, tx, userID)
	})
}

func (s *Service) syncPolicy(ctx context.Context, tx pgx.Tx, userID int64) error {
	if s.policySync == nil {
		return nil
	}
	names, err := roleNamesTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	if err := s.policySync.SyncOnRoleChange(ctx, tx, userID, names); err != nil {
		return fmt.Errorf("rbac: policy sync: %w", err)
	}
	return nil
}

func roleNamesTx(ctx context.Context, tx pgx.Tx, userID int64) ([]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT r.name FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id = $1 ORDER BY r.name`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// LoadIdentity loads a user's roles with their permission sets.
func (s *Service) LoadIdentity(ctx context.Context, userID int64) (Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.name, COALESCE(p.name, '')
		 FROM roles r
		 JOIN user_roles ur ON ur.role_id = r.id
		 LEFT JOIN role_permissions rp ON rp.role_id = r.id
		 LEFT JOIN permissions p ON p.id = rp.permission_id
		 WHERE ur.user_id = $1
		 ORDER BY r.name, p.name`, userID)
	if err != nil {
		return Identity{}, err
	}
	defer rows.Close()

	identity := Identity{ID: userID}
	byRole := make(map[string]int)
	for rows.Next() {
		var roleName, permName string
		if err := rows.Scan(&roleName, &permName); err != nil {
			return Identity{}, err
		}
		idx, ok := byRole[roleName]
		if !ok {
			identity.Roles = append(identity.Roles, RoleGrant{Name: roleName})
			idx = len(identity.Roles) - 1
			byRole[roleName] = idx
		}
		if permName != "" {
			identity.Roles[idx].Permissions = append(identity.Roles[idx].Permissions, permName)
		}
	}
	return identity, rows.Err()
}

// EffectivePermissions resolves the deduplicated permission names for a
// user, applying the super_admin and admin catalog exceptions.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	identity, err := s.LoadIdentity(ctx, userID)
	if err != nil {
		return nil, err
	}
	catalog, err := s.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	return NewResolver(catalog).Resolve(identity).Names(), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
