package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fleetops/fleetops/internal/platform/httpx"
	"github.com/fleetops/fleetops/internal/shared"
)

const (
	defaultLoginPath        = "/auth/login"
	defaultUnauthorizedPath = "/unauthorized"
)

// AuthorizationService is the slice of the RBAC service the gate needs.
type AuthorizationService interface {
	LoadIdentity(ctx context.Context, userID int64) (Identity, error)
	Catalog(ctx context.Context) ([]string, error)
}

// DenialRecorder persists denial events for security auditing.
type DenialRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// DenialCounter tracks denials for observability.
type DenialCounter interface {
	AuthzDenied(permission string)
}

// Middleware is the authorization gate. Every protected entry point is
// wrapped by one of its Require* helpers; on denial the request is
// terminated here and never reaches the handler.
type Middleware struct {
	Service AuthorizationService
	Logger  *slog.Logger
	Audit   DenialRecorder
	Metrics DenialCounter

	// LoginPath and UnauthorizedPath are browser redirect targets.
	LoginPath        string
	UnauthorizedPath string
}

type predicate func(identity Identity, resolved PermissionSet) bool

// RequirePermission gates on a single permission.
func (m Middleware) RequirePermission(name string) func(http.Handler) http.Handler {
	name = normalizePermission(name)
	return m.require(name, func(_ Identity, set PermissionSet) bool {
		return set.Has(name)
	})
}

// RequireAny gates on at least one of the given permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(strings.Join(normalized, "|"), func(_ Identity, set PermissionSet) bool {
		return set.HasAny(normalized...)
	})
}

// RequireAll gates on every one of the given permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(strings.Join(normalized, "&"), func(_ Identity, set PermissionSet) bool {
		return set.HasAll(normalized...)
	})
}

// RequireModuleAccess gates on the module-level "<module>.access" permission.
func (m Middleware) RequireModuleAccess(module string) func(http.Handler) http.Handler {
	return m.RequirePermission(AccessPermission(module))
}

// RequireCrud gates on the "<module>.<action>" permission.
func (m Middleware) RequireCrud(module, action string) func(http.Handler) http.Handler {
	return m.RequirePermission(ActionPermission(module, action))
}

// RequireAdmin gates on holding the admin or super_admin role.
func (m Middleware) RequireAdmin() func(http.Handler) http.Handler {
	return m.require("role:"+RoleAdmin, func(identity Identity, _ PermissionSet) bool {
		return identity.HasRole(RoleAdmin) || identity.HasRole(RoleSuperAdmin)
	})
}

// RequireSuperAdmin gates on holding the super_admin role.
func (m Middleware) RequireSuperAdmin() func(http.Handler) http.Handler {
	return m.require("role:"+RoleSuperAdmin, func(identity Identity, _ PermissionSet) bool {
		return identity.HasRole(RoleSuperAdmin)
	})
}

func (m Middleware) require(label string, allowed predicate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := m.currentUserID(r)
			if !ok {
				m.unauthenticated(w, r)
				return
			}

			identity, err := m.Service.LoadIdentity(r.Context(), userID)
			if err != nil {
				// Fail closed: an unreadable identity never grants access.
				m.logError("load identity", err, userID)
				m.deny(w, r, Identity{ID: userID}, label)
				return
			}
			catalog, err := m.Service.Catalog(r.Context())
			if err != nil {
				m.logError("load catalog", err, userID)
				m.deny(w, r, identity, label)
				return
			}

			if allowed(identity, NewResolver(catalog).Resolve(identity)) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(w, r, identity, label)
		})
	}
}

func (m Middleware) unauthenticated(w http.ResponseWriter, r *http.Request) {
	if IsProgrammaticRequest(r) {
		httpx.ProblemTyped(w, http.StatusUnauthorized, httpx.TypeUnauthenticated,
			"Unauthorized", "authentication required")
		return
	}
	login := m.LoginPath
	if login == "" {
		login = defaultLoginPath
	}
	// Preserve the original target so login can send the user back.
	http.Redirect(w, r, login+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusSeeOther)
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, identity Identity, label string) {
	if m.Logger != nil {
		m.Logger.Warn("authorization denied",
			slog.Int64("user_id", identity.ID),
			slog.Any("roles", identity.RoleNames()),
			slog.String("required", label),
			slog.String("path", r.URL.Path))
	}
	if m.Audit != nil {
		if err := m.Audit.Record(r.Context(), shared.AuditLog{
			ActorID:  identity.ID,
			Action:   "authz.denied",
			Entity:   "permission",
			EntityID: label,
			Meta: map[string]any{
				"roles": identity.RoleNames(),
				"path":  r.URL.Path,
			},
		}); err != nil && m.Logger != nil {
			m.Logger.Error("record denial", slog.Any("error", err))
		}
	}
	if m.Metrics != nil {
		m.Metrics.AuthzDenied(label)
	}

	if IsProgrammaticRequest(r) {
		httpx.ProblemTyped(w, http.StatusForbidden, httpx.TypeUnauthorized,
			"Forbidden", "missing permission: "+label)
		return
	}
	target := m.UnauthorizedPath
	if target == "" {
		target = defaultUnauthorizedPath
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (m Middleware) currentUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		// Covers both anonymous sessions and sessions held at the
		// second-factor challenge.
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac parse user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}

func (m Middleware) logError(op string, err error, userID int64) {
	if m.Logger != nil {
		m.Logger.Error("rbac "+op, slog.Any("error", err), slog.Int64("user_id", userID))
	}
}

// IsProgrammaticRequest classifies a request as API-style. Programmatic
// callers get structured errors; browser navigations get redirects.
func IsProgrammaticRequest(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

func normalizePermission(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = normalizePermission(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
