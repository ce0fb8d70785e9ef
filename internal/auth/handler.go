package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fleetops/fleetops/internal/platform/httpx"
	"github.com/fleetops/fleetops/internal/rbac"
	"github.com/fleetops/fleetops/internal/shared"
	"github.com/fleetops/fleetops/internal/twofactor"
)

const (
	loginPath        = "/auth/login"
	secondFactorPath = "/auth/verify"
)

// TwoFactorService is the slice of the 2FA engine the login flow needs.
type TwoFactorService interface {
	Settings(ctx context.Context, userID int64) (twofactor.Settings, error)
	ForceEnroll(ctx context.Context, userID int64) (string, error)
	Enroll(ctx context.Context, userID int64) (string, error)
	Disable(ctx context.Context, userID int64) error
	VerifyCode(ctx context.Context, userID int64, code string) (bool, error)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	twoFactor      TwoFactorService
	sessionManager *shared.SessionManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, twoFactor TwoFactorService, sessions *shared.SessionManager) *Handler {
	return &Handler{
		logger:         logger,
		service:        service,
		twoFactor:      twoFactor,
		sessionManager: sessions,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/verify", h.handleVerifySecondFactor)
	r.Post("/logout", h.handleLogout)
	r.Post("/2fa/enroll", h.handleEnroll)
	r.Delete("/2fa", h.handleDisable)
}

type loginForm struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type verifyForm struct {
	Code string `json:"code" validate:"required,numeric,len=6"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	var form loginForm
	if err := h.decode(r, &form, func() {
		form.Email = r.PostFormValue("email")
		form.Password = r.PostFormValue("password")
	}); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		h.loginFailed(w, r, sess)
		return
	}

	user, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
	if err != nil {
		h.loginFailed(w, r, sess)
		return
	}

	settings, err := h.twoFactor.Settings(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("load 2fa settings", slog.Any("error", err), slog.Int64("user_id", user.ID))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	var provisionedSecret string
	if settings.Required && !settings.Enabled {
		// Mandatory role without a secret should not exist; repair by
		// forcing enrollment, never by letting the login through. The
		// secret is surfaced in this response, it is the only chance
		// the user has to capture it.
		secret, err := h.twoFactor.ForceEnroll(r.Context(), user.ID)
		if err != nil {
			h.logger.Error("force enroll", slog.Any("error", err), slog.Int64("user_id", user.ID))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		provisionedSecret = secret
		settings.Enabled = true
	}

	if settings.Enabled {
		sess.HoldForSecondFactor(strconv.FormatInt(user.ID, 10))
		if rbac.IsProgrammaticRequest(r) {
			body := map[string]string{"status": "second_factor_required"}
			if provisionedSecret != "" {
				body["secret"] = provisionedSecret
			}
			httpx.JSON(w, http.StatusOK, body)
			return
		}
		if provisionedSecret != "" {
			sess.AddFlash(shared.FlashMessage{Kind: "info",
				Message: "Two-factor authentication is now active for your account. Authenticator secret: " + provisionedSecret})
		}
		http.Redirect(w, r, secondFactorPath, http.StatusSeeOther)
		return
	}

	h.completeLogin(w, r, sess, user.ID)
}

func (h *Handler) handleVerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.PendingUser() == "" {
		if rbac.IsProgrammaticRequest(r) {
			httpx.ProblemTyped(w, http.StatusUnauthorized, httpx.TypeUnauthenticated,
				"Unauthorized", "no second-factor challenge pending")
			return
		}
		http.Redirect(w, r, loginPath, http.StatusSeeOther)
		return
	}
	userID, err := strconv.ParseInt(sess.PendingUser(), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid challenge state")
		return
	}

	var form verifyForm
	if err := h.decode(r, &form, func() {
		form.Code = r.PostFormValue("code")
	}); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed request body")
		return
	}
	if err := h.validator.Struct(form); err != nil {
		h.secondFactorFailed(w, r, sess)
		return
	}

	ok, err := h.twoFactor.VerifyCode(r.Context(), userID, form.Code)
	switch {
	case errors.Is(err, twofactor.ErrEnrollmentRequired):
		secret, enrollErr := h.twoFactor.ForceEnroll(r.Context(), userID)
		if enrollErr != nil {
			h.logger.Error("force enroll during verify", slog.Any("error", enrollErr), slog.Int64("user_id", userID))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		if rbac.IsProgrammaticRequest(r) {
			httpx.ProblemTypedExtra(w, http.StatusUnauthorized, httpx.TypeSecondFactorRequired,
				"Second Factor Required", "enrollment was provisioned; use your new secret",
				map[string]any{"secret": secret})
			return
		}
		sess.AddFlash(shared.FlashMessage{Kind: "info",
			Message: "Two-factor authentication is now active for your account. Authenticator secret: " + secret})
		http.Redirect(w, r, secondFactorPath, http.StatusSeeOther)
		return
	case err != nil:
		h.logger.Error("verify second factor", slog.Any("error", err), slog.Int64("user_id", userID))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	case !ok:
		h.secondFactorFailed(w, r, sess)
		return
	}

	if !sess.ConfirmSecondFactor() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid challenge state")
		return
	}
	h.completeLogin(w, r, sess, userID)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	if rbac.IsProgrammaticRequest(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleEnroll lets a user on an optional-2FA role opt in. The secret
// is returned exactly once, in this response.
func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(r)
	if !ok {
		httpx.ProblemTyped(w, http.StatusUnauthorized, httpx.TypeUnauthenticated,
			"Unauthorized", "authentication required")
		return
	}
	secret, err := h.twoFactor.Enroll(r.Context(), userID)
	if err != nil {
		h.logger.Error("enroll 2fa", slog.Any("error", err), slog.Int64("user_id", userID))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (h *Handler) handleDisable(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticatedUser(r)
	if !ok {
		httpx.ProblemTyped(w, http.StatusUnauthorized, httpx.TypeUnauthenticated,
			"Unauthorized", "authentication required")
		return
	}
	if err := h.twoFactor.Disable(r.Context(), userID); err != nil {
		if errors.Is(err, twofactor.ErrOptOutForbidden) {
			httpx.Problem(w, http.StatusConflict, "Conflict",
				"two-factor authentication is required by your role")
			return
		}
		h.logger.Error("disable 2fa", slog.Any("error", err), slog.Int64("user_id", userID))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) completeLogin(w http.ResponseWriter, r *http.Request, sess *shared.Session, userID int64) {
	sess.SetUser(strconv.FormatInt(userID, 10))
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Welcome back"})

	sessionID := h.sessionManager.EnsureID(sess)
	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sessionID, userID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}

	if rbac.IsProgrammaticRequest(r) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "authenticated"})
		return
	}
	http.Redirect(w, r, safeNextPath(r), http.StatusSeeOther)
}

func (h *Handler) loginFailed(w http.ResponseWriter, r *http.Request, sess *shared.Session) {
	if rbac.IsProgrammaticRequest(r) {
		httpx.ProblemTyped(w, http.StatusUnauthorized, httpx.TypeUnauthenticated,
			"Unauthorized", shared.UserSafeMessage(shared.ErrInvalidCredentials))
		return
	}
	sess.AddFlash(shared.FlashMessage{Kind: "error", Message: shared.UserSafeMessage(shared.ErrInvalidCredentials)})
	http.Redirect(w, r, loginPath, http.StatusSeeOther)
}

func (h *Handler) secondFactorFailed(w http.ResponseWriter, r *http.Request, sess *shared.Session) {
	// Lockout/backoff is enforced by the rate limiter mounted on this
	// route, the same policy as failed passwords.
	if rbac.IsProgrammaticRequest(r) {
		httpx.ProblemTyped(w, http.StatusUnauthorized, httpx.TypeSecondFactorInvalid,
			"Second Factor Invalid", "the code does not match")
		return
	}
	sess.AddFlash(shared.FlashMessage{Kind: "error", Message: "The code does not match. Try again."})
	http.Redirect(w, r, secondFactorPath, http.StatusSeeOther)
}

func (h *Handler) authenticatedUser(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.User() == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(r *http.Request, target any, fromForm func()) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return httpx.DecodeJSON(r, target)
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	fromForm()
	return nil
}

// safeNextPath returns the post-login redirect target, restricted to
// local paths so the next parameter cannot become an open redirect.
func safeNextPath(r *http.Request) string {
	next := r.URL.Query().Get("next")
	if next == "" {
		next = r.PostFormValue("next")
	}
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return "/"
	}
	if _, err := url.Parse(next); err != nil {
		return "/"
	}
	return next
}
