package auth_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetops/fleetops/internal/auth"
	"github.com/fleetops/fleetops/internal/shared"
	"github.com/fleetops/fleetops/internal/twofactor"
	_ "github.com/fleetops/fleetops/testing"
)

const testPassword = "correct-horse-battery"

type stubRepo struct {
	users           map[string]*auth.User
	createdSessions []string
	deletedSessions []string
}

func (r *stubRepo) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	user, ok := r.users[email]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return user, nil
}

func (r *stubRepo) CreateSession(_ context.Context, id string, _ int64, _ time.Time, _, _ string) error {
	r.createdSessions = append(r.createdSessions, id)
	return nil
}

func (r *stubRepo) DeleteSession(_ context.Context, id string) error {
	r.deletedSessions = append(r.deletedSessions, id)
	return nil
}

func (r *stubRepo) DeleteExpiredSessions(_ context.Context) (int64, error) {
	return 0, nil
}

type stubTwoFactor struct {
	settings      map[int64]twofactor.Settings
	verifyOK      bool
	verifyErr     error
	disableErr    error
	forceEnrolled []int64
	enrolled      []int64
}

func (s *stubTwoFactor) Settings(_ context.Context, userID int64) (twofactor.Settings, error) {
	cfg := s.settings[userID]
	cfg.UserID = userID
	return cfg, nil
}

func (s *stubTwoFactor) ForceEnroll(_ context.Context, userID int64) (string, error) {
	s.forceEnrolled = append(s.forceEnrolled, userID)
	cfg := s.settings[userID]
	cfg.Enabled = true
	s.settings[userID] = cfg
	return "FORCEDSECRET234567", nil
}

func (s *stubTwoFactor) Enroll(_ context.Context, userID int64) (string, error) {
	s.enrolled = append(s.enrolled, userID)
	return "OPTINSECRET2345678", nil
}

func (s *stubTwoFactor) Disable(_ context.Context, _ int64) error {
	return s.disableErr
}

func (s *stubTwoFactor) VerifyCode(_ context.Context, _ int64, _ string) (bool, error) {
	return s.verifyOK, s.verifyErr
}

// commitWriter mirrors the production responseWriterWithCommit in
// internal/app/middleware.go: the session is committed just before the
// first header write so handlers can still mutate it.
type commitWriter struct {
	http.ResponseWriter
	sessions  *shared.SessionManager
	sess      *shared.Session
	req       *http.Request
	t         *testing.T
	committed bool
}

func (w *commitWriter) commit() {
	if w.committed {
		return
	}
	w.committed = true
	if err := w.sessions.Commit(w.req.Context(), w.ResponseWriter, w.req, w.sess); err != nil {
		w.t.Fatalf("commit session: %v", err)
	}
}

func (w *commitWriter) WriteHeader(statusCode int) {
	w.commit()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *commitWriter) Write(data []byte) (int, error) {
	w.commit()
	return w.ResponseWriter.Write(data)
}

type testEnv struct {
	router    chi.Router
	sessions  *shared.SessionManager
	repo      *stubRepo
	twoFactor *stubTwoFactor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "fleetops_session", "test-secret", time.Hour, false)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	repo := &stubRepo{users: map[string]*auth.User{
		"tech@fleetops.test": {ID: 7, Email: "tech@fleetops.test", PasswordHash: string(hash), IsActive: true},
	}}
	twoFactor := &stubTwoFactor{settings: map[int64]twofactor.Settings{}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := auth.NewHandler(logger, auth.NewService(repo), twoFactor, sessions)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, loadErr := sessions.Load(r.Context(), r)
			if loadErr != nil {
				http.Error(w, "session", http.StatusInternalServerError)
				return
			}
			r = r.WithContext(shared.ContextWithSession(r.Context(), sess))
			// Commit before the first byte, like the production
			// middleware, so Set-Cookie lands in the recorded headers.
			cw := &commitWriter{ResponseWriter: w, sessions: sessions, sess: sess, req: r, t: t}
			next.ServeHTTP(cw, r)
			cw.commit()
		})
	})
	router.Route("/auth", handler.MountRoutes)

	return &testEnv{router: router, sessions: sessions, repo: repo, twoFactor: twoFactor}
}

func (e *testEnv) postJSON(t *testing.T, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) loadSession(t *testing.T, cookie *http.Cookie) *shared.Session {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	sess, err := e.sessions.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	return sess
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == "fleetops_session" && c.MaxAge >= 0 {
			return c
		}
	}
	t.Fatalf("no session cookie in response")
	return nil
}

// seedSession writes a prepared session straight into redis and returns
// the cookie a browser would carry for it.
func (e *testEnv) seedSession(t *testing.T, mutate func(*shared.Session)) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := e.sessions.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	mutate(sess)
	e.sessions.EnsureID(sess)
	rr := httptest.NewRecorder()
	if err := e.sessions.Commit(context.Background(), rr, req, sess); err != nil {
		t.Fatalf("commit seeded session: %v", err)
	}
	return &http.Cookie{Name: "fleetops_session", Value: sess.ID}
}

func TestLoginSucceedsWithoutSecondFactor(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON(t, "/auth/login", `{"email":"tech@fleetops.test","password":"`+testPassword+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "authenticated" {
		t.Fatalf("expected authenticated status, got %q", body["status"])
	}
	if len(env.repo.createdSessions) != 1 {
		t.Fatalf("expected 1 registered session, got %d", len(env.repo.createdSessions))
	}

	sess := env.loadSession(t, sessionCookie(t, rr))
	if sess.User() != "7" {
		t.Fatalf("expected session bound to user 7, got %q", sess.User())
	}
	if sess.PendingUser() != "" {
		t.Fatalf("expected no pending user, got %q", sess.PendingUser())
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON(t, "/auth/login", `{"email":"tech@fleetops.test","password":"not-the-password"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/problem+json") {
		t.Fatalf("expected problem response, got %q", ct)
	}
	if len(env.repo.createdSessions) != 0 {
		t.Fatalf("no session should be registered on failed login")
	}
}

func TestLoginRejectsUnknownAccountIdentically(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON(t, "/auth/login", `{"email":"ghost@fleetops.test","password":"whatever-pass"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Email or password is incorrect") {
		t.Fatalf("unknown account must collapse to invalid credentials: %s", rr.Body.String())
	}
}

func TestLoginHoldsSessionForSecondFactor(t *testing.T) {
	env := newTestEnv(t)
	env.twoFactor.settings[7] = twofactor.Settings{Required: true, Enabled: true}

	rr := env.postJSON(t, "/auth/login", `{"email":"tech@fleetops.test","password":"`+testPassword+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "second_factor_required") {
		t.Fatalf("expected second factor challenge, got %s", rr.Body.String())
	}
	if len(env.repo.createdSessions) != 0 {
		t.Fatalf("held session must not be registered yet")
	}

	sess := env.loadSession(t, sessionCookie(t, rr))
	if sess.User() != "" {
		t.Fatalf("held session must read as unauthenticated, got user %q", sess.User())
	}
	if sess.PendingUser() != "7" {
		t.Fatalf("expected pending user 7, got %q", sess.PendingUser())
	}
}

func TestMandatoryRoleWithoutEnrollmentIsForceEnrolled(t *testing.T) {
	env := newTestEnv(t)
	env.twoFactor.settings[7] = twofactor.Settings{Required: true, Enabled: false}

	rr := env.postJSON(t, "/auth/login", `{"email":"tech@fleetops.test","password":"`+testPassword+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "second_factor_required") {
		t.Fatalf("inconsistent state must still challenge, got %s", rr.Body.String())
	}
	if len(env.twoFactor.forceEnrolled) != 1 || env.twoFactor.forceEnrolled[0] != 7 {
		t.Fatalf("expected force enrollment for user 7, got %v", env.twoFactor.forceEnrolled)
	}
	if !strings.Contains(rr.Body.String(), "FORCEDSECRET") {
		t.Fatalf("provisioned secret must be surfaced to the user, got %s", rr.Body.String())
	}
}

func TestVerifyRepairsMissingEnrollment(t *testing.T) {
	env := newTestEnv(t)
	env.twoFactor.verifyErr = twofactor.ErrEnrollmentRequired
	cookie := env.seedSession(t, func(s *shared.Session) { s.HoldForSecondFactor("7") })

	rr := env.postJSON(t, "/auth/verify", `{"code":"123456"}`, cookie)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "second-factor-required") {
		t.Fatalf("expected second-factor-required problem type, got %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "FORCEDSECRET") {
		t.Fatalf("repaired enrollment must return the new secret, got %s", rr.Body.String())
	}
	if len(env.twoFactor.forceEnrolled) != 1 || env.twoFactor.forceEnrolled[0] != 7 {
		t.Fatalf("expected force enrollment for user 7, got %v", env.twoFactor.forceEnrolled)
	}

	sess := env.loadSession(t, cookie)
	if sess.User() != "" || sess.PendingUser() != "7" {
		t.Fatalf("challenge must remain pending, got user=%q pending=%q", sess.User(), sess.PendingUser())
	}
}

func TestVerifyCompletesHeldLogin(t *testing.T) {
	env := newTestEnv(t)
	env.twoFactor.verifyOK = true
	cookie := env.seedSession(t, func(s *shared.Session) { s.HoldForSecondFactor("7") })

	rr := env.postJSON(t, "/auth/verify", `{"code":"123456"}`, cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "authenticated") {
		t.Fatalf("expected authenticated status, got %s", rr.Body.String())
	}
	if len(env.repo.createdSessions) != 1 {
		t.Fatalf("expected session registration after verification")
	}

	sess := env.loadSession(t, cookie)
	if sess.User() != "7" || sess.PendingUser() != "" {
		t.Fatalf("expected promoted session, got user=%q pending=%q", sess.User(), sess.PendingUser())
	}
}

func TestVerifyRejectsWrongCode(t *testing.T) {
	env := newTestEnv(t)
	env.twoFactor.verifyOK = false
	cookie := env.seedSession(t, func(s *shared.Session) { s.HoldForSecondFactor("7") })

	rr := env.postJSON(t, "/auth/verify", `{"code":"654321"}`, cookie)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "second-factor-invalid") {
		t.Fatalf("expected second-factor-invalid problem type, got %s", rr.Body.String())
	}

	sess := env.loadSession(t, cookie)
	if sess.User() != "" {
		t.Fatalf("failed verification must not authenticate the session")
	}
	if sess.PendingUser() != "7" {
		t.Fatalf("challenge must survive a failed attempt, pending=%q", sess.PendingUser())
	}
}

func TestVerifyWithoutPendingChallenge(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON(t, "/auth/verify", `{"code":"123456"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestOptionalRoleCanEnroll(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.seedSession(t, func(s *shared.Session) { s.SetUser("7") })

	rr := env.postJSON(t, "/auth/2fa/enroll", "", cookie)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "OPTINSECRET") {
		t.Fatalf("expected secret in enrollment response, got %s", rr.Body.String())
	}
	if len(env.twoFactor.enrolled) != 1 || env.twoFactor.enrolled[0] != 7 {
		t.Fatalf("expected enrollment for user 7, got %v", env.twoFactor.enrolled)
	}
}

func TestMandatoryRoleCannotOptOut(t *testing.T) {
	env := newTestEnv(t)
	env.twoFactor.disableErr = twofactor.ErrOptOutForbidden
	cookie := env.seedSession(t, func(s *shared.Session) { s.SetUser("7") })

	req := httptest.NewRequest(http.MethodDelete, "/auth/2fa", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.AddCookie(cookie)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "required by your role") {
		t.Fatalf("expected role requirement message, got %s", rr.Body.String())
	}
}

func TestLogoutDropsSessionRecord(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.seedSession(t, func(s *shared.Session) { s.SetUser("7") })

	rr := env.postJSON(t, "/auth/logout", "", cookie)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if len(env.repo.deletedSessions) != 1 {
		t.Fatalf("expected session record deletion, got %v", env.repo.deletedSessions)
	}
}

func TestBrowserLoginRedirectsToNext(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{}
	form.Set("email", "tech@fleetops.test")
	form.Set("password", testPassword)
	form.Set("next", "/vehicles?page=2")

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/vehicles?page=2" {
		t.Fatalf("expected redirect to next path, got %q", loc)
	}
}

func TestBrowserLoginIgnoresExternalNext(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{}
	form.Set("email", "tech@fleetops.test")
	form.Set("password", testPassword)
	form.Set("next", "//evil.example/phish")

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/" {
		t.Fatalf("expected redirect to root, got %q", loc)
	}
}
