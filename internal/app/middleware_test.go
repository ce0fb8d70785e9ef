package app

import (
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/fleetops/internal/shared"
	_ "github.com/fleetops/fleetops/testing"
)

func newMiddlewareRouter(t *testing.T) chi.Router {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "fleetops_session", "test-secret", time.Hour, false)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         logger,
		SessionManager: sessions,
		CSRFManager:    shared.NewCSRFManager("csrf-test-secret"),
	}) {
		r.Use(mw)
	}
	r.Get("/form", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/submit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func browserPost(token string, cookies ...*http.Cookie) *http.Request {
	form := url.Values{}
	if token != "" {
		form.Set(shared.CSRFFormField, token)
	}
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return req
}

func TestSafeRequestIssuesCSRFToken(t *testing.T) {
	router := newMiddlewareRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/form", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-CSRF-Token"))

	var sessionCookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == "fleetops_session" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie, "session cookie must accompany the issued token")
}

func TestBrowserFormRoundTrip(t *testing.T) {
	router := newMiddlewareRouter(t)

	get := httptest.NewRecorder()
	router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/form", nil))
	require.Equal(t, http.StatusOK, get.Code)

	token := get.Header().Get("X-CSRF-Token")
	require.NotEmpty(t, token)
	var sessionCookie *http.Cookie
	for _, c := range get.Result().Cookies() {
		if c.Name == "fleetops_session" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, browserPost(token, sessionCookie))
	assert.Equal(t, http.StatusOK, rr.Code, "form POST carrying the issued token must pass")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, browserPost("not-the-token", sessionCookie))
	assert.Equal(t, http.StatusForbidden, rr.Code, "mismatched token must be rejected")
}

func TestBrowserFormRejectedWithoutToken(t *testing.T) {
	router := newMiddlewareRouter(t)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, browserPost(""))

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestXHRBypassesFormToken(t *testing.T) {
	router := newMiddlewareRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}
