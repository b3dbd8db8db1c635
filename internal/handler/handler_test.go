package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/trafi/trafi/internal/apikey"
	"github.com/trafi/trafi/internal/auth"
	"github.com/trafi/trafi/internal/config"
	"github.com/trafi/trafi/internal/credential"
	"github.com/trafi/trafi/internal/metrics"
	"github.com/trafi/trafi/internal/model"
	"github.com/trafi/trafi/internal/rbac"
	"github.com/trafi/trafi/internal/server/middleware"
	"github.com/trafi/trafi/internal/service"
	"github.com/trafi/trafi/internal/token"
)

const (
	testJWTSecret = "test-secret-for-handler-tests-0123456789"
	testPassword  = "supersecretpassword"
	testTenant    = "store-1"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store   *config.Store
	authSvc *service.AuthService
	keys    *apikey.Manager
	metrics *metrics.Metrics
	clock   *fakeClock
	router  chi.Router
}

// newTestEnv creates a fresh test environment with an in-memory config store
// and a Chi router with every handler mounted. Authentication middleware is
// not installed; requests carry their principal through do.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}

	clock := &fakeClock{now: t0}
	hasher := credential.NewHasher(&argon2id.Params{
		Memory: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	}, bcrypt.MinCost)
	tokens, err := token.New(token.Config{
		Secret:     []byte(testJWTSecret),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	keys := apikey.NewManager(store, hasher, apikey.WithClock(clock.Now))
	authSvc, err := service.NewAuthService(store, tokens, keys, hasher, service.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("service.NewAuthService: %v", err)
	}
	t.Cleanup(func() {
		keys.Close()
		store.Close()
	})

	m := metrics.New(prometheus.NewRegistry())
	authH := NewAuthHandler(authSvc, middleware.CSRFOptions{}, m, nil)
	keyH := NewAPIKeyHandler(keys, nil)
	userH := NewUserHandler(authSvc, nil)
	settingsH := NewSettingsHandler(store, nil)
	sysH := NewSystemHandler(store, "test", []byte(`{"openapi":"3.0.3"}`))

	r := chi.NewRouter()
	r.Get("/healthz", sysH.Healthz)
	r.Get("/readyz", sysH.Readyz)
	r.Get("/openapi.json", sysH.OpenAPI)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/auth/csrf", authH.CSRFToken)
		r.Post("/auth/login", authH.Login)
		r.Post("/auth/refresh", authH.Refresh)
		r.Post("/auth/logout", authH.Logout)
		r.Get("/auth/me", authH.Me)

		r.Get("/api-keys", keyH.ListAPIKeys)
		r.Post("/api-keys", keyH.CreateAPIKey)
		r.Delete("/api-keys/{keyId}", keyH.RevokeAPIKey)

		r.Get("/users", userH.ListUsers)
		r.Post("/users", userH.CreateUser)
		r.Put("/users/{userId}/role", userH.ChangeRole)

		r.Get("/store/settings", settingsH.GetSettings)
		r.Put("/store/settings", settingsH.PutSettings)
	})

	return &testEnv{
		store:   store,
		authSvc: authSvc,
		keys:    keys,
		metrics: m,
		clock:   clock,
		router:  r,
	}
}

// seedUser creates an active user in the test tenant.
func (e *testEnv) seedUser(t *testing.T, email string, role rbac.Role) *model.User {
	t.Helper()
	u, err := e.authSvc.CreateUser(context.Background(), service.CreateUserInput{
		TenantID: testTenant,
		Email:    email,
		Name:     "Test User",
		Password: testPassword,
		Role:     role,
	})
	if err != nil {
		t.Fatalf("seedUser: %v", err)
	}
	return u
}

// session returns a principal for a user session with the role's permissions.
func session(id string, role rbac.Role) *auth.Principal {
	return &auth.Principal{
		ID:          id,
		TenantID:    testTenant,
		Kind:        auth.KindSession,
		Role:        role,
		Permissions: rbac.PermissionsForRole(role),
	}
}

// do executes an HTTP request against the test router and returns the
// recorder. A nil principal sends the request unauthenticated.
func (e *testEnv) do(t *testing.T, p *auth.Principal, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *p))
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("toJSON: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}
