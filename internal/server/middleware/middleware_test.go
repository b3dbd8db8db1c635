package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/trafi/trafi/internal/apikey"
	"github.com/trafi/trafi/internal/auth"
	"github.com/trafi/trafi/internal/metrics"
	"github.com/trafi/trafi/internal/rbac"
	"github.com/trafi/trafi/internal/token"
)

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	respID := rr.Header().Get("X-Request-ID")
	// UUID v7 format check: 36 chars with dashes
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q (len=%d)", respID, len(respID))
	}
}

func TestRequestIDClientValue(t *testing.T) {
	tests := []struct {
		name   string
		client string
		keep   bool
	}{
		{"trace id", "my-custom-trace-id-123", true},
		{"contains space", "two words", false},
		{"too long", strings.Repeat("a", 200), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set("X-Request-ID", tt.client)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			got := rr.Header().Get("X-Request-ID")
			if tt.keep && got != tt.client {
				t.Errorf("expected client ID %q to be kept, got %q", tt.client, got)
			}
			if !tt.keep && got == tt.client {
				t.Errorf("expected client ID %q to be replaced", tt.client)
			}
		})
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected empty string, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// Authenticate / Require tests
// ---------------------------------------------------------------------------

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// fakeAuthenticator verifies bearer tokens with a real token service and
// accepts a single hard-coded API key.
type fakeAuthenticator struct {
	tokens *token.Service
}

func (f *fakeAuthenticator) AuthenticateBearer(ctx context.Context, tok string) (auth.Principal, error) {
	claims, err := f.tokens.VerifyAccess(tok)
	if err != nil {
		return auth.Principal{}, err
	}
	perms, err := claims.PermissionSet()
	if err != nil {
		return auth.Principal{}, token.ErrMalformed
	}
	return auth.Principal{
		ID:          claims.Subject,
		TenantID:    claims.TenantID,
		Kind:        auth.KindSession,
		Role:        rbac.Role(claims.Role),
		Permissions: perms,
	}, nil
}

const goodKey = "trafi_sk_0123456789abcdef0123456789abcdef0123456789abcdef0123456789ab"

func (f *fakeAuthenticator) AuthenticateAPIKey(ctx context.Context, key string) (auth.Principal, error) {
	if key != goodKey {
		return auth.Principal{}, apikey.ErrUnknownKey
	}
	scopes := []rbac.Scope{rbac.Scope(rbac.ProductsRead), rbac.Scope(rbac.ProductsWrite)}
	return auth.Principal{
		ID:          "key-1",
		TenantID:    "store-1",
		Kind:        auth.KindAPIKey,
		Scopes:      scopes,
		Permissions: rbac.PermissionsForScopes(scopes),
		KeyID:       "key-1",
	}, nil
}

type authEnv struct {
	tokens  *token.Service
	clock   *fakeClock
	metrics *metrics.Metrics
	opts    AuthOptions
}

func newAuthEnv(t *testing.T) *authEnv {
	t.Helper()
	clock := &fakeClock{now: t0}
	tokens, err := token.New(token.Config{
		Secret:     []byte("middleware-test-secret-0123456789"),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	}, token.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	return &authEnv{
		tokens:  tokens,
		clock:   clock,
		metrics: m,
		opts:    AuthOptions{APIKeyHeader: "X-API-Key", Metrics: m},
	}
}

func (e *authEnv) sessionToken(t *testing.T, role rbac.Role) string {
	t.Helper()
	tok, err := e.tokens.IssueAccessToken(token.AccessClaims{
		Subject:     "user-1",
		TenantID:    "store-1",
		Role:        role,
		Permissions: rbac.PermissionsForRole(role),
	})
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	return tok
}

// handler builds Authenticate -> Require(req) -> 200 "ok".
func (e *authEnv) handler(req rbac.Requirement) http.Handler {
	authn := &fakeAuthenticator{tokens: e.tokens}
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.PrincipalFrom(r.Context()); !ok {
			http.Error(w, "missing principal", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	})
	return Authenticate(authn, e.opts)(Require(req, e.opts)(final))
}

func serve(h http.Handler, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestExpiredTokenGetsGenericUnauthorized(t *testing.T) {
	env := newAuthEnv(t)
	tok := env.sessionToken(t, rbac.RoleOwner)
	env.clock.now = t0.Add(15*time.Minute + time.Second)

	rr := serve(env.handler(rbac.Authenticated()), map[string]string{"Authorization": "Bearer " + tok})

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"error":{"code":401,"message":"Unauthorized"}}` {
		t.Errorf("body = %s", got)
	}
	if got := testutil.ToFloat64(env.metrics.AuthRejections.WithLabelValues(ChannelBearer, "expired")); got != 1 {
		t.Errorf("expired rejections = %v, want 1", got)
	}
}

func TestUnauthorizedBodyIsIdenticalForEveryFailure(t *testing.T) {
	env := newAuthEnv(t)
	other, _ := token.New(token.Config{Secret: []byte("some-other-secret-value-0123456789"), AccessTTL: time.Minute, RefreshTTL: time.Hour})
	forged, _ := other.IssueAccessToken(token.AccessClaims{Subject: "u", TenantID: "s", Role: rbac.RoleOwner, Permissions: rbac.All()})
	refresh, _ := env.tokens.IssueRefreshToken("user-1", "store-1")

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no credentials", nil},
		{"basic auth", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}},
		{"empty bearer", map[string]string{"Authorization": "Bearer "}},
		{"garbage bearer", map[string]string{"Authorization": "Bearer not.a.jwt"}},
		{"forged signature", map[string]string{"Authorization": "Bearer " + forged}},
		{"refresh as access", map[string]string{"Authorization": "Bearer " + refresh}},
		{"unknown api key", map[string]string{"X-API-Key": "trafi_sk_nope"}},
	}

	var first string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(env.handler(rbac.Authenticated()), tt.headers)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
			if first == "" {
				first = rr.Body.String()
			}
			if rr.Body.String() != first {
				t.Errorf("body %q differs from %q", rr.Body.String(), first)
			}
		})
	}
}

func TestViewerCannotWriteProducts(t *testing.T) {
	env := newAuthEnv(t)
	tok := env.sessionToken(t, rbac.RoleViewer)

	rr := serve(env.handler(rbac.AllOf(rbac.ProductsWrite)), map[string]string{"Authorization": "Bearer " + tok})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}

	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Context struct {
				RequiredPermissions []string `json:"requiredPermissions"`
				Mode                string   `json:"mode"`
			} `json:"context"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != 403 || body.Error.Message != "Forbidden" {
		t.Errorf("unexpected error %+v", body.Error)
	}
	if len(body.Error.Context.RequiredPermissions) != 1 || body.Error.Context.RequiredPermissions[0] != "products:write" {
		t.Errorf("requiredPermissions = %v, want [products:write]", body.Error.Context.RequiredPermissions)
	}
	if body.Error.Context.Mode != "all" {
		t.Errorf("mode = %q, want all", body.Error.Context.Mode)
	}
	if got := testutil.ToFloat64(env.metrics.AuthzDenials.WithLabelValues("permission")); got != 1 {
		t.Errorf("permission denials = %v, want 1", got)
	}
}

func TestRequireDecisions(t *testing.T) {
	env := newAuthEnv(t)
	ownerOnly := rbac.AllOf(rbac.UsersManage).WithRoles(rbac.RoleOwner)

	tests := []struct {
		name    string
		req     rbac.Requirement
		headers map[string]string
		want    int
	}{
		{"editor writes products", rbac.AllOf(rbac.ProductsWrite), map[string]string{"Authorization": "Bearer " + env.sessionToken(t, rbac.RoleEditor)}, 200},
		{"viewer any-of read", rbac.AnyOf(rbac.ProductsWrite, rbac.ProductsRead), map[string]string{"Authorization": "Bearer " + env.sessionToken(t, rbac.RoleViewer)}, 200},
		{"owner on owner route", ownerOnly, map[string]string{"Authorization": "Bearer " + env.sessionToken(t, rbac.RoleOwner)}, 200},
		{"admin on owner route", ownerOnly, map[string]string{"Authorization": "Bearer " + env.sessionToken(t, rbac.RoleAdmin)}, 403},
		{"api key with scope", rbac.AllOf(rbac.ProductsWrite), map[string]string{"X-API-Key": goodKey}, 200},
		{"api key without scope", rbac.AllOf(rbac.OrdersRead), map[string]string{"X-API-Key": goodKey}, 403},
		{"api key on role route", rbac.Authenticated().WithRoles(rbac.RoleOwner), map[string]string{"X-API-Key": goodKey}, 403},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(env.handler(tt.req), tt.headers)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestBearerWinsOverAPIKey(t *testing.T) {
	env := newAuthEnv(t)
	var got auth.Principal
	h := Authenticate(&fakeAuthenticator{tokens: env.tokens}, env.opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = auth.PrincipalFrom(r.Context())
	}))
	serve(h, map[string]string{
		"Authorization": "bearer " + env.sessionToken(t, rbac.RoleEditor),
		"X-API-Key":     goodKey,
	})
	if got.Kind != auth.KindSession || got.Role != rbac.RoleEditor {
		t.Errorf("expected the session principal, got %+v", got)
	}
}

func TestRequirePublicSkipsChecks(t *testing.T) {
	called := false
	h := Require(rbac.PublicRoute(), AuthOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	rr := serve(h, nil)
	if !called || rr.Code != http.StatusOK {
		t.Errorf("public route: called=%v status=%d", called, rr.Code)
	}
}

func TestRequireWithoutPrincipal(t *testing.T) {
	h := Require(rbac.Authenticated(), AuthOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))
	rr := serve(h, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestRequireRoleDenialNamesRoles(t *testing.T) {
	env := newAuthEnv(t)
	rr := serve(env.handler(rbac.AllOf(rbac.UsersManage).WithRoles(rbac.RoleOwner)),
		map[string]string{"Authorization": "Bearer " + env.sessionToken(t, rbac.RoleAdmin)})

	var body struct {
		Error struct {
			Context map[string]interface{} `json:"context"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	roles, ok := body.Error.Context["requiredRoles"].([]interface{})
	if !ok || len(roles) != 1 || roles[0] != "OWNER" {
		t.Errorf("requiredRoles = %v, want [OWNER]", body.Error.Context["requiredRoles"])
	}
	if got := testutil.ToFloat64(env.metrics.AuthzDenials.WithLabelValues("role")); got != 1 {
		t.Errorf("role denials = %v, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// CSRF tests
// ---------------------------------------------------------------------------

func TestCSRF(t *testing.T) {
	opts := CSRFOptions{}
	h := CSRF(opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	issued := httptest.NewRecorder()
	tok, err := IssueCSRFToken(issued, opts)
	if err != nil {
		t.Fatalf("IssueCSRFToken: %v", err)
	}
	cookies := issued.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "trafi_csrf" || cookies[0].Value != tok {
		t.Fatalf("unexpected cookies %+v", cookies)
	}

	tests := []struct {
		name   string
		method string
		cookie string
		header string
		want   int
	}{
		{"safe method without token", http.MethodGet, "", "", http.StatusNoContent},
		{"post with matching token", http.MethodPost, tok, tok, http.StatusNoContent},
		{"post without token", http.MethodPost, "", "", http.StatusForbidden},
		{"post with header only", http.MethodPost, "", tok, http.StatusForbidden},
		{"delete with mismatched token", http.MethodDelete, tok, tok + "x", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/api-keys", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "trafi_csrf", Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set("X-CSRF-Token", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusForbidden && !strings.Contains(rr.Body.String(), `"reason":"csrf"`) {
				t.Errorf("body = %s, want csrf reason", rr.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RateLimit / Metrics tests
// ---------------------------------------------------------------------------

func TestRateLimitPerIP(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}

	// Another client is unaffected.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "198.51.100.1:5000"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Errorf("second client status = %d, want 200", rr.Code)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := Metrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/api-keys", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "201")); got != 1 {
		t.Errorf("POST 201 = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.HTTPRequests); got != 1 {
		t.Errorf("series = %d, want 1 (/metrics is not recorded)", got)
	}
}
