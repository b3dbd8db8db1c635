package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trafi/trafi/internal/rbac"
)

const testSecret = "test-secret-key-for-token-service-0123456789"

// t0 is a whole second so NumericDate truncation does not shift expiry.
var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	svc, err := New(Config{
		Secret:     []byte(testSecret),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, clock
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New(Config{AccessTTL: time.Minute, RefreshTTL: time.Hour})
	if !errors.Is(err, ErrNoSecret) {
		t.Errorf("expected ErrNoSecret, got %v", err)
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	for _, role := range rbac.Roles {
		t.Run(string(role), func(t *testing.T) {
			in := AccessClaims{
				Subject:     "user-42",
				TenantID:    "store-7",
				Role:        role,
				Permissions: rbac.PermissionsForRole(role),
			}
			tok, err := svc.IssueAccessToken(in)
			if err != nil {
				t.Fatalf("IssueAccessToken: %v", err)
			}

			claims, err := svc.Verify(tok, TypeSession)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if claims.Subject != in.Subject || claims.TenantID != in.TenantID || claims.Role != string(role) {
				t.Errorf("identity claims changed: %+v", claims)
			}
			perms, err := claims.PermissionSet()
			if err != nil {
				t.Fatalf("PermissionSet: %v", err)
			}
			if perms != in.Permissions {
				t.Errorf("permissions = %v, want %v", perms.Strings(), in.Permissions.Strings())
			}
			if !claims.IssuedAt.Time.Equal(t0) {
				t.Errorf("iat = %v, want %v", claims.IssuedAt.Time, t0)
			}
			if !claims.ExpiresAt.Time.Equal(t0.Add(15 * time.Minute)) {
				t.Errorf("exp = %v, want %v", claims.ExpiresAt.Time, t0.Add(15*time.Minute))
			}
		})
	}
}

func decodePayload(t *testing.T, tok string) map[string]interface{} {
	t.Helper()
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("expected 3 token segments, got %d", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return m
}

func TestClaimsWireFormat(t *testing.T) {
	svc, _ := newTestService(t)

	access, _ := svc.IssueAccessToken(AccessClaims{
		Subject: "u1", TenantID: "s1", Role: rbac.RoleViewer,
		Permissions: rbac.PermissionsForRole(rbac.RoleViewer),
	})
	m := decodePayload(t, access)
	for _, key := range []string{"sub", "tenantId", "role", "permissions", "type", "iat", "exp"} {
		if _, ok := m[key]; !ok {
			t.Errorf("access token missing %q claim", key)
		}
	}
	if m["type"] != "session" {
		t.Errorf("access type = %v, want session", m["type"])
	}

	refresh, _ := svc.IssueRefreshToken("u1", "s1")
	m = decodePayload(t, refresh)
	if m["type"] != "refresh" {
		t.Errorf("refresh type = %v, want refresh", m["type"])
	}
	for _, key := range []string{"role", "permissions"} {
		if _, ok := m[key]; ok {
			t.Errorf("refresh token must not carry %q", key)
		}
	}
}

func TestTypeDiscrimination(t *testing.T) {
	svc, _ := newTestService(t)

	refresh, _ := svc.IssueRefreshToken("u1", "s1")
	if _, err := svc.Verify(refresh, TypeSession); !errors.Is(err, ErrWrongType) {
		t.Errorf("refresh as session: expected ErrWrongType, got %v", err)
	}

	access, _ := svc.IssueAccessToken(AccessClaims{Subject: "u1", TenantID: "s1", Role: rbac.RoleOwner, Permissions: rbac.All()})
	if _, err := svc.Verify(access, TypeRefresh); !errors.Is(err, ErrWrongType) {
		t.Errorf("session as refresh: expected ErrWrongType, got %v", err)
	}
}

func TestAPIKeyTypedTokenRejectedAsSession(t *testing.T) {
	svc, _ := newTestService(t)
	claims := Claims{
		TenantID: "s1",
		Type:     TypeAPIKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "key-1",
			IssuedAt:  jwt.NewNumericDate(t0),
			ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.VerifyAccess(tok); !errors.Is(err, ErrWrongType) {
		t.Errorf("expected ErrWrongType, got %v", err)
	}
}

func TestExpiryBoundary(t *testing.T) {
	svc, clock := newTestService(t)
	tok, _ := svc.IssueAccessToken(AccessClaims{Subject: "u1", TenantID: "s1", Role: rbac.RoleEditor, Permissions: rbac.PermissionsForRole(rbac.RoleEditor)})
	exp := t0.Add(15 * time.Minute)

	clock.now = exp.Add(-time.Second)
	if _, err := svc.VerifyAccess(tok); err != nil {
		t.Errorf("one second before expiry: expected valid, got %v", err)
	}

	clock.now = exp.Add(time.Second)
	_, err := svc.VerifyAccess(tok)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("after expiry: expected ErrExpired, got %v", err)
	}
	if !errors.Is(err, ErrRejected) {
		t.Error("expected ErrExpired to wrap ErrRejected")
	}
}

func TestInvalidSignature(t *testing.T) {
	svc, _ := newTestService(t)
	other, err := New(Config{Secret: []byte("another-secret-entirely-0123456789"), AccessTTL: time.Minute, RefreshTTL: time.Hour}, WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, _ := other.IssueAccessToken(AccessClaims{Subject: "u1", TenantID: "s1", Role: rbac.RoleOwner, Permissions: rbac.All()})

	if _, err := svc.VerifyAccess(tok); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestRejectsOtherAlgorithms(t *testing.T) {
	svc, _ := newTestService(t)
	claims := Claims{
		TenantID: "s1",
		Role:     "OWNER",
		Type:     TypeSession,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(t0),
			ExpiresAt: jwt.NewNumericDate(t0.Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := svc.VerifyAccess(tok); !errors.Is(err, ErrRejected) {
		t.Errorf("expected rejection for alg=none, got %v", err)
	}

	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	if _, err := svc.VerifyAccess(hs512); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected HS512 to be rejected as invalid signature, got %v", err)
	}
}

func TestMalformed(t *testing.T) {
	svc, _ := newTestService(t)
	for _, in := range []string{"", "   ", "garbage.token.here", "a.b"} {
		if _, err := svc.VerifyAccess(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("Verify(%q): expected ErrMalformed, got %v", in, err)
		}
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrExpired, "expired"},
		{ErrInvalidSignature, "invalid_signature"},
		{ErrWrongType, "wrong_type"},
		{ErrMalformed, "malformed"},
		{ErrSubjectInvalid, "subject_invalid"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := Reason(tt.err); got != tt.want {
			t.Errorf("Reason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

type stubResolver struct {
	subject Subject
	err     error
	calls   int
}

func (r *stubResolver) ResolveSubject(ctx context.Context, subjectID, tenantID string) (Subject, error) {
	r.calls++
	if r.err != nil {
		return Subject{}, r.err
	}
	return r.subject, nil
}

func TestRotateUsesCurrentRole(t *testing.T) {
	svc, clock := newTestService(t)
	refresh, _ := svc.IssueRefreshToken("u1", "s1")

	// The user was demoted after the refresh token was issued.
	resolver := &stubResolver{subject: Subject{ID: "u1", TenantID: "s1", Role: rbac.RoleViewer}}
	clock.now = t0.Add(time.Hour)

	pair, err := svc.Rotate(context.Background(), refresh, resolver)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", resolver.calls)
	}
	if pair.TokenType != "Bearer" || pair.ExpiresIn != 900 {
		t.Errorf("unexpected pair metadata %+v", pair)
	}

	claims, err := svc.VerifyAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if claims.Role != "VIEWER" {
		t.Errorf("role = %q, want VIEWER", claims.Role)
	}
	perms, _ := claims.PermissionSet()
	if perms != rbac.PermissionsForRole(rbac.RoleViewer) {
		t.Errorf("permissions = %v", perms.Strings())
	}
	if _, err := svc.VerifyRefresh(pair.RefreshToken); err != nil {
		t.Errorf("new refresh token invalid: %v", err)
	}
}

func TestRotateRejections(t *testing.T) {
	svc, _ := newTestService(t)
	refresh, _ := svc.IssueRefreshToken("u1", "s1")
	access, _ := svc.IssueAccessToken(AccessClaims{Subject: "u1", TenantID: "s1", Role: rbac.RoleOwner, Permissions: rbac.All()})

	tests := []struct {
		name     string
		token    string
		resolver *stubResolver
		wantErr  error
	}{
		{"access token presented", access, &stubResolver{subject: Subject{ID: "u1", TenantID: "s1", Role: rbac.RoleOwner}}, ErrWrongType},
		{"subject gone", refresh, &stubResolver{err: errors.New("not found")}, ErrSubjectInvalid},
		{"tenant changed", refresh, &stubResolver{subject: Subject{ID: "u1", TenantID: "s2", Role: rbac.RoleOwner}}, ErrSubjectInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Rotate(context.Background(), tt.token, tt.resolver)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
