// Package auth defines the Principal, the authenticated actor resolved for a
// single request, and the helpers that carry it through a request context.
package auth

import (
	"context"

	"github.com/trafi/trafi/internal/rbac"
)

// Kind discriminates how a principal authenticated.
type Kind string

const (
	KindSession Kind = "session"
	KindAPIKey  Kind = "api_key"
)

// Principal is the authenticated actor for one request. It is built from
// verified claims or a verified API key, never persisted, and not modified
// after it is attached to the request.
type Principal struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenantId"`
	Kind     Kind         `json:"type"`
	Role     rbac.Role    `json:"role,omitempty"`
	Scopes   []rbac.Scope `json:"scopes,omitempty"`
	// Permissions is the resolved set checked against route requirements.
	Permissions rbac.Set `json:"permissions"`
	// KeyID is the API key record id for api_key principals.
	KeyID string `json:"keyId,omitempty"`
}

// IsAPIKey reports whether the principal authenticated with an API key.
func (p Principal) IsAPIKey() bool {
	return p.Kind == KindAPIKey
}

type principalContextKey struct{}

// WithPrincipal attaches p to ctx. The principal is stored by value; scopes
// are copied so later changes to the caller's slice are not observed.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	p.Scopes = append([]rbac.Scope(nil), p.Scopes...)
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok {
		return Principal{}, false
	}
	p.Scopes = append([]rbac.Scope(nil), p.Scopes...)
	return p, true
}
