package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownScope is returned for a scope outside the API key vocabulary.
	ErrUnknownScope = errors.New("unknown scope")
	// ErrDuplicateScope is returned when a scope list names a scope twice.
	ErrDuplicateScope = errors.New("duplicate scope")
	// ErrNoScopes is returned when an API key would be created without scopes.
	ErrNoScopes = errors.New("at least one scope is required")
)

// Scope is a capability grant attached to an API key. Scopes share the
// permission vocabulary but only a subset of it may be granted to keys.
type Scope Permission

// scopable is the subset of permissions an API key may carry. Account
// administration (users, keys, settings) is reserved for user sessions.
var scopable = NewSet(
	ProductsRead,
	ProductsWrite,
	OrdersRead,
	OrdersWrite,
	CustomersRead,
	CustomersWrite,
	InventoryRead,
	InventoryWrite,
	AnalyticsRead,
)

// Permission returns the permission the scope grants.
func (s Scope) Permission() Permission {
	return Permission(s)
}

// Valid reports whether s may be granted to an API key.
func (s Scope) Valid() bool {
	return scopable.Has(Permission(s))
}

// String returns the wire form of s.
func (s Scope) String() string {
	return Permission(s).String()
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, Permission(s))
	}
	return Permission(s).MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// AllScopes returns every grantable scope in declaration order.
func AllScopes() []Scope {
	perms := scopable.Slice()
	out := make([]Scope, len(perms))
	for i, p := range perms {
		out[i] = Scope(p)
	}
	return out
}

// ParseScope maps a wire string to a Scope.
func ParseScope(v string) (Scope, error) {
	p, err := ParsePermission(v)
	if err != nil || !scopable.Has(p) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownScope, v)
	}
	return Scope(p), nil
}

// ParseScopes parses a scope list for a new API key. The list must be
// non-empty and must not repeat a scope.
func ParseScopes(values []string) ([]Scope, error) {
	if len(values) == 0 {
		return nil, ErrNoScopes
	}
	out := make([]Scope, 0, len(values))
	var seen Set
	for _, v := range values {
		s, err := ParseScope(v)
		if err != nil {
			return nil, err
		}
		if seen.Has(Permission(s)) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateScope, v)
		}
		seen = seen.With(Permission(s))
		out = append(out, s)
	}
	return out, nil
}

// ScopeStrings returns the wire form of each scope.
func ScopeStrings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = s.String()
	}
	return out
}

// PermissionsForScopes returns exactly the permissions named by scopes.
// API key principals are not bound to any user role.
func PermissionsForScopes(scopes []Scope) Set {
	var set Set
	for _, s := range scopes {
		if s.Valid() {
			set = set.With(Permission(s))
		}
	}
	return set
}
