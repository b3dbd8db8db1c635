// Package rbac holds the static permission model: the closed permission
// vocabulary, the role and API-key scope tables, and the requirement checks
// the request pipeline evaluates for every route.
package rbac

import (
	"errors"
	"fmt"
)

// ErrUnknownPermission is returned when a string does not name a permission.
var ErrUnknownPermission = errors.New("unknown permission")

// Permission is a fine-grained capability. The set of permissions is closed;
// the wire form is the "resource:action" string.
type Permission uint8

const (
	ProductsRead Permission = iota
	ProductsWrite
	OrdersRead
	OrdersWrite
	CustomersRead
	CustomersWrite
	InventoryRead
	InventoryWrite
	AnalyticsRead
	SettingsRead
	SettingsWrite
	UsersRead
	UsersInvite
	UsersManage
	APIKeysRead
	APIKeysManage
	StoreDelete

	numPermissions
)

var permissionNames = [...]string{
	ProductsRead:   "products:read",
	ProductsWrite:  "products:write",
	OrdersRead:     "orders:read",
	OrdersWrite:    "orders:write",
	CustomersRead:  "customers:read",
	CustomersWrite: "customers:write",
	InventoryRead:  "inventory:read",
	InventoryWrite: "inventory:write",
	AnalyticsRead:  "analytics:read",
	SettingsRead:   "settings:read",
	SettingsWrite:  "settings:write",
	UsersRead:      "users:read",
	UsersInvite:    "users:invite",
	UsersManage:    "users:manage",
	APIKeysRead:    "api_keys:read",
	APIKeysManage:  "api_keys:manage",
	StoreDelete:    "store:delete",
}

// Every permission constant must have a name; this fails to compile otherwise.
var _ = [1]struct{}{}[len(permissionNames)-int(numPermissions)]

// The bitset representation caps the vocabulary at 64 entries.
var _ = [64 - numPermissions]struct{}{}

var permissionsByName = func() map[string]Permission {
	m := make(map[string]Permission, numPermissions)
	for p, name := range permissionNames {
		m[name] = Permission(p)
	}
	return m
}()

// String returns the wire form of p.
func (p Permission) String() string {
	if !p.Valid() {
		return fmt.Sprintf("permission(%d)", uint8(p))
	}
	return permissionNames[p]
}

// Valid reports whether p is a defined permission.
func (p Permission) Valid() bool {
	return p < numPermissions
}

// ParsePermission maps a wire string to a Permission.
func ParsePermission(s string) (Permission, error) {
	p, ok := permissionsByName[s]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPermission, s)
	}
	return p, nil
}

// ParsePermissions parses a list of wire strings, failing on the first
// unknown entry.
func ParsePermissions(values []string) (Set, error) {
	var set Set
	for _, v := range values {
		p, err := ParsePermission(v)
		if err != nil {
			return 0, err
		}
		set = set.With(p)
	}
	return set, nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Permission) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPermission, uint8(p))
	}
	return []byte(permissionNames[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Permission) UnmarshalText(text []byte) error {
	parsed, err := ParsePermission(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// AllPermissions returns every defined permission in declaration order.
func AllPermissions() []Permission {
	out := make([]Permission, numPermissions)
	for i := range out {
		out[i] = Permission(i)
	}
	return out
}
