package rbac

import (
	"errors"
	"fmt"
)

// ErrUnknownRole is returned when a string does not name a role.
var ErrUnknownRole = errors.New("unknown role")

// Role is a user role within a tenant.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

// Roles lists every role from most to least privileged.
var Roles = []Role{RoleOwner, RoleAdmin, RoleEditor, RoleViewer}

var viewerPermissions = NewSet(
	ProductsRead,
	OrdersRead,
	CustomersRead,
	InventoryRead,
	AnalyticsRead,
)

var editorPermissions = NewSet(
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

var adminPermissions = NewSet(
	ProductsRead,
	ProductsWrite,
	OrdersRead,
	OrdersWrite,
	CustomersRead,
	CustomersWrite,
	InventoryRead,
	InventoryWrite,
	AnalyticsRead,
	SettingsRead,
	SettingsWrite,
	UsersRead,
	UsersInvite,
	APIKeysRead,
	APIKeysManage,
)

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

// ParseRole maps a wire string to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// PermissionsForRole returns the fixed permission set of role. OWNER always
// resolves to every permission. It panics on an undefined role: roles reach
// this function only after ParseRole or from a constant.
func PermissionsForRole(role Role) Set {
	switch role {
	case RoleOwner:
		return All()
	case RoleAdmin:
		return adminPermissions
	case RoleEditor:
		return editorPermissions
	case RoleViewer:
		return viewerPermissions
	default:
		panic(fmt.Sprintf("rbac: permissions requested for undefined role %q", string(role)))
	}
}
