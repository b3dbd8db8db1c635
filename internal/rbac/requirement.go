package rbac

// Mode selects how a requirement's permission list is evaluated.
type Mode int

const (
	// RequireAll needs every listed permission.
	RequireAll Mode = iota
	// RequireAny needs at least one listed permission.
	RequireAny
)

// String returns "all" or "any".
func (m Mode) String() string {
	if m == RequireAny {
		return "any"
	}
	return "all"
}

// Requirement is the access rule a route declares at registration time.
// The zero value admits any authenticated principal.
type Requirement struct {
	// Public routes skip authentication entirely.
	Public bool
	// Permissions the principal must hold, evaluated according to Mode.
	Permissions []Permission
	Mode        Mode
	// Roles, when non-empty, restricts the route to user sessions whose role
	// is listed. API key principals carry no role and never match.
	Roles []Role
}

// PublicRoute admits unauthenticated requests.
func PublicRoute() Requirement {
	return Requirement{Public: true}
}

// Authenticated admits any authenticated principal.
func Authenticated() Requirement {
	return Requirement{}
}

// AllOf requires every listed permission.
func AllOf(perms ...Permission) Requirement {
	return Requirement{Permissions: perms, Mode: RequireAll}
}

// AnyOf requires at least one listed permission.
func AnyOf(perms ...Permission) Requirement {
	return Requirement{Permissions: perms, Mode: RequireAny}
}

// WithRoles returns a copy of r that also restricts the allowed roles.
func (r Requirement) WithRoles(roles ...Role) Requirement {
	r.Roles = append([]Role(nil), roles...)
	return r
}

// HasRequired reports whether perms satisfies required under mode. An empty
// required list is always satisfied.
func HasRequired(perms Set, required []Permission, mode Mode) bool {
	if len(required) == 0 {
		return true
	}
	if mode == RequireAny {
		return perms.HasAny(required...)
	}
	return perms.HasAll(required...)
}

// Allows evaluates the requirement against a principal's role and resolved
// permissions. role is empty for API key principals.
func (r Requirement) Allows(role Role, perms Set) bool {
	if r.Public {
		return true
	}
	if !r.AllowsRole(role) {
		return false
	}
	return HasRequired(perms, r.Permissions, r.Mode)
}

// AllowsRole reports whether role passes the requirement's role restriction.
// A requirement without roles admits every principal.
func (r Requirement) AllowsRole(role Role) bool {
	if len(r.Roles) == 0 {
		return true
	}
	if role == "" {
		return false
	}
	for _, allowed := range r.Roles {
		if allowed == role {
			return true
		}
	}
	return false
}

// PermissionStrings returns the declared permissions in wire form.
func (r Requirement) PermissionStrings() []string {
	out := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		out[i] = p.String()
	}
	return out
}

// RoleStrings returns the declared roles in wire form.
func (r Requirement) RoleStrings() []string {
	out := make([]string, len(r.Roles))
	for i, role := range r.Roles {
		out[i] = string(role)
	}
	return out
}
