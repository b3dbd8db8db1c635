package rbac

import "encoding/json"

// Set is an immutable set of permissions. Methods return new values and never
// modify the receiver, so a Set can be shared freely between goroutines.
type Set uint64

// NewSet returns a Set holding the given permissions.
func NewSet(perms ...Permission) Set {
	var s Set
	for _, p := range perms {
		s = s.With(p)
	}
	return s
}

// All returns the set of every defined permission.
func All() Set {
	return Set(1<<uint(numPermissions) - 1)
}

// With returns s plus p. Undefined permissions are ignored.
func (s Set) With(p Permission) Set {
	if !p.Valid() {
		return s
	}
	return s | 1<<uint(p)
}

// Has reports whether p is in s.
func (s Set) Has(p Permission) bool {
	return p.Valid() && s&(1<<uint(p)) != 0
}

// HasAll reports whether every permission in perms is in s.
func (s Set) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one permission in perms is in s. It is
// false for an empty perms list.
func (s Set) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// Union returns the permissions in either s or o.
func (s Set) Union(o Set) Set {
	return s | o
}

// IsSubsetOf reports whether every permission in s is also in o.
func (s Set) IsSubsetOf(o Set) bool {
	return s&^o == 0
}

// Len returns the number of permissions in s.
func (s Set) Len() int {
	n := 0
	for v := s & All(); v != 0; v &= v - 1 {
		n++
	}
	return n
}

// Slice returns the permissions in s in declaration order.
func (s Set) Slice() []Permission {
	out := make([]Permission, 0, s.Len())
	for p := Permission(0); p < numPermissions; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Strings returns the wire form of every permission in s, in declaration order.
func (s Set) Strings() []string {
	perms := s.Slice()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}

// MarshalJSON encodes s as an array of permission strings.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes an array of permission strings.
func (s *Set) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	parsed, err := ParsePermissions(values)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
