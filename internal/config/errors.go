package config

import "errors"

// ErrNotFound is returned when a requested resource does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("conflict")

// ErrLastOwner is returned when a role change or deactivation would leave a
// store without an active OWNER.
var ErrLastOwner = errors.New("store must keep at least one active owner")
