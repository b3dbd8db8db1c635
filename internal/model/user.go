package model

import (
	"time"

	"github.com/trafi/trafi/internal/rbac"
)

// User is a dashboard user belonging to one store. Passwords are stored as
// bcrypt hashes.
type User struct {
	ID           string     `json:"id" db:"id"`
	TenantID     string     `json:"tenantId" db:"tenant_id"`
	Email        string     `json:"email" db:"email"`
	Name         string     `json:"name" db:"name"`
	PasswordHash string     `json:"-" db:"password_hash"` // bcrypt hash, never expose
	Role         rbac.Role  `json:"role" db:"role"`
	IsActive     bool       `json:"isActive" db:"is_active"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty" db:"last_login_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}
