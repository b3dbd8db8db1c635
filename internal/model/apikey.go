package model

import (
	"time"

	"github.com/trafi/trafi/internal/rbac"
)

// APIKey is a stored API key record. The plaintext key is shown once at
// creation and never persisted; only its Argon2id hash, a lookup prefix and
// the last four characters are kept.
type APIKey struct {
	ID            string       `json:"id" db:"id"`
	TenantID      string       `json:"-" db:"tenant_id"`
	Name          string       `json:"name" db:"name"`
	KeyPrefix     string       `json:"keyPrefix" db:"key_prefix"`
	LastFourChars string       `json:"lastFourChars" db:"last_four"`
	SecretHash    string       `json:"-" db:"secret_hash"` // argon2id PHC string, never expose
	Scopes        []rbac.Scope `json:"scopes" db:"-"`
	CreatedAt     time.Time    `json:"createdAt" db:"created_at"`
	ExpiresAt     *time.Time   `json:"expiresAt" db:"expires_at"`
	LastUsedAt    *time.Time   `json:"lastUsedAt" db:"last_used_at"`
	RevokedAt     *time.Time   `json:"revokedAt" db:"revoked_at"`
}

// IsRevoked reports whether the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsExpired reports whether the key's expiry is at or before now. Keys without
// an expiry never expire.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// APIKeyFilter narrows an API key listing.
type APIKeyFilter struct {
	IncludeRevoked bool
	Limit          int
	Offset         int
}
