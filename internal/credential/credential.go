// Package credential hashes and verifies secrets: user passwords (bcrypt) and
// API key secrets (Argon2id). Verification fails closed: every internal error
// is reported as a mismatch, and plaintext is never retained or logged.
package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/bcrypt"
)

// ErrEmptySecret is returned when hashing an empty secret.
var ErrEmptySecret = errors.New("secret is empty")

// DefaultParams are the OWASP minimum Argon2id parameters.
var DefaultParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher creates stored hashes for new credentials.
type Hasher struct {
	params     *argon2id.Params
	bcryptCost int
}

// NewHasher returns a Hasher. A nil params uses DefaultParams and a
// non-positive bcryptCost uses bcrypt.DefaultCost.
func NewHasher(params *argon2id.Params, bcryptCost int) *Hasher {
	if params == nil {
		params = DefaultParams
	}
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Hasher{params: params, bcryptCost: bcryptCost}
}

// HashPassword returns the bcrypt hash of password.
func (h *Hasher) HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptySecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// HashAPIKeySecret returns the Argon2id PHC-format hash of an API key.
func (h *Hasher) HashAPIKeySecret(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	hash, err := argon2id.CreateHash(secret, h.params)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return hash, nil
}

// VerifyPassword reports whether plaintext matches a bcrypt storedHash.
func VerifyPassword(plaintext, storedHash string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plaintext)) == nil
}

// VerifyAPIKeySecret reports whether plaintext matches an Argon2id
// storedHash. The argon2 package panics on some malformed parameter sets;
// those are recovered and reported as a mismatch.
func VerifyAPIKeySecret(plaintext, storedHash string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if storedHash == "" {
		return false
	}
	match, err := argon2id.ComparePasswordAndHash(plaintext, storedHash)
	if err != nil {
		return false
	}
	return match
}

// Equal compares two secrets in constant time. Both sides are digested
// first so the comparison time does not depend on either length.
func Equal(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}
