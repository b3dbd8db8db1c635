// Package token issues and verifies the HS256-signed access and refresh
// tokens used for user sessions.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trafi/trafi/internal/rbac"
)

// Type is the token type discriminator carried in the "type" claim.
type Type string

const (
	TypeSession Type = "session"
	TypeAPIKey  Type = "api_key"
	TypeRefresh Type = "refresh"
)

// ErrRejected is wrapped by every verification failure. The specific
// category is for logs and metrics only; callers answer with a generic 401.
var ErrRejected = errors.New("token rejected")

var (
	ErrMalformed        = fmt.Errorf("%w: malformed", ErrRejected)
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrRejected)
	ErrExpired          = fmt.Errorf("%w: expired", ErrRejected)
	ErrWrongType        = fmt.Errorf("%w: wrong type", ErrRejected)
	ErrSubjectInvalid   = fmt.Errorf("%w: subject no longer valid", ErrRejected)
)

// ErrNoSecret is returned by New when no signing secret is configured.
var ErrNoSecret = errors.New("token signing secret is empty")

// Reason returns a short label for a verification error, suitable for logs
// and metric labels.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrWrongType):
		return "wrong_type"
	case errors.Is(err, ErrSubjectInvalid):
		return "subject_invalid"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "internal"
	}
}

// Claims is the signed payload of both token kinds. Refresh tokens leave
// Role and Permissions empty, so they are omitted on the wire.
type Claims struct {
	TenantID    string   `json:"tenantId"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Type        Type     `json:"type"`
	jwt.RegisteredClaims
}

// PermissionSet parses the permission claim. Unknown entries are an error.
func (c *Claims) PermissionSet() (rbac.Set, error) {
	return rbac.ParsePermissions(c.Permissions)
}

// AccessClaims are the inputs for a new access token.
type AccessClaims struct {
	Subject     string
	TenantID    string
	Role        rbac.Role
	Permissions rbac.Set
}

// Subject is the current state of a token subject, as re-derived at refresh.
type Subject struct {
	ID       string
	TenantID string
	Role     rbac.Role
}

// SubjectResolver looks up the current role of a refresh token's subject.
// It returns an error when the subject no longer exists or may not sign in.
type SubjectResolver interface {
	ResolveSubject(ctx context.Context, subjectID, tenantID string) (Subject, error)
}

// Pair is an access and refresh token issued together.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int    `json:"expiresIn"`
}

// Config holds the token service settings.
type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the time source used for issuance and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service issues and verifies tokens. It holds no mutable state and is safe
// for concurrent use.
type Service struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	now        func() time.Time
}

// New creates a Service. The secret is copied.
func New(cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNoSecret
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token ttl must be greater than zero")
	}
	s := &Service{
		secret:     append([]byte(nil), cfg.Secret...),
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// IssueAccessToken signs a session access token for the given claims.
func (s *Service) IssueAccessToken(c AccessClaims) (string, error) {
	if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.TenantID) == "" {
		return "", errors.New("subject and tenant are required")
	}
	if !c.Role.Valid() {
		return "", fmt.Errorf("%w: %q", rbac.ErrUnknownRole, string(c.Role))
	}
	return s.sign(Claims{
		TenantID:    c.TenantID,
		Role:        string(c.Role),
		Permissions: c.Permissions.Strings(),
		Type:        TypeSession,
	}, c.Subject, s.accessTTL)
}

// IssueRefreshToken signs a refresh token. It carries identity only.
func (s *Service) IssueRefreshToken(subjectID, tenantID string) (string, error) {
	if strings.TrimSpace(subjectID) == "" || strings.TrimSpace(tenantID) == "" {
		return "", errors.New("subject and tenant are required")
	}
	return s.sign(Claims{
		TenantID: tenantID,
		Type:     TypeRefresh,
	}, subjectID, s.refreshTTL)
}

// IssuePair issues a fresh access and refresh token for subject, with the
// access token carrying the role's current permissions.
func (s *Service) IssuePair(subject Subject) (Pair, error) {
	access, err := s.IssueAccessToken(AccessClaims{
		Subject:     subject.ID,
		TenantID:    subject.TenantID,
		Role:        subject.Role,
		Permissions: rbac.PermissionsForRole(subject.Role),
	})
	if err != nil {
		return Pair{}, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := s.IssueRefreshToken(subject.ID, subject.TenantID)
	if err != nil {
		return Pair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) sign(claims Claims, subject string, ttl time.Duration) (string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, the expiry, and that the type claim equals
// expected. Every failure wraps ErrRejected.
func (s *Service) Verify(tokenStr string, expected Type) (*Claims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrMalformed
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}

	if claims.Type != expected {
		return nil, ErrWrongType
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.TenantID) == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}

// VerifyAccess verifies a session access token.
func (s *Service) VerifyAccess(tokenStr string) (*Claims, error) {
	return s.Verify(tokenStr, TypeSession)
}

// VerifyRefresh verifies a refresh token.
func (s *Service) VerifyRefresh(tokenStr string) (*Claims, error) {
	return s.Verify(tokenStr, TypeRefresh)
}

// Rotate redeems a refresh token for a new pair. The subject's role is read
// from resolver rather than from the token, so privilege changes apply from
// the next refresh. The presented refresh token stays valid until its own
// expiry; there is no server-side denylist.
func (s *Service) Rotate(ctx context.Context, refreshToken string, resolver SubjectResolver) (Pair, error) {
	claims, err := s.VerifyRefresh(refreshToken)
	if err != nil {
		return Pair{}, err
	}
	subject, err := resolver.ResolveSubject(ctx, claims.Subject, claims.TenantID)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %v", ErrSubjectInvalid, err)
	}
	if subject.ID != claims.Subject || subject.TenantID != claims.TenantID || !subject.Role.Valid() {
		return Pair{}, ErrSubjectInvalid
	}
	return s.IssuePair(subject)
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrMalformed
	}
}
