package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trafi/trafi/internal/apikey"
	"github.com/trafi/trafi/internal/auth"
	"github.com/trafi/trafi/internal/config"
	"github.com/trafi/trafi/internal/credential"
	"github.com/trafi/trafi/internal/model"
	"github.com/trafi/trafi/internal/rbac"
	"github.com/trafi/trafi/internal/token"
)

// ErrInvalidCredentials is wrapped by every login failure. Clients only ever
// see the generic message.
var ErrInvalidCredentials = errors.New("invalid credentials")

var (
	ErrUnknownUser  = fmt.Errorf("%w: unknown user", ErrInvalidCredentials)
	ErrBadPassword  = fmt.Errorf("%w: password mismatch", ErrInvalidCredentials)
	ErrUserInactive = fmt.Errorf("%w: user inactive", ErrInvalidCredentials)
)

// User management errors.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrEmailTaken     = errors.New("email already registered")
	ErrRoleEscalation = errors.New("only an owner can grant the OWNER role")
)

// LoginReason returns a short label for a login error.
func LoginReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, ErrBadPassword):
		return "bad_password"
	case errors.Is(err, ErrUserInactive):
		return "inactive"
	default:
		return "internal"
	}
}

// AuthService ties together the user store, the token service, and the API
// key manager. It is the Authenticator used by the HTTP middleware.
type AuthService struct {
	store     *config.Store
	tokens    *token.Service
	keys      *apikey.Manager
	hasher    *credential.Hasher
	dummyHash string
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an AuthService.
type Option func(*AuthService)

// WithClock replaces the time source used for last-login timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *AuthService) { s.logger = l }
}

// NewAuthService creates an AuthService. It hashes one throwaway password so
// that logins for unknown emails cost the same as a wrong password.
func NewAuthService(store *config.Store, tokens *token.Service, keys *apikey.Manager, hasher *credential.Hasher, opts ...Option) (*AuthService, error) {
	dummy, err := hasher.HashPassword("trafi-login-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy password hash: %w", err)
	}
	s := &AuthService{
		store:     store,
		tokens:    tokens,
		keys:      keys,
		hasher:    hasher,
		dummyHash: dummy,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Tokens returns the token service.
func (s *AuthService) Tokens() *token.Service {
	return s.tokens
}

// Login checks an email and password and issues a token pair.
func (s *AuthService) Login(ctx context.Context, email, password string) (token.Pair, *model.User, error) {
	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, config.ErrNotFound) {
		credential.VerifyPassword(password, s.dummyHash)
		return token.Pair{}, nil, ErrUnknownUser
	}
	if err != nil {
		return token.Pair{}, nil, fmt.Errorf("look up user: %w", err)
	}
	if !credential.VerifyPassword(password, user.PasswordHash) {
		return token.Pair{}, nil, ErrBadPassword
	}
	if !user.IsActive {
		return token.Pair{}, nil, ErrUserInactive
	}

	pair, err := s.tokens.IssuePair(subjectOf(user))
	if err != nil {
		return token.Pair{}, nil, err
	}

	now := s.now().UTC()
	if err := s.store.UpdateUserLastLogin(ctx, user.ID, now); err != nil {
		s.logger.Warn("failed to record last login", "user_id", user.ID, "error", err)
	} else {
		user.LastLoginAt = &now
	}
	return pair, user, nil
}

// Refresh redeems a refresh token for a new pair carrying the user's
// current role.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (token.Pair, error) {
	return s.tokens.Rotate(ctx, refreshToken, s)
}

// IssueForUser mints a token pair for an active user without a password.
// It backs the operator CLI.
func (s *AuthService) IssueForUser(ctx context.Context, userID string) (token.Pair, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, config.ErrNotFound) {
		return token.Pair{}, ErrUserNotFound
	}
	if err != nil {
		return token.Pair{}, fmt.Errorf("look up user: %w", err)
	}
	if !user.IsActive {
		return token.Pair{}, ErrUserInactive
	}
	return s.tokens.IssuePair(subjectOf(user))
}

// ResolveSubject implements token.SubjectResolver.
func (s *AuthService) ResolveSubject(ctx context.Context, subjectID, tenantID string) (token.Subject, error) {
	user, err := s.store.GetUser(ctx, subjectID)
	if err != nil {
		return token.Subject{}, err
	}
	if user.TenantID != tenantID {
		return token.Subject{}, errors.New("tenant mismatch")
	}
	if !user.IsActive {
		return token.Subject{}, errors.New("user inactive")
	}
	return subjectOf(user), nil
}

// AuthenticateBearer verifies a session access token. Permissions come from
// the token claims, so role changes apply once the client refreshes.
func (s *AuthService) AuthenticateBearer(ctx context.Context, accessToken string) (auth.Principal, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return auth.Principal{}, err
	}
	role, err := rbac.ParseRole(claims.Role)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("%w: %v", token.ErrMalformed, err)
	}
	perms, err := claims.PermissionSet()
	if err != nil {
		return auth.Principal{}, fmt.Errorf("%w: %v", token.ErrMalformed, err)
	}
	return auth.Principal{
		ID:          claims.Subject,
		TenantID:    claims.TenantID,
		Kind:        auth.KindSession,
		Role:        role,
		Permissions: perms,
	}, nil
}

// AuthenticateAPIKey verifies a presented API key.
func (s *AuthService) AuthenticateAPIKey(ctx context.Context, presented string) (auth.Principal, error) {
	return s.keys.Authenticate(ctx, presented)
}

// CreateUserInput describes a new user.
type CreateUserInput struct {
	TenantID string
	Email    string
	Name     string
	Password string
	Role     rbac.Role
}

// CreateUser adds a user to a tenant.
func (s *AuthService) CreateUser(ctx context.Context, in CreateUserInput) (*model.User, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, errors.New("tenant is required")
	}
	if !in.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", rbac.ErrUnknownRole, string(in.Role))
	}
	hash, err := s.hasher.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}

	user := &model.User{
		ID:           id.String(),
		TenantID:     in.TenantID,
		Email:        normalizeEmail(in.Email),
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		Role:         in.Role,
		IsActive:     true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, config.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return user, nil
}

// InviteUser creates a user in the actor's tenant. Only owners may create
// other owners.
func (s *AuthService) InviteUser(ctx context.Context, actor auth.Principal, in CreateUserInput) (*model.User, error) {
	if in.Role == rbac.RoleOwner && actor.Role != rbac.RoleOwner {
		return nil, ErrRoleEscalation
	}
	in.TenantID = actor.TenantID
	return s.CreateUser(ctx, in)
}

// ListUsers returns the users of a tenant.
func (s *AuthService) ListUsers(ctx context.Context, tenantID string) ([]model.User, error) {
	return s.store.ListUsers(ctx, tenantID)
}

// ChangeRole sets a user's role. The new permissions reach the user's
// sessions at their next refresh. The last active owner cannot be demoted.
func (s *AuthService) ChangeRole(ctx context.Context, tenantID, userID string, role rbac.Role) (*model.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", rbac.ErrUnknownRole, string(role))
	}
	user, err := s.store.UpdateUserRole(ctx, tenantID, userID, role)
	if errors.Is(err, config.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// SetUserActive enables or disables a user. A disabled user keeps any
// access token until it expires, but cannot sign in or refresh. The last
// active owner cannot be disabled.
func (s *AuthService) SetUserActive(ctx context.Context, tenantID, userID string, active bool) (*model.User, error) {
	user, err := s.store.SetUserActive(ctx, tenantID, userID, active)
	if errors.Is(err, config.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("user active changed", "user_id", user.ID, "tenant_id", tenantID, "active", active)
	return user, nil
}

func subjectOf(u *model.User) token.Subject {
	return token.Subject{ID: u.ID, TenantID: u.TenantID, Role: u.Role}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
