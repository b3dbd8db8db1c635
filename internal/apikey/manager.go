// Package apikey creates, authenticates, lists, and revokes the long-lived
// API keys used by programmatic clients.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trafi/trafi/internal/auth"
	"github.com/trafi/trafi/internal/config"
	"github.com/trafi/trafi/internal/credential"
	"github.com/trafi/trafi/internal/model"
	"github.com/trafi/trafi/internal/rbac"
)

// Literal is the fixed prefix of every plaintext key.
const Literal = "trafi_sk_"

const (
	secretBytes    = 32
	prefixHexChars = 8
	createAttempts = 3

	// DefaultLimit and MaxLimit bound List page sizes.
	DefaultLimit = 20
	MaxLimit     = 100

	// maxPage keeps (page-1)*limit from overflowing.
	maxPage = math.MaxInt / MaxLimit

	defaultTouchQueue = 256
	touchTimeout      = 5 * time.Second
)

var keyPattern = regexp.MustCompile(`^trafi_sk_[a-f0-9]{64}$`)

// ErrInvalidKey is wrapped by every authentication failure. Callers answer
// with a generic 401; the wrapped category is for logs and metrics.
var ErrInvalidKey = errors.New("invalid api key")

var (
	ErrMalformedKey   = fmt.Errorf("%w: malformed", ErrInvalidKey)
	ErrUnknownKey     = fmt.Errorf("%w: unknown prefix", ErrInvalidKey)
	ErrRevoked        = fmt.Errorf("%w: revoked", ErrInvalidKey)
	ErrExpired        = fmt.Errorf("%w: expired", ErrInvalidKey)
	ErrSecretMismatch = fmt.Errorf("%w: secret mismatch", ErrInvalidKey)
	errLookupFailed   = fmt.Errorf("%w: lookup failed", ErrInvalidKey)
)

// Management errors.
var (
	ErrNotFound      = errors.New("api key not found")
	ErrNameRequired  = errors.New("api key name is required")
	ErrExpiryInPast  = errors.New("api key expiry must be in the future")
	ErrTenantMissing = errors.New("tenant is required")
)

// Reason returns a short label for an authentication error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedKey):
		return "malformed"
	case errors.Is(err, ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrSecretMismatch):
		return "secret_mismatch"
	default:
		return "internal"
	}
}

// Store is the persistence the manager needs. *config.Store satisfies it.
type Store interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context, tenantID string, f model.APIKeyFilter) ([]model.APIKey, int64, error)
	RevokeAPIKey(ctx context.Context, tenantID, id string, at time.Time) (*model.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// CreateInput describes a new key.
type CreateInput struct {
	TenantID  string
	Name      string
	Scopes    []string
	ExpiresAt *time.Time
}

// Created is the result of Create. Plaintext is returned exactly once and
// is not recoverable afterwards.
type Created struct {
	Key       model.APIKey
	Plaintext string
}

// ListOptions selects one page of a tenant's keys. Page starts at 1.
type ListOptions struct {
	Page           int
	Limit          int
	IncludeRevoked bool
}

// Page is one page of keys, newest first.
type Page struct {
	Keys  []model.APIKey
	Total int64
	Page  int
	Limit int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRandom replaces the source of key material.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.random = r }
}

// WithLogger sets the logger used by the last-used worker.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTouchQueue sets the capacity of the last-used queue.
func WithTouchQueue(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.queueSize = size
		}
	}
}

// OnTouchDropped registers a callback invoked when a last-used update is
// discarded because the queue is full.
func OnTouchDropped(fn func()) Option {
	return func(m *Manager) { m.onDrop = fn }
}

type touch struct {
	id string
	at time.Time
}

// Manager owns the API key lifecycle. lastUsedAt updates are written by a
// single background worker; call Close to stop it.
type Manager struct {
	store     Store
	hasher    *credential.Hasher
	now       func() time.Time
	random    io.Reader
	logger    *slog.Logger
	onDrop    func()
	queueSize int

	touches   chan touch
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a Manager and starts its last-used worker.
func NewManager(store Store, hasher *credential.Hasher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		hasher:    hasher,
		now:       time.Now,
		random:    rand.Reader,
		logger:    slog.Default(),
		onDrop:    func() {},
		queueSize: defaultTouchQueue,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.touches = make(chan touch, m.queueSize)

	m.wg.Add(1)
	go m.touchLoop()
	return m
}

// Close stops the last-used worker after applying queued updates.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

// Create generates a key, stores its hash, and returns the plaintext once.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Created, error) {
	name := strings.TrimSpace(in.Name)
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, ErrTenantMissing
	}
	if name == "" {
		return nil, ErrNameRequired
	}
	scopes, err := rbac.ParseScopes(in.Scopes)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	var expiresAt *time.Time
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return nil, ErrExpiryInPast
		}
		e := in.ExpiresAt.UTC()
		expiresAt = &e
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		plaintext, prefix, lastFour, err := m.generate()
		if err != nil {
			return nil, err
		}
		hash, err := m.hasher.HashAPIKeySecret(plaintext)
		if err != nil {
			return nil, fmt.Errorf("hash api key: %w", err)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate api key id: %w", err)
		}

		key := model.APIKey{
			ID:            id.String(),
			TenantID:      in.TenantID,
			Name:          name,
			KeyPrefix:     prefix,
			LastFourChars: lastFour,
			SecretHash:    hash,
			Scopes:        scopes,
			CreatedAt:     now,
			ExpiresAt:     expiresAt,
		}
		err = m.store.CreateAPIKey(ctx, &key)
		if errors.Is(err, config.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store api key: %w", err)
		}
		return &Created{Key: key, Plaintext: plaintext}, nil
	}
	return nil, errors.New("could not allocate a unique api key prefix")
}

func (m *Manager) generate() (plaintext, prefix, lastFour string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(m.random, buf); err != nil {
		return "", "", "", fmt.Errorf("read key material: %w", err)
	}
	secret := hex.EncodeToString(buf)
	return Literal + secret, Literal + secret[:prefixHexChars], secret[len(secret)-4:], nil
}

// FindActiveByPrefix returns the key with the given prefix if it is neither
// revoked nor expired.
func (m *Manager) FindActiveByPrefix(ctx context.Context, prefix string) (*model.APIKey, error) {
	key, err := m.store.GetAPIKeyByPrefix(ctx, prefix)
	if errors.Is(err, config.ErrNotFound) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errLookupFailed, err)
	}
	if key.IsRevoked() {
		return nil, ErrRevoked
	}
	if key.IsExpired(m.now()) {
		return nil, ErrExpired
	}
	return key, nil
}

// Authenticate verifies a presented key and returns its principal. Every
// failure wraps ErrInvalidKey and never carries the secret or its hash.
func (m *Manager) Authenticate(ctx context.Context, presented string) (auth.Principal, error) {
	if !keyPattern.MatchString(presented) {
		return auth.Principal{}, ErrMalformedKey
	}
	key, err := m.FindActiveByPrefix(ctx, presented[:len(Literal)+prefixHexChars])
	if err != nil {
		return auth.Principal{}, err
	}
	if !credential.VerifyAPIKeySecret(presented, key.SecretHash) {
		return auth.Principal{}, ErrSecretMismatch
	}

	m.touch(key.ID)

	return auth.Principal{
		ID:          key.ID,
		TenantID:    key.TenantID,
		Kind:        auth.KindAPIKey,
		Scopes:      key.Scopes,
		Permissions: rbac.PermissionsForScopes(key.Scopes),
		KeyID:       key.ID,
	}, nil
}

// Revoke marks a tenant's key revoked. Revoking an already revoked key
// succeeds and keeps the original revocation time.
func (m *Manager) Revoke(ctx context.Context, tenantID, keyID string) (*model.APIKey, error) {
	key, err := m.store.RevokeAPIKey(ctx, tenantID, keyID, m.now().UTC())
	if errors.Is(err, config.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("revoke api key: %w", err)
	}
	return key, nil
}

// List returns one page of a tenant's keys, newest first.
func (m *Manager) List(ctx context.Context, tenantID string, opts ListOptions) (*Page, error) {
	page, limit := normalizePage(opts.Page, opts.Limit)
	keys, total, err := m.store.ListAPIKeys(ctx, tenantID, model.APIKeyFilter{
		IncludeRevoked: opts.IncludeRevoked,
		Limit:          limit,
		Offset:         (page - 1) * limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return &Page{Keys: keys, Total: total, Page: page, Limit: limit}, nil
}

func normalizePage(page, limit int) (int, int) {
	switch {
	case page < 1:
		page = 1
	case page > maxPage:
		page = maxPage
	}
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit < 1:
		limit = 1
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return page, limit
}

// touch queues a best-effort lastUsedAt update. A full queue drops it.
func (m *Manager) touch(id string) {
	t := touch{id: id, at: m.now().UTC()}
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.touches <- t:
	default:
		m.onDrop()
		m.logger.Debug("api key last-used update dropped", "key_id", id)
	}
}

func (m *Manager) touchLoop() {
	defer m.wg.Done()
	for {
		select {
		case t := <-m.touches:
			m.applyTouch(t)
		case <-m.done:
			for {
				select {
				case t := <-m.touches:
					m.applyTouch(t)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) applyTouch(t touch) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := m.store.TouchAPIKey(ctx, t.id, t.at); err != nil {
		m.logger.Warn("api key last-used update failed", "key_id", t.id, "error", err)
	}
}
