package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/trafi/trafi/internal/model"
	"github.com/trafi/trafi/internal/rbac"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store persists users, API keys, and store settings. It runs on SQLite by
// default and on PostgreSQL when configured. All queries are written with
// "?" placeholders and rebound for the active driver.
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore creates a new SQLite-backed store. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "trafi.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	return newStore(db, DriverSQLite)
}

// NewPostgresStore connects to PostgreSQL through the pgx stdlib driver.
func NewPostgresStore(dsn string, maxOpenConns int) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return newStore(db, DriverPostgres)
}

// Open creates the store selected by cfg.
func Open(cfg DatabaseConfig) (*Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return NewStore(cfg.DataDir)
	case DriverPostgres:
		return NewPostgresStore(cfg.DSN, cfg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func newStore(db *sqlx.DB, driver string) (*Store, error) {
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Driver returns the name of the active database driver.
func (s *Store) Driver() string {
	return s.driver
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rebind(q string) string {
	return s.db.Rebind(q)
}

// isUniqueViolation reports whether err is a unique constraint failure on
// either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, tenant_id, email, name, password_hash, role, is_active,
	last_login_at, created_at, updated_at`

// CreateUser inserts a new user. ID must be set by the caller; CreatedAt and
// UpdatedAt default to now. A duplicate email returns ErrConflict.
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt

	const q = `INSERT INTO users
		(id, tenant_id, email, name, password_hash, role, is_active, created_at, updated_at)
		VALUES
		(:id, :tenant_id, :email, :name, :password_hash, :role, :is_active, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, user); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	q := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	if err := s.db.GetContext(ctx, &user, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// GetUserByEmail returns a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	q := s.rebind("SELECT " + userColumns + " FROM users WHERE email = ?")
	if err := s.db.GetContext(ctx, &user, q, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &user, nil
}

// ListUsers returns the users of a tenant ordered by email.
func (s *Store) ListUsers(ctx context.Context, tenantID string) ([]model.User, error) {
	users := []model.User{}
	q := s.rebind("SELECT " + userColumns + " FROM users WHERE tenant_id = ? ORDER BY email")
	if err := s.db.SelectContext(ctx, &users, q, tenantID); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// HasAnyUser reports whether at least one user exists.
func (s *Store) HasAnyUser(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM users"); err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count > 0, nil
}

// UpdateUserRole changes the role of a user within a tenant. Demoting the
// last active OWNER returns ErrLastOwner.
func (s *Store) UpdateUserRole(ctx context.Context, tenantID, id string, role rbac.Role) (*model.User, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var user model.User
	q := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ? AND tenant_id = ?")
	if err := tx.GetContext(ctx, &user, q, id, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if user.Role == rbac.RoleOwner && role != rbac.RoleOwner && user.IsActive {
		if err := s.keepOwner(ctx, tx, tenantID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	uq := s.rebind("UPDATE users SET role = ?, updated_at = ? WHERE id = ? AND tenant_id = ?")
	if _, err := tx.ExecContext(ctx, uq, string(role), now, id, tenantID); err != nil {
		return nil, fmt.Errorf("update user role: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit user role: %w", err)
	}

	user.Role = role
	user.UpdatedAt = now
	return &user, nil
}

// SetUserActive enables or disables a user of tenantID. Disabled users
// cannot sign in or refresh. Disabling the last active OWNER returns
// ErrLastOwner.
func (s *Store) SetUserActive(ctx context.Context, tenantID, id string, active bool) (*model.User, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var user model.User
	q := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ? AND tenant_id = ?")
	if err := tx.GetContext(ctx, &user, q, id, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if user.Role == rbac.RoleOwner && user.IsActive && !active {
		if err := s.keepOwner(ctx, tx, tenantID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	uq := s.rebind("UPDATE users SET is_active = ?, updated_at = ? WHERE id = ? AND tenant_id = ?")
	if _, err := tx.ExecContext(ctx, uq, active, now, id, tenantID); err != nil {
		return nil, fmt.Errorf("update user active: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit user active: %w", err)
	}

	user.IsActive = active
	user.UpdatedAt = now
	return &user, nil
}

// keepOwner fails with ErrLastOwner when tenantID has at most one active
// OWNER.
func (s *Store) keepOwner(ctx context.Context, tx *sqlx.Tx, tenantID string) error {
	var owners int
	cq := s.rebind("SELECT COUNT(*) FROM users WHERE tenant_id = ? AND role = ? AND is_active = ?")
	if err := tx.GetContext(ctx, &owners, cq, tenantID, string(rbac.RoleOwner), true); err != nil {
		return fmt.Errorf("count owners: %w", err)
	}
	if owners <= 1 {
		return ErrLastOwner
	}
	return nil
}

// UpdateUserLastLogin sets the last_login_at timestamp for a user.
func (s *Store) UpdateUserLastLogin(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?"), at, at, id)
	if err != nil {
		return fmt.Errorf("update user last login: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user last login rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// apiKeyRow maps 1:1 to the api_keys table. Scopes are stored as a JSON
// array of permission strings.
type apiKeyRow struct {
	ID         string     `db:"id"`
	TenantID   string     `db:"tenant_id"`
	Name       string     `db:"name"`
	KeyPrefix  string     `db:"key_prefix"`
	LastFour   string     `db:"last_four"`
	SecretHash string     `db:"secret_hash"`
	ScopesJSON string     `db:"scopes_json"`
	CreatedAt  time.Time  `db:"created_at"`
	ExpiresAt  *time.Time `db:"expires_at"`
	LastUsedAt *time.Time `db:"last_used_at"`
	RevokedAt  *time.Time `db:"revoked_at"`
}

const apiKeyColumns = `id, tenant_id, name, key_prefix, last_four, secret_hash, scopes_json,
	created_at, expires_at, last_used_at, revoked_at`

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	scopes := k.Scopes
	if scopes == nil {
		scopes = []rbac.Scope{}
	}
	b, err := json.Marshal(scopes)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("marshal scopes: %w", err)
	}
	return apiKeyRow{
		ID:         k.ID,
		TenantID:   k.TenantID,
		Name:       k.Name,
		KeyPrefix:  k.KeyPrefix,
		LastFour:   k.LastFourChars,
		SecretHash: k.SecretHash,
		ScopesJSON: string(b),
		CreatedAt:  k.CreatedAt.UTC(),
		ExpiresAt:  utcPtr(k.ExpiresAt),
		LastUsedAt: utcPtr(k.LastUsedAt),
		RevokedAt:  utcPtr(k.RevokedAt),
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	scopes := []rbac.Scope{}
	if r.ScopesJSON != "" {
		if err := json.Unmarshal([]byte(r.ScopesJSON), &scopes); err != nil {
			return model.APIKey{}, fmt.Errorf("unmarshal scopes: %w", err)
		}
	}
	return model.APIKey{
		ID:            r.ID,
		TenantID:      r.TenantID,
		Name:          r.Name,
		KeyPrefix:     r.KeyPrefix,
		LastFourChars: r.LastFour,
		SecretHash:    r.SecretHash,
		Scopes:        scopes,
		CreatedAt:     r.CreatedAt.UTC(),
		ExpiresAt:     utcPtr(r.ExpiresAt),
		LastUsedAt:    utcPtr(r.LastUsedAt),
		RevokedAt:     utcPtr(r.RevokedAt),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateAPIKey inserts a new API key record. ID, KeyPrefix, and SecretHash
// must already be set. A duplicate prefix returns ErrConflict.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, tenant_id, name, key_prefix, last_four, secret_hash, scopes_json, created_at, expires_at)
		VALUES
		(:id, :tenant_id, :name, :key_prefix, :last_four, :secret_hash, :scopes_json, :created_at, :expires_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByPrefix looks up an API key by its unique prefix, across tenants.
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE key_prefix = ?")
	if err := s.db.GetContext(ctx, &row, q, prefix); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetAPIKey returns a tenant's API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, tenantID, id string) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.rebind("SELECT " + apiKeyColumns + " FROM api_keys WHERE id = ? AND tenant_id = ?")
	if err := s.db.GetContext(ctx, &row, q, id, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys returns one page of a tenant's API keys, newest first, together
// with the total number of keys matching the filter.
func (s *Store) ListAPIKeys(ctx context.Context, tenantID string, f model.APIKeyFilter) ([]model.APIKey, int64, error) {
	where := " WHERE tenant_id = ?"
	if !f.IncludeRevoked {
		where += " AND revoked_at IS NULL"
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, s.rebind("SELECT COUNT(*) FROM api_keys"+where), tenantID); err != nil {
		return nil, 0, fmt.Errorf("count api keys: %w", err)
	}

	q := s.rebind("SELECT " + apiKeyColumns + " FROM api_keys" + where +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, q, tenantID, f.Limit, f.Offset); err != nil {
		return nil, 0, fmt.Errorf("list api keys: %w", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, k)
	}
	return keys, total, nil
}

// RevokeAPIKey sets revoked_at on a tenant's key if it is not already set and
// returns the record. Revoking a revoked key leaves the original timestamp.
func (s *Store) RevokeAPIKey(ctx context.Context, tenantID, id string, at time.Time) (*model.APIKey, error) {
	q := s.rebind("UPDATE api_keys SET revoked_at = ? WHERE id = ? AND tenant_id = ? AND revoked_at IS NULL")
	if _, err := s.db.ExecContext(ctx, q, at.UTC(), id, tenantID); err != nil {
		return nil, fmt.Errorf("revoke api key: %w", err)
	}
	return s.GetAPIKey(ctx, tenantID, id)
}

// TouchAPIKey records the last time a key was used.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	q := s.rebind("UPDATE api_keys SET last_used_at = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, q, at.UTC(), id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Store settings
// ---------------------------------------------------------------------------

// GetStoreSettings returns all settings of a tenant.
func (s *Store) GetStoreSettings(ctx context.Context, tenantID string) (map[string]string, error) {
	var rows []struct {
		Key   string `db:"setting_key"`
		Value string `db:"value"`
	}
	q := s.rebind("SELECT setting_key, value FROM store_settings WHERE tenant_id = ? ORDER BY setting_key")
	if err := s.db.SelectContext(ctx, &rows, q, tenantID); err != nil {
		return nil, fmt.Errorf("get store settings: %w", err)
	}
	settings := make(map[string]string, len(rows))
	for _, r := range rows {
		settings[r.Key] = r.Value
	}
	return settings, nil
}

// PutStoreSettings upserts the given settings for a tenant in one transaction.
// Keys not present in values are left unchanged.
func (s *Store) PutStoreSettings(ctx context.Context, tenantID string, values map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	q := s.rebind(`INSERT INTO store_settings (tenant_id, setting_key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, setting_key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`)

	now := time.Now().UTC()
	for k, v := range values {
		if _, err := tx.ExecContext(ctx, q, tenantID, k, v, now); err != nil {
			return fmt.Errorf("upsert store setting %q: %w", k, err)
		}
	}
	return tx.Commit()
}
