package config

import "fmt"

// migrations are applied in order on every start. Each statement is
// idempotent and written in the subset of SQL shared by SQLite and
// PostgreSQL.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(36) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		email VARCHAR(320) UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role VARCHAR(16) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_login_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id VARCHAR(36) PRIMARY KEY,
		tenant_id VARCHAR(64) NOT NULL,
		name TEXT NOT NULL,
		key_prefix VARCHAR(32) UNIQUE NOT NULL,
		last_four VARCHAR(4) NOT NULL,
		secret_hash TEXT NOT NULL,
		scopes_json TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		last_used_at TIMESTAMP,
		revoked_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_keys_tenant_created ON api_keys(tenant_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS store_settings (
		tenant_id VARCHAR(64) NOT NULL,
		setting_key VARCHAR(128) NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, setting_key)
	)`,
}

func (s *Store) migrate() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
