package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level trafi configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	CSRF      CSRFConfig      `yaml:"csrf" mapstructure:"csrf"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Logging   LoggingConfig   `yaml:"log" mapstructure:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host" validate:"required"`
	Port            int           `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	MaxBodySize     int64         `yaml:"max_body_size" mapstructure:"max_body_size" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"gt=0"`
	CORS            CORSConfig    `yaml:"cors" mapstructure:"cors"`
	// TrustedProxies lists the CIDRs whose X-Forwarded-For is believed.
	// Empty means the socket peer is the client.
	TrustedProxies  []string      `yaml:"trusted_proxies" mapstructure:"trusted_proxies" validate:"dive,cidr|ip"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
	Methods []string `yaml:"methods" mapstructure:"methods"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DataDir      string `yaml:"data_dir" mapstructure:"data_dir"`
	DSN          string `yaml:"dsn" mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MaxOpenConns int    `yaml:"max_open_conns" mapstructure:"max_open_conns" validate:"min=0"`
}

// AuthConfig controls token and API key authentication.
type AuthConfig struct {
	// JWTSecret signs session and refresh tokens. It must be at least
	// 32 bytes unless Dev is set.
	JWTSecret    string        `yaml:"jwt_secret" mapstructure:"jwt_secret" validate:"required"`
	Issuer       string        `yaml:"issuer,omitempty" mapstructure:"issuer"`
	AccessTTL    time.Duration `yaml:"access_ttl" mapstructure:"access_ttl" validate:"gt=0"`
	RefreshTTL   time.Duration `yaml:"refresh_ttl" mapstructure:"refresh_ttl" validate:"gtfield=AccessTTL"`
	APIKeyHeader string        `yaml:"api_key_header" mapstructure:"api_key_header" validate:"required"`
	BcryptCost   int           `yaml:"bcrypt_cost" mapstructure:"bcrypt_cost" validate:"min=4,max=31"`
	Dev          bool          `yaml:"dev" mapstructure:"dev"`
}

// CSRFConfig controls the double-submit cookie check on unsafe methods.
type CSRFConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	CookieName string `yaml:"cookie_name" mapstructure:"cookie_name" validate:"required_if=Enabled true"`
	HeaderName string `yaml:"header_name" mapstructure:"header_name" validate:"required_if=Enabled true"`
	Secure     bool   `yaml:"secure" mapstructure:"secure"`
}

// RateLimitConfig limits unauthenticated credential endpoints per client IP.
type RateLimitConfig struct {
	LoginRequests int           `yaml:"login_requests" mapstructure:"login_requests" validate:"gt=0"`
	LoginWindow   time.Duration `yaml:"login_window" mapstructure:"login_window" validate:"gt=0"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

// Load reads and parses a YAML configuration file on top of Default().
// Environment variables referenced as ${VAR_NAME} in the file are expanded
// before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Default returns a Config pre-filled with sensible defaults. The JWT secret
// is left empty and must be supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MaxBodySize:     1 << 20,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			},
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
		},
		Auth: AuthConfig{
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   7 * 24 * time.Hour,
			APIKeyHeader: "X-API-Key",
			BcryptCost:   12,
		},
		CSRF: CSRFConfig{
			Enabled:    true,
			CookieName: "trafi_csrf",
			HeaderName: "X-CSRF-Token",
		},
		RateLimit: RateLimitConfig{
			LoginRequests: 20,
			LoginWindow:   time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
