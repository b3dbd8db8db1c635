package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/trafi/trafi/internal/apikey"
	"github.com/trafi/trafi/internal/config"
	"github.com/trafi/trafi/internal/credential"
	"github.com/trafi/trafi/internal/metrics"
	"github.com/trafi/trafi/internal/service"
	"github.com/trafi/trafi/internal/token"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// TRAFI_DATA_DIR env var, or ~/.trafi as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("TRAFI_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".trafi")
}

// setDefaults registers every key of config.Default with v so that
// AutomaticEnv can override keys that the config file does not mention.
func setDefaults(v *viper.Viper) {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return
	}
	var walk func(prefix string, m map[string]interface{})
	walk = func(prefix string, m map[string]interface{}) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]interface{}); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	v.SetDefault("auth.issuer", "") // omitted from the yaml form when empty
}

// loadConfig decodes the effective configuration from v. The SQLite data
// directory falls back to resolveDataDir.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Database.Driver == config.DriverSQLite && cfg.Database.DataDir == "" {
		cfg.Database.DataDir = resolveDataDir()
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, c config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app is the set of services a command works with.
type app struct {
	store   *config.Store
	tokens  *token.Service
	keys    *apikey.Manager
	auth    *service.AuthService
	metrics *metrics.Metrics
}

// openApp validates cfg and wires the store, credential hashing, tokens,
// API keys and the auth service. Close releases them.
func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := config.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tokens, err := token.New(token.Config{
		Secret:     []byte(cfg.Auth.JWTSecret),
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
		Issuer:     cfg.Auth.Issuer,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init tokens: %w", err)
	}

	hasher := credential.NewHasher(credential.DefaultParams, cfg.Auth.BcryptCost)
	keys := apikey.NewManager(store, hasher,
		apikey.WithLogger(logger),
		apikey.OnTouchDropped(m.TouchDropped),
	)
	authSvc, err := service.NewAuthService(store, tokens, keys, hasher, service.WithLogger(logger))
	if err != nil {
		keys.Close()
		store.Close()
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	return &app{
		store:   store,
		tokens:  tokens,
		keys:    keys,
		auth:    authSvc,
		metrics: m,
	}, nil
}

// Close drains pending key updates and closes the store.
func (a *app) Close() error {
	a.keys.Close()
	return a.store.Close()
}

// openAppFromFlags loads the effective configuration and opens the app with
// a stderr logger.
func openAppFromFlags() (*app, *config.Config, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(os.Stderr, cfg.Logging)
	a, err := openApp(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
