package cli

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/trafi/trafi/internal/config"
)

const testSecret = "cli-test-secret-that-is-long-enough-0123"

func newTestViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TRAFI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func TestLoadConfigDefaults(t *testing.T) {
	saved := dataDir
	dataDir = ""
	t.Cleanup(func() { dataDir = saved })
	t.Setenv("TRAFI_DATA_DIR", "/var/lib/trafi")

	cfg, err := loadConfig(newTestViper())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	want := config.Default()
	if cfg.Auth.AccessTTL != want.Auth.AccessTTL || cfg.Auth.RefreshTTL != want.Auth.RefreshTTL {
		t.Errorf("ttls = %v/%v", cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" || cfg.CSRF.CookieName != "trafi_csrf" {
		t.Errorf("auth = %+v csrf = %+v", cfg.Auth, cfg.CSRF)
	}
	if cfg.Database.DataDir != "/var/lib/trafi" {
		t.Errorf("data dir = %q", cfg.Database.DataDir)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("TRAFI_AUTH_JWT_SECRET", testSecret)
	t.Setenv("TRAFI_AUTH_ACCESS_TTL", "5m")
	t.Setenv("TRAFI_SERVER_PORT", "9090")
	t.Setenv("TRAFI_CSRF_ENABLED", "false")
	t.Setenv("TRAFI_AUTH_ISSUER", "trafi-test")

	cfg, err := loadConfig(newTestViper())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("jwt secret not read from the environment")
	}
	if cfg.Auth.AccessTTL != 5*time.Minute {
		t.Errorf("access ttl = %v", cfg.Auth.AccessTTL)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.CSRF.Enabled {
		t.Error("csrf still enabled")
	}
	if cfg.Auth.Issuer != "trafi-test" {
		t.Errorf("issuer = %q", cfg.Auth.Issuer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "warn", Format: "json"})
	logger.Info("dropped")
	logger.Warn("kept", "channel", "bearer")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %s", len(lines), buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if entry["msg"] != "kept" || entry["channel"] != "bearer" {
		t.Errorf("entry = %v", entry)
	}
}

// run executes the command tree with args and returns stdout.
func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd("1.2.3", "abc123", "2026-03-01")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("trafi %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

// runErr is run for commands that are expected to fail.
func runErr(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd("1.2.3", "abc123", "2026-03-01")
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		t.Fatalf("trafi %s succeeded, want an error", strings.Join(args, " "))
	}
	return err
}

func TestVersionCommand(t *testing.T) {
	var info map[string]string
	if err := json.Unmarshal([]byte(run(t, "version", "--json")), &info); err != nil {
		t.Fatal(err)
	}
	if info["version"] != "1.2.3" || info["commit"] != "abc123" {
		t.Errorf("info = %v", info)
	}
}

func TestOpenAPICommand(t *testing.T) {
	out := run(t, "openapi")
	var doc struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("openapi output is not json: %v", err)
	}
	if doc.OpenAPI != "3.1.0" || doc.Paths["/api/v1/api-keys"] == nil {
		t.Errorf("doc = %s %v", doc.OpenAPI, len(doc.Paths))
	}
	if !strings.Contains(out, "x-trafi-requirement") {
		t.Error("document lacks requirement extensions")
	}
}

var keyLine = regexp.MustCompile(`Key:\s+(trafi_sk_[a-f0-9]{64})`)

func TestKeyCommands(t *testing.T) {
	t.Setenv("TRAFI_AUTH_JWT_SECRET", testSecret)
	dir := t.TempDir()

	out := run(t, "--data-dir", dir, "key", "create",
		"--tenant", "store-1", "--name", "CI", "--scopes", "products:read,orders:read")
	m := keyLine.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("no plaintext key in output:\n%s", out)
	}
	plaintext := m[1]

	var keys []map[string]interface{}
	if err := json.Unmarshal([]byte(run(t, "--data-dir", dir, "key", "list", "--tenant", "store-1", "--json")), &keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0]["name"] != "CI" {
		t.Fatalf("keys = %v", keys)
	}
	if _, ok := keys[0]["key"]; ok {
		t.Error("list exposes the plaintext key")
	}

	// Other tenants see nothing.
	if got := run(t, "--data-dir", dir, "key", "list", "--tenant", "store-2"); !strings.Contains(got, "No API keys") {
		t.Errorf("store-2 list = %s", got)
	}

	// Revoke with the full key; it is cut to its prefix.
	if got := run(t, "--data-dir", dir, "key", "revoke", plaintext, "--tenant", "store-1"); !strings.Contains(got, "Revoked") {
		t.Errorf("revoke output = %s", got)
	}
	if got := run(t, "--data-dir", dir, "key", "list", "--tenant", "store-1"); !strings.Contains(got, "No API keys") {
		t.Errorf("revoked key still listed: %s", got)
	}
	if got := run(t, "--data-dir", dir, "key", "list", "--tenant", "store-1", "--include-revoked"); !strings.Contains(got, "revoked") {
		t.Errorf("include-revoked list = %s", got)
	}
}

func TestUserDisableEnable(t *testing.T) {
	t.Setenv("TRAFI_AUTH_JWT_SECRET", testSecret)
	t.Setenv("TRAFI_AUTH_BCRYPT_COST", "4")
	dir := t.TempDir()

	run(t, "--data-dir", dir, "user", "create", "--tenant", "store-1",
		"--email", "owner@example.com", "--password", "supersecretpassword")
	run(t, "--data-dir", dir, "user", "create", "--tenant", "store-1",
		"--email", "editor@example.com", "--password", "supersecretpassword", "--role", "EDITOR")

	ids := map[string]string{}
	var users []struct {
		ID       string `json:"id"`
		Email    string `json:"email"`
		IsActive bool   `json:"isActive"`
	}
	if err := json.Unmarshal([]byte(run(t, "--data-dir", dir, "user", "list", "--tenant", "store-1", "--json")), &users); err != nil {
		t.Fatal(err)
	}
	for _, u := range users {
		ids[u.Email] = u.ID
	}
	editor := ids["editor@example.com"]
	if editor == "" || ids["owner@example.com"] == "" {
		t.Fatalf("users = %+v", users)
	}

	if got := run(t, "--data-dir", dir, "user", "disable", "--tenant", "store-1", "--id", editor); !strings.Contains(got, `Disabled user "editor@example.com"`) {
		t.Errorf("disable output = %s", got)
	}
	active := func() map[string]bool {
		out := map[string]bool{}
		if err := json.Unmarshal([]byte(run(t, "--data-dir", dir, "user", "list", "--tenant", "store-1", "--json")), &users); err != nil {
			t.Fatal(err)
		}
		for _, u := range users {
			out[u.Email] = u.IsActive
		}
		return out
	}
	if got := active(); got["editor@example.com"] || !got["owner@example.com"] {
		t.Errorf("after disable active = %v", got)
	}

	// The only owner cannot be disabled, nor can a user of another store.
	if err := runErr(t, "--data-dir", dir, "user", "disable", "--tenant", "store-1", "--id", ids["owner@example.com"]); !strings.Contains(err.Error(), "active owner") {
		t.Errorf("disable last owner error = %v", err)
	}
	if err := runErr(t, "--data-dir", dir, "user", "disable", "--tenant", "store-2", "--id", editor); !strings.Contains(err.Error(), "user not found") {
		t.Errorf("disable across stores error = %v", err)
	}

	if got := run(t, "--data-dir", dir, "user", "enable", "--tenant", "store-1", "--id", editor); !strings.Contains(got, "Enabled") {
		t.Errorf("enable output = %s", got)
	}
	if got := active(); !got["editor@example.com"] {
		t.Errorf("after enable active = %v", got)
	}
}
