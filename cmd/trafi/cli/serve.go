package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trafi/trafi/internal/server"
)

const banner = `
 _____           __ _
|_   _| __ __ _ / _(_)
  | || '__/ _' | |_| |
  | || | | (_| |  _| |
  |_||_|  \__,_|_| |_|
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Trafi API server",
		Long:  "Start the HTTP server that authenticates requests and enforces route permissions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, ephemeral signing secret)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if dev {
		cfg.Auth.Dev = true
		cfg.Logging.Level = "debug"
	}
	logger := newLogger(os.Stderr, cfg.Logging)

	if cfg.Auth.JWTSecret == "" && cfg.Auth.Dev {
		// Sessions do not survive a restart with a generated secret.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate signing secret: %w", err)
		}
		cfg.Auth.JWTSecret = hex.EncodeToString(buf)
		logger.Warn("no auth.jwt_secret configured, using an ephemeral secret")
	}

	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.store.Close()
	logger.Info("store initialized", "driver", a.store.Driver())

	hasUser, err := a.store.HasAnyUser(context.Background())
	if err != nil {
		logger.Warn("failed to check for users", "error", err)
	}
	if !hasUser {
		logger.Warn("no user account found - run: trafi user create --tenant <id> --email <email>")
	}

	srvCfg := server.ConfigFrom(cfg)
	srvCfg.Version = versionString()
	srv, err := server.New(srvCfg, server.Deps{
		Store:   a.store,
		Auth:    a.auth,
		Keys:    a.keys,
		Metrics: a.metrics,
	}, logger)
	if err != nil {
		a.keys.Close()
		return fmt.Errorf("build server: %w", err)
	}

	fmt.Printf("→ Trafi %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d%s\n", cfg.Server.Host, cfg.Server.Port, server.APIPrefix)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Metrics:    http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()

	// ListenAndServe closes the key manager after draining requests.
	return srv.ListenAndServe()
}
