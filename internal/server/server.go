package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/trafi/trafi/internal/apikey"
	"github.com/trafi/trafi/internal/config"
	"github.com/trafi/trafi/internal/handler"
	"github.com/trafi/trafi/internal/metrics"
	"github.com/trafi/trafi/internal/openapi"
	"github.com/trafi/trafi/internal/server/middleware"
	"github.com/trafi/trafi/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	CORSMethods     []string
	MaxBodySize     int64 // bytes
	APIKeyHeader    string
	CSRFEnabled     bool
	CSRF            middleware.CSRFOptions
	LoginRequests   int
	LoginWindow     time.Duration
	TrustedProxies  []string // CIDRs allowed to set X-Forwarded-For
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// ConfigFrom derives the server settings from the loaded configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		Host:            c.Server.Host,
		Port:            c.Server.Port,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		CORSOrigins:     c.Server.CORS.Origins,
		CORSMethods:     c.Server.CORS.Methods,
		MaxBodySize:     c.Server.MaxBodySize,
		APIKeyHeader:    c.Auth.APIKeyHeader,
		CSRFEnabled:     c.CSRF.Enabled,
		CSRF: middleware.CSRFOptions{
			CookieName: c.CSRF.CookieName,
			HeaderName: c.CSRF.HeaderName,
			Secure:     c.CSRF.Secure,
		},
		LoginRequests:  c.RateLimit.LoginRequests,
		LoginWindow:    c.RateLimit.LoginWindow,
		TrustedProxies: c.Server.TrustedProxies,
	}
}

// Deps are the services the server routes to.
type Deps struct {
	Store   *config.Store
	Auth    *service.AuthService
	Keys    *apikey.Manager
	Metrics *metrics.Metrics
}

// Server is the top-level HTTP server for Trafi. It owns the Chi router and
// the services behind it.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. It fails when the route table is inconsistent.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.CSRF.Metrics = deps.Metrics
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	if err := s.setupRouter(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) setupRouter() error {
	spec, err := OpenAPIDocument(openapi.Info{
		Version:      s.cfg.Version,
		APIKeyHeader: s.cfg.APIKeyHeader,
	})
	if err != nil {
		return fmt.Errorf("build openapi document: %w", err)
	}

	authH := handler.NewAuthHandler(s.deps.Auth, s.cfg.CSRF, s.deps.Metrics, s.logger)
	keyH := handler.NewAPIKeyHandler(s.deps.Keys, s.logger)
	userH := handler.NewUserHandler(s.deps.Auth, s.logger)
	settingsH := handler.NewSettingsHandler(s.deps.Store, s.logger)
	sysH := handler.NewSystemHandler(s.deps.Store, s.cfg.Version, spec)

	handlers := map[string]http.HandlerFunc{
		"auth.csrf":      authH.CSRFToken,
		"auth.login":     authH.Login,
		"auth.refresh":   authH.Refresh,
		"auth.logout":    authH.Logout,
		"auth.me":        authH.Me,
		"apikeys.list":   keyH.ListAPIKeys,
		"apikeys.create": keyH.CreateAPIKey,
		"apikeys.revoke": keyH.RevokeAPIKey,
		"users.list":     userH.ListUsers,
		"users.create":   userH.CreateUser,
		"users.role":     userH.ChangeRole,
		"settings.get":   settingsH.GetSettings,
		"settings.put":   settingsH.PutSettings,
	}

	apiKeyHeader := s.cfg.APIKeyHeader
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	csrfHeader := s.cfg.CSRF.HeaderName
	if csrfHeader == "" {
		csrfHeader = "X-CSRF-Token"
	}

	trusted, err := middleware.ParseTrustedProxies(s.cfg.TrustedProxies)
	if err != nil {
		return err
	}

	corsMethods := s.cfg.CORSMethods
	if len(corsMethods) == 0 {
		corsMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}

	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP(trusted))
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Metrics(s.deps.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   corsMethods,
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", apiKeyHeader, csrfHeader, "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	// --- Probes, metrics and the API document (no auth required) ---
	r.Get("/healthz", sysH.Healthz)
	r.Get("/readyz", sysH.Readyz)
	r.Handle("/metrics", s.deps.Metrics.Handler())
	r.Get("/openapi.json", sysH.OpenAPI)

	authOpts := middleware.AuthOptions{
		APIKeyHeader: s.cfg.APIKeyHeader,
		Logger:       s.logger,
		Metrics:      s.deps.Metrics,
	}
	authenticate := middleware.Authenticate(s.deps.Auth, authOpts)

	loginRequests, loginWindow := s.cfg.LoginRequests, s.cfg.LoginWindow
	if loginRequests <= 0 {
		loginRequests = 20
	}
	if loginWindow <= 0 {
		loginWindow = time.Minute
	}
	loginLimit := middleware.RateLimit(loginRequests, loginWindow)

	// --- API routes, registered from the route table ---
	var routeErr error
	r.Route(APIPrefix, func(r chi.Router) {
		if s.cfg.CSRFEnabled {
			r.Use(middleware.CSRF(s.cfg.CSRF))
		}
		for _, rt := range routes {
			req, err := requirementFor(rt.id)
			if err != nil {
				routeErr = err
				return
			}
			h, ok := handlers[rt.id]
			if !ok {
				routeErr = fmt.Errorf("route %q has no handler", rt.id)
				return
			}

			var chain []func(http.Handler) http.Handler
			if rt.rateLimited {
				chain = append(chain, loginLimit)
			}
			if !req.Public {
				chain = append(chain, authenticate, middleware.Require(req, authOpts))
			}
			r.With(chain...).Method(rt.method, rt.path, h)
		}
	})
	if routeErr != nil {
		return routeErr
	}
	if len(handlers) != len(routes) {
		return fmt.Errorf("%d handlers bound for %d routes", len(handlers), len(routes))
	}

	s.router = r
	return nil
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests and pending API key usage updates.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if s.deps.Keys != nil {
		s.deps.Keys.Close()
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
