package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/trafi/trafi/internal/apikey"
	"github.com/trafi/trafi/internal/auth"
	"github.com/trafi/trafi/internal/metrics"
	"github.com/trafi/trafi/internal/model"
	"github.com/trafi/trafi/internal/rbac"
	"github.com/trafi/trafi/internal/token"
)

// Authentication channels, used as log fields and metric labels.
const (
	ChannelBearer = "bearer"
	ChannelAPIKey = "api_key"
)

// Authenticator resolves credentials into a principal. *service.AuthService
// satisfies it.
type Authenticator interface {
	AuthenticateBearer(ctx context.Context, accessToken string) (auth.Principal, error)
	AuthenticateAPIKey(ctx context.Context, presented string) (auth.Principal, error)
}

// AuthOptions configures Authenticate and Require.
type AuthOptions struct {
	// APIKeyHeader is the request header carrying an API key.
	APIKeyHeader string
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

func (o AuthOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Authenticate returns an HTTP middleware that resolves the request's
// credentials. It supports two methods:
//
//  1. Bearer access token via the Authorization header (user sessions)
//  2. API key via the configured header, X-API-Key by default
//
// The bearer token wins when both are sent. On success the principal is
// attached to the request context. Every failure is answered with the same
// generic 401 body; the reason is only logged and counted.
func Authenticate(authn Authenticator, opts AuthOptions) func(http.Handler) http.Handler {
	header := opts.APIKeyHeader
	if header == "" {
		header = "X-API-Key"
	}
	logger := opts.logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				principal auth.Principal
				err       error
				channel   string
				reason    string
			)

			if bearer, ok := bearerToken(r); ok {
				channel = ChannelBearer
				principal, err = authn.AuthenticateBearer(r.Context(), bearer)
				if err != nil {
					reason = token.Reason(err)
				}
			} else if key := r.Header.Get(header); key != "" {
				channel = ChannelAPIKey
				principal, err = authn.AuthenticateAPIKey(r.Context(), key)
				if err != nil {
					reason = apikey.Reason(err)
				}
			} else {
				logger.Warn("authentication rejected",
					"channel", "none",
					"reason", "missing_credentials",
					"request_id", GetRequestID(r.Context()),
				)
				opts.Metrics.AuthAttempt("none", "missing_credentials")
				writeUnauthorized(w)
				return
			}

			opts.Metrics.AuthAttempt(channel, reason)
			if err != nil {
				logger.Warn("authentication rejected",
					"channel", channel,
					"reason", reason,
					"request_id", GetRequestID(r.Context()),
				)
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
// The scheme is matched case-insensitively.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const scheme = "bearer "
	if len(h) < len(scheme) || !strings.EqualFold(h[:len(scheme)], scheme) {
		return "", false
	}
	return strings.TrimSpace(h[len(scheme):]), true
}

// Require returns an HTTP middleware that enforces a route requirement. It
// must be used after Authenticate in the middleware chain. A missing
// principal is answered with 401, an unmet requirement with 403 naming
// what the route requires.
func Require(req rbac.Requirement, opts AuthOptions) func(http.Handler) http.Handler {
	logger := opts.logger()

	return func(next http.Handler) http.Handler {
		if req.Public {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFrom(r.Context())
			if !ok {
				writeUnauthorized(w)
				return
			}

			var kind string
			switch {
			case !req.AllowsRole(principal.Role):
				kind = "role"
			case !rbac.HasRequired(principal.Permissions, req.Permissions, req.Mode):
				kind = "permission"
			default:
				next.ServeHTTP(w, r)
				return
			}

			opts.Metrics.AuthzDenied(kind)
			logger.Info("authorization denied",
				"kind", kind,
				"principal", principal.ID,
				"principal_type", string(principal.Kind),
				"required_permissions", req.PermissionStrings(),
				"request_id", GetRequestID(r.Context()),
			)
			writeForbidden(w, requirementContext(req))
		})
	}
}

func requirementContext(req rbac.Requirement) map[string]interface{} {
	ctx := map[string]interface{}{
		"requiredPermissions": req.PermissionStrings(),
		"mode":                req.Mode.String(),
	}
	if len(req.Roles) > 0 {
		ctx["requiredRoles"] = req.RoleStrings()
	}
	return ctx
}

func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
}

func writeForbidden(w http.ResponseWriter, context map[string]interface{}) {
	writeError(w, http.StatusForbidden, "Forbidden", context)
}

func writeError(w http.ResponseWriter, status int, message string, context map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message, Context: context},
	})
}
