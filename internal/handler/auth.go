package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/trafi/trafi/internal/auth"
	"github.com/trafi/trafi/internal/metrics"
	"github.com/trafi/trafi/internal/model"
	"github.com/trafi/trafi/internal/server/middleware"
	"github.com/trafi/trafi/internal/service"
	"github.com/trafi/trafi/internal/token"
)

// Metric channels for the session endpoints.
const (
	channelLogin   = "login"
	channelRefresh = "refresh"
)

// AuthHandler serves the session endpoints: CSRF token issuance, login,
// refresh, logout and the current principal.
type AuthHandler struct {
	svc     *service.AuthService
	csrf    middleware.CSRFOptions
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *service.AuthService, csrf middleware.CSRFOptions, m *metrics.Metrics, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{svc: svc, csrf: csrf, metrics: m, logger: logger}
}

// CSRFToken issues a fresh CSRF cookie and returns the same value in the body.
// GET /api/v1/auth/csrf
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	tok, err := middleware.IssueCSRFToken(w, h.csrf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue CSRF token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": tok})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	token.Pair
	User *model.User `json:"user,omitempty"`
}

// Login exchanges an email and password for a token pair.
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	pair, user, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			reason := service.LoginReason(err)
			h.metrics.AuthAttempt(channelLogin, reason)
			h.logger.Warn("login rejected",
				"reason", reason,
				"request_id", middleware.GetRequestID(r.Context()),
			)
			writeUnauthorized(w)
			return
		}
		h.logger.Error("login failed", "error", err, "request_id", middleware.GetRequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	h.metrics.AuthAttempt(channelLogin, "")
	writeJSON(w, http.StatusOK, sessionResponse{Pair: pair, User: user})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// Refresh redeems a refresh token for a new pair.
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}

	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		reason := token.Reason(err)
		h.metrics.AuthAttempt(channelRefresh, reason)
		h.logger.Warn("refresh rejected",
			"reason", reason,
			"request_id", middleware.GetRequestID(r.Context()),
		)
		writeUnauthorized(w)
		return
	}

	h.metrics.AuthAttempt(channelRefresh, "")
	writeJSON(w, http.StatusOK, sessionResponse{Pair: pair})
}

// Logout ends the session. Tokens are stateless, so this is a no-op on the
// server side. Clients should discard their tokens.
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Logged out",
	})
}

// Me returns the principal of the current request.
// GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
