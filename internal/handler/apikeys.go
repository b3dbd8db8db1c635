package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/trafi/trafi/internal/apikey"
	"github.com/trafi/trafi/internal/auth"
	"github.com/trafi/trafi/internal/model"
	"github.com/trafi/trafi/internal/rbac"
	"github.com/trafi/trafi/internal/server/middleware"
)

// APIKeyHandler manages the API keys of the caller's store.
type APIKeyHandler struct {
	keys   *apikey.Manager
	logger *slog.Logger
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(keys *apikey.Manager, logger *slog.Logger) *APIKeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyHandler{keys: keys, logger: logger}
}

// ListAPIKeys returns one page of the store's keys, newest first. Revoked
// keys are included with ?include_revoked=true.
// GET /api/v1/api-keys
func (h *APIKeyHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	page, err := h.keys.List(r.Context(), p.TenantID, apikey.ListOptions{
		Page:           queryInt(r, "page", 1),
		Limit:          queryInt(r, "limit", apikey.DefaultLimit),
		IncludeRevoked: queryBool(r, "include_revoked"),
	})
	if err != nil {
		writeInternalError(w, r, h.logger, "Failed to list API keys", err)
		return
	}

	keys := page.Keys
	if keys == nil {
		keys = []model.APIKey{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: keys,
		Meta: &model.ResponseMeta{
			Count: len(keys),
			Total: page.Total,
			Page:  page.Page,
			Limit: page.Limit,
		},
	})
}

type createAPIKeyRequest struct {
	Name      string     `json:"name" validate:"required,max=100"`
	Scopes    []string   `json:"scopes" validate:"required,min=1,unique,dive,required"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// createAPIKeyResponse is the only payload that ever carries the plaintext
// key.
type createAPIKeyResponse struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Key           string       `json:"key"`
	KeyPrefix     string       `json:"keyPrefix"`
	LastFourChars string       `json:"lastFourChars"`
	Scopes        []rbac.Scope `json:"scopes"`
	CreatedAt     time.Time    `json:"createdAt"`
	ExpiresAt     *time.Time   `json:"expiresAt"`
}

// CreateAPIKey generates a new key. The plaintext is returned once and
// cannot be recovered later.
// POST /api/v1/api-keys
func (h *APIKeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req createAPIKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := h.keys.Create(r.Context(), apikey.CreateInput{
		TenantID:  p.TenantID,
		Name:      req.Name,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, rbac.ErrUnknownScope),
			errors.Is(err, rbac.ErrDuplicateScope),
			errors.Is(err, rbac.ErrNoScopes),
			errors.Is(err, apikey.ErrNameRequired),
			errors.Is(err, apikey.ErrExpiryInPast):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeInternalError(w, r, h.logger, "Failed to create API key", err)
		}
		return
	}

	k := created.Key
	h.logger.Info("api key created",
		"key_id", k.ID,
		"key_prefix", k.KeyPrefix,
		"created_by", p.ID,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{
		ID:            k.ID,
		Name:          k.Name,
		Key:           created.Plaintext,
		KeyPrefix:     k.KeyPrefix,
		LastFourChars: k.LastFourChars,
		Scopes:        k.Scopes,
		CreatedAt:     k.CreatedAt,
		ExpiresAt:     k.ExpiresAt,
	})
}

// RevokeAPIKey revokes a key by ID. Revoking an already revoked key returns
// the key unchanged.
// DELETE /api/v1/api-keys/{keyId}
func (h *APIKeyHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	id := chi.URLParam(r, "keyId")
	key, err := h.keys.Revoke(r.Context(), p.TenantID, id)
	if err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			writeError(w, http.StatusNotFound, "API key not found: "+id)
			return
		}
		writeInternalError(w, r, h.logger, "Failed to revoke API key", err)
		return
	}

	h.logger.Info("api key revoked",
		"key_id", key.ID,
		"key_prefix", key.KeyPrefix,
		"revoked_by", p.ID,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, key)
}
