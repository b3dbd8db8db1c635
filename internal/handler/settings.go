package handler

import (
	"log/slog"
	"net/http"

	"github.com/trafi/trafi/internal/auth"
	"github.com/trafi/trafi/internal/config"
)

// SettingsHandler reads and writes per-store settings.
type SettingsHandler struct {
	store  *config.Store
	logger *slog.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(store *config.Store, logger *slog.Logger) *SettingsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsHandler{store: store, logger: logger}
}

type settingsPayload struct {
	Settings map[string]string `json:"settings" validate:"required,min=1,max=100,dive,keys,required,max=64,endkeys,max=4096"`
}

// GetSettings returns every setting of the caller's store.
// GET /api/v1/store/settings
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	settings, err := h.store.GetStoreSettings(r.Context(), p.TenantID)
	if err != nil {
		writeInternalError(w, r, h.logger, "Failed to read settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settingsPayload{Settings: settings})
}

// PutSettings upserts the given settings and returns the full set.
// PUT /api/v1/store/settings
func (h *SettingsHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req settingsPayload
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.store.PutStoreSettings(r.Context(), p.TenantID, req.Settings); err != nil {
		writeInternalError(w, r, h.logger, "Failed to save settings", err)
		return
	}

	settings, err := h.store.GetStoreSettings(r.Context(), p.TenantID)
	if err != nil {
		writeInternalError(w, r, h.logger, "Failed to read settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settingsPayload{Settings: settings})
}
