package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the readiness dependency. *config.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler serves the liveness, readiness and API document endpoints.
type SystemHandler struct {
	db      Pinger
	version string
	spec    []byte
}

// NewSystemHandler creates a new SystemHandler. spec is the pre-rendered
// OpenAPI document served at /openapi.json.
func NewSystemHandler(db Pinger, version string, spec []byte) *SystemHandler {
	return &SystemHandler{db: db, version: version, spec: spec}
}

// Healthz reports that the process is up.
// GET /healthz
func (h *SystemHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Readyz reports whether the store is reachable.
// GET /readyz
func (h *SystemHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// OpenAPI serves the generated API document.
// GET /openapi.json
func (h *SystemHandler) OpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(h.spec)
}
