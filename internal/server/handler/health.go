package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler serves the liveness and readiness endpoints.
type HealthHandler struct {
	readiness func() map[string]bool // connector name -> ready; nil disables the check
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. readiness may be nil, in which
// case Ready always reports ok (monitor and record modes run no connectors).
func NewHealthHandler(readiness func() map[string]bool, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{readiness: readiness, logger: logger}
}

// HealthCheck responds with a simple JSON status indicating the server is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready reports 200 when every connector has finished its startup sequence
// and 503 otherwise, so load balancers hold traffic until books and balances
// are warm.
// GET /api/ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.readiness == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}

	connectors := h.readiness()
	ready := true
	for _, ok := range connectors {
		if !ok {
			ready = false
			break
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":      ready,
		"connectors": connectors,
	})
}
