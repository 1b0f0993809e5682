package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// KillSwitchControl is the interface for inspecting and flipping the trading
// halt. The risk service implements it.
type KillSwitchControl interface {
	Engage(ctx context.Context, reason string)
	Disengage(ctx context.Context)
	Engaged() (bool, string)
}

// KillSwitchHandler serves the kill switch endpoints. When risk is nil
// (monitor and record modes), requests return 501.
type KillSwitchHandler struct {
	risk   KillSwitchControl
	logger *slog.Logger
}

// NewKillSwitchHandler creates a KillSwitchHandler. risk may be nil.
func NewKillSwitchHandler(risk KillSwitchControl, logger *slog.Logger) *KillSwitchHandler {
	return &KillSwitchHandler{risk: risk, logger: logger}
}

// GetState reports whether the kill switch is engaged and why.
// GET /api/killswitch
func (h *KillSwitchHandler) GetState(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeError(w, http.StatusNotImplemented, "risk service not running in this mode")
		return
	}
	engaged, reason := h.risk.Engaged()
	writeJSON(w, http.StatusOK, map[string]any{
		"engaged": engaged,
		"reason":  reason,
	})
}

// engageRequest is the JSON body for POST /api/killswitch/engage.
type engageRequest struct {
	Reason string `json:"reason"`
}

// Engage halts trading and cancels all open orders.
// POST /api/killswitch/engage
func (h *KillSwitchHandler) Engage(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeError(w, http.StatusNotImplemented, "risk service not running in this mode")
		return
	}
	var req engageRequest
	if r.Body != nil {
		// An empty body is fine; the reason defaults below.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	h.risk.Engage(r.Context(), reason)
	h.logger.WarnContext(r.Context(), "kill switch engaged via api",
		slog.String("reason", reason),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"engaged": true,
		"reason":  reason,
	})
}

// Release re-enables trading after a manual halt or a tripped loss limit.
// POST /api/killswitch/release
func (h *KillSwitchHandler) Release(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeError(w, http.StatusNotImplemented, "risk service not running in this mode")
		return
	}
	h.risk.Disengage(r.Context())
	h.logger.InfoContext(r.Context(), "kill switch released via api")
	writeJSON(w, http.StatusOK, map[string]any{"engaged": false})
}
