package handler

import (
	"net/http"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// StatusSource assembles the live bot status snapshot for the dashboard.
type StatusSource interface {
	Status() domain.BotStatus
}

// StatusHandler serves the bot status endpoint.
type StatusHandler struct {
	source StatusSource
}

// NewStatusHandler creates a StatusHandler over the given source.
func NewStatusHandler(source StatusSource) *StatusHandler {
	return &StatusHandler{source: source}
}

type statusResponse struct {
	Mode           string          `json:"mode"`
	InstanceID     string          `json:"instance_id"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
	Connectors     map[string]bool `json:"connectors"`
	ActiveStrategy string          `json:"active_strategy"`
	OpenOrders     int             `json:"open_orders"`
	KillSwitchOn   bool            `json:"kill_switch_on"`
	SessionPnL     string          `json:"session_pnl"`
	Timestamp      string          `json:"timestamp"`
}

// GetStatus responds with the current mode, uptime, connector readiness,
// active strategy, open order count, kill switch state, and session PnL.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.source.Status()
	if st.Connectors == nil {
		st.Connectors = map[string]bool{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:           st.Mode,
		InstanceID:     st.InstanceID,
		UptimeSeconds:  st.UptimeSeconds,
		Connectors:     st.Connectors,
		ActiveStrategy: st.ActiveStrategy,
		OpenOrders:     st.OpenOrders,
		KillSwitchOn:   st.KillSwitchOn,
		SessionPnL:     st.SessionPnL.String(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}
