package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// StrategyRuntimeController is the interface for getting/setting the active
// strategy at runtime (strategy.Engine in trade/paper/full mode).
type StrategyRuntimeController interface {
	ActiveName() string
	ListNames() []string
	SetActive(name string) error
	RecentProposals(limit int) []domain.OrderProposal
}

// HubStrategyUpdater is called when the active strategy is changed so the
// WebSocket hub can report the new name in its status frames.
type HubStrategyUpdater interface {
	SetStrategyName(name string)
}

// StrategyRuntimeHandler serves the strategy list/activate/proposals
// endpoints. When ctrl is nil (monitor and record modes run no engine),
// requests return 501.
type StrategyRuntimeHandler struct {
	ctrl   StrategyRuntimeController
	hub    HubStrategyUpdater // optional; when set, updated on activation
	logger *slog.Logger
}

// NewStrategyRuntimeHandler creates a handler. ctrl and hub may be nil.
func NewStrategyRuntimeHandler(ctrl StrategyRuntimeController, hub HubStrategyUpdater, logger *slog.Logger) *StrategyRuntimeHandler {
	return &StrategyRuntimeHandler{ctrl: ctrl, hub: hub, logger: logger}
}

// List returns all registered strategy names and the active one.
// GET /api/strategies
func (h *StrategyRuntimeHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, http.StatusNotImplemented, "strategy engine not running in this mode")
		return
	}
	names := h.ctrl.ListNames()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategies": names,
		"active":     h.ctrl.ActiveName(),
	})
}

// activateRequest is the JSON body for POST /api/strategies/activate.
type activateRequest struct {
	Name string `json:"name"`
}

// Activate switches the active strategy.
// POST /api/strategies/activate
func (h *StrategyRuntimeHandler) Activate(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, http.StatusNotImplemented, "strategy engine not running in this mode")
		return
	}
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := h.ctrl.SetActive(name); err != nil {
		h.logger.WarnContext(r.Context(), "set active strategy failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.hub != nil {
		h.hub.SetStrategyName(name)
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": name})
}

type proposalView struct {
	ID          string `json:"id"`
	Strategy    string `json:"strategy"`
	Exchange    string `json:"exchange"`
	TradingPair string `json:"trading_pair"`
	Kind        string `json:"kind"`
	Side        string `json:"side,omitempty"`
	OrderType   string `json:"order_type,omitempty"`
	Price       string `json:"price,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Proposals returns the most recent order proposals the active strategies
// emitted, whether or not they survived dedup and risk checks.
// GET /api/strategies/proposals?limit=20
func (h *StrategyRuntimeHandler) Proposals(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, http.StatusNotImplemented, "strategy engine not running in this mode")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}

	proposals := h.ctrl.RecentProposals(limit)
	views := make([]proposalView, 0, len(proposals))
	for _, p := range proposals {
		v := proposalView{
			ID:          p.ID,
			Strategy:    p.Strategy,
			Exchange:    p.Exchange,
			TradingPair: string(p.TradingPair),
			Kind:        string(p.Kind),
			Reason:      p.Reason,
			CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
		}
		if p.Kind == domain.ProposalPlace {
			v.Side = string(p.Side)
			v.OrderType = string(p.OrderType)
			v.Price = p.Price.String()
			v.Amount = p.Amount.String()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": views})
}
