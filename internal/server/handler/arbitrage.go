package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// ArbSource provides the most recently detected cross-venue opportunities.
// The in-memory arbitrage registry implements it.
type ArbSource interface {
	Recent(limit int) []domain.ArbOpportunity
}

// ArbHandler serves arbitrage-related HTTP endpoints.
type ArbHandler struct {
	arb    ArbSource
	logger *slog.Logger
}

// NewArbHandler creates an ArbHandler with the given source and logger.
func NewArbHandler(arb ArbSource, logger *slog.Logger) *ArbHandler {
	return &ArbHandler{arb: arb, logger: logger}
}

type arbOpportunityView struct {
	ID           string  `json:"id"`
	TradingPair  string  `json:"trading_pair"`
	BuyExchange  string  `json:"buy_exchange"`
	BuyPrice     float64 `json:"buy_price"`
	SellExchange string  `json:"sell_exchange"`
	SellPrice    float64 `json:"sell_price"`
	GrossEdgeBps float64 `json:"gross_edge_bps"`
	EstFeeBps    float64 `json:"est_fee_bps"`
	NetEdgeBps   float64 `json:"net_edge_bps"`
	MaxAmount    float64 `json:"max_amount"`
	DetectedAt   string  `json:"detected_at"`
	Executed     bool    `json:"executed"`
}

// ListRecent returns the most recent arbitrage opportunities, newest first.
// GET /api/arbitrage/recent?limit=20
func (h *ArbHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}

	opps := h.arb.Recent(limit)
	views := make([]arbOpportunityView, 0, len(opps))
	for _, o := range opps {
		views = append(views, arbOpportunityView{
			ID:           o.ID,
			TradingPair:  string(o.TradingPair),
			BuyExchange:  o.BuyExchange,
			BuyPrice:     o.BuyPrice,
			SellExchange: o.SellExchange,
			SellPrice:    o.SellPrice,
			GrossEdgeBps: o.GrossEdgeBps,
			EstFeeBps:    o.EstFeeBps,
			NetEdgeBps:   o.NetEdgeBps,
			MaxAmount:    o.MaxAmount,
			DetectedAt:   o.DetectedAt.UTC().Format(time.RFC3339),
			Executed:     o.Executed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": views})
}
