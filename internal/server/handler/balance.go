package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// BalanceService defines the methods that the balance handler requires.
type BalanceService interface {
	Snapshot() map[string][]domain.Balance
	TotalByAsset() map[string]decimal.Decimal
	Valuation(ctx context.Context, inAsset string) decimal.Decimal
}

// BalanceHandler serves account balance HTTP endpoints.
type BalanceHandler struct {
	balances BalanceService
	logger   *slog.Logger
}

// NewBalanceHandler creates a BalanceHandler with the given service and logger.
func NewBalanceHandler(balances BalanceService, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{balances: balances, logger: logger}
}

type balanceView struct {
	Asset     string `json:"asset"`
	Total     string `json:"total"`
	Available string `json:"available"`
	UpdatedAt string `json:"updated_at"`
}

// ListBalances returns per-venue balances, cross-venue asset totals, and an
// optional portfolio valuation in the requested asset.
// GET /api/balances?value_in=USDT
func (h *BalanceHandler) ListBalances(w http.ResponseWriter, r *http.Request) {
	snapshot := h.balances.Snapshot()
	byExchange := make(map[string][]balanceView, len(snapshot))
	for exchange, balances := range snapshot {
		views := make([]balanceView, 0, len(balances))
		for _, b := range balances {
			views = append(views, balanceView{
				Asset:     b.Asset,
				Total:     b.Total.String(),
				Available: b.Available.String(),
				UpdatedAt: b.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
		byExchange[exchange] = views
	}

	totals := h.balances.TotalByAsset()
	assets := make([]string, 0, len(totals))
	for asset := range totals {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	totalViews := make(map[string]string, len(totals))
	for _, asset := range assets {
		totalViews[asset] = totals[asset].String()
	}

	resp := map[string]any{
		"exchanges": byExchange,
		"totals":    totalViews,
	}
	if inAsset := r.URL.Query().Get("value_in"); inAsset != "" {
		resp["valuation"] = map[string]string{
			"asset": inAsset,
			"value": h.balances.Valuation(r.Context(), inAsset).String(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
