package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// FillService defines the methods that the fills handler requires.
type FillService interface {
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Fill, error)
	ListByOrder(ctx context.Context, clientOrderID string) ([]domain.Fill, error)
}

// FillHandler serves trade-fill HTTP endpoints.
type FillHandler struct {
	fills  FillService
	logger *slog.Logger
}

// NewFillHandler creates a FillHandler with the given service and logger.
func NewFillHandler(fills FillService, logger *slog.Logger) *FillHandler {
	return &FillHandler{fills: fills, logger: logger}
}

type fillView struct {
	Exchange      string `json:"exchange"`
	TradeID       string `json:"trade_id"`
	ClientOrderID string `json:"client_order_id"`
	TradingPair   string `json:"trading_pair"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Amount        string `json:"amount"`
	QuoteAmount   string `json:"quote_amount"`
	FeeAsset      string `json:"fee_asset"`
	FeeAmount     string `json:"fee_amount"`
	Timestamp     string `json:"timestamp"`
}

func toFillView(f domain.Fill) fillView {
	return fillView{
		Exchange:      f.Exchange,
		TradeID:       f.TradeID,
		ClientOrderID: f.ClientOrderID,
		TradingPair:   string(f.TradingPair),
		Side:          string(f.TradeType),
		Price:         f.Price.String(),
		Amount:        f.Amount.String(),
		QuoteAmount:   f.QuoteAmount.String(),
		FeeAsset:      f.FeeAsset,
		FeeAmount:     f.FeeAmount.String(),
		Timestamp:     f.Timestamp.UTC().Format(time.RFC3339),
	}
}

// ListFills returns recent fills, newest first. An order_id query scopes the
// list to one order; a since query (RFC3339) bounds the window.
// GET /api/fills?limit=50&order_id=...&since=2026-08-01T00:00:00Z
func (h *FillHandler) ListFills(w http.ResponseWriter, r *http.Request) {
	var (
		fills []domain.Fill
		err   error
	)

	if orderID := r.URL.Query().Get("order_id"); orderID != "" {
		fills, err = h.fills.ListByOrder(r.Context(), orderID)
	} else {
		opts := parseListOpts(r)
		if v := r.URL.Query().Get("since"); v != "" {
			t, perr := time.Parse(time.RFC3339, v)
			if perr != nil {
				writeError(w, http.StatusBadRequest, "since must be RFC3339")
				return
			}
			opts.Since = &t
		}
		fills, err = h.fills.ListRecent(r.Context(), opts)
	}

	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list fills failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list fills")
		return
	}

	views := make([]fillView, 0, len(fills))
	for _, f := range fills {
		views = append(views, toFillView(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"fills": views})
}
