package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	Rules(ctx context.Context, exchange string) ([]domain.TradingRule, error)
	Pairs() map[string][]domain.TradingPair
}

// TopOfBookSource serves the live best bid/ask for one pair on one venue.
// The Redis book mirror implements it.
type TopOfBookSource interface {
	GetTop(ctx context.Context, exchange string, pair domain.TradingPair) (domain.PriceSnapshot, error)
}

// CandleTail serves the most recent closed candles for one pair.
type CandleTail interface {
	Tail(pair domain.TradingPair, interval domain.CandleInterval, n int) []domain.Candle
}

// MarketHandler serves market metadata, top-of-book, and candle endpoints.
type MarketHandler struct {
	markets MarketService
	books   TopOfBookSource              // optional
	candles map[string]CandleTail        // exchange -> live aggregator; optional
	store   domain.CandleStore           // fallback for exchanges without a live aggregator
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler. books, candles, and store may be
// nil; the matching endpoints then report 501.
func NewMarketHandler(markets MarketService, books TopOfBookSource, candles map[string]CandleTail, store domain.CandleStore, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		books:   books,
		candles: candles,
		store:   store,
		logger:  logger,
	}
}

// ListPairs returns the configured trading pairs per venue.
// GET /api/markets/pairs
func (h *MarketHandler) ListPairs(w http.ResponseWriter, r *http.Request) {
	pairs := h.markets.Pairs()
	out := make(map[string][]string, len(pairs))
	for exchange, ps := range pairs {
		names := make([]string, 0, len(ps))
		for _, p := range ps {
			names = append(names, string(p))
		}
		out[exchange] = names
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": out})
}

type tradingRuleView struct {
	TradingPair   string `json:"trading_pair"`
	MinOrderSize  string `json:"min_order_size"`
	MaxOrderSize  string `json:"max_order_size"`
	TickSize      string `json:"tick_size"`
	StepSize      string `json:"step_size"`
	MinNotional   string `json:"min_notional"`
	SupportsMaker bool   `json:"supports_maker"`
}

// ListRules returns the trading rules for one venue.
// GET /api/markets/rules?exchange=binance
func (h *MarketHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	exchange := r.URL.Query().Get("exchange")
	if exchange == "" {
		writeError(w, http.StatusBadRequest, "exchange query parameter required")
		return
	}

	rules, err := h.markets.Rules(r.Context(), exchange)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list rules failed",
			slog.String("exchange", exchange),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trading rules")
		return
	}

	views := make([]tradingRuleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, tradingRuleView{
			TradingPair:   string(rule.TradingPair),
			MinOrderSize:  rule.MinOrderSize.String(),
			MaxOrderSize:  rule.MaxOrderSize.String(),
			TickSize:      rule.TickSize.String(),
			StepSize:      rule.StepSize.String(),
			MinNotional:   rule.MinNotional.String(),
			SupportsMaker: rule.SupportsMaker,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchange": exchange, "rules": views})
}

// GetTop returns the live top of book for one pair on one venue.
// GET /api/books/top?exchange=binance&pair=ETH-USDT
func (h *MarketHandler) GetTop(w http.ResponseWriter, r *http.Request) {
	if h.books == nil {
		writeError(w, http.StatusNotImplemented, "book mirror not configured")
		return
	}

	exchange := r.URL.Query().Get("exchange")
	pair := r.URL.Query().Get("pair")
	if exchange == "" || pair == "" {
		writeError(w, http.StatusBadRequest, "exchange and pair query parameters required")
		return
	}

	snap, err := h.books.GetTop(r.Context(), exchange, domain.TradingPair(pair))
	if err != nil {
		writeError(w, http.StatusNotFound, "no top of book for pair")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exchange":     snap.Exchange,
		"trading_pair": string(snap.TradingPair),
		"best_bid":     snap.BestBid,
		"best_ask":     snap.BestAsk,
		"mid_price":    snap.MidPrice,
		"spread":       snap.Spread,
		"timestamp":    snap.Time.UTC().Format(time.RFC3339),
	})
}

type candleView struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// ListCandles returns the most recent closed candles for one pair, serving
// the live aggregator when available and the store otherwise.
// GET /api/candles?exchange=binance&pair=ETH-USDT&interval=1m&limit=100
func (h *MarketHandler) ListCandles(w http.ResponseWriter, r *http.Request) {
	exchange := r.URL.Query().Get("exchange")
	pair := domain.TradingPair(r.URL.Query().Get("pair"))
	if exchange == "" || pair == "" {
		writeError(w, http.StatusBadRequest, "exchange and pair query parameters required")
		return
	}

	interval, ok := domain.ParseCandleInterval(r.URL.Query().Get("interval"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown interval")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	var candles []domain.Candle
	if tail, ok := h.candles[exchange]; ok {
		candles = tail.Tail(pair, interval, limit)
	} else if h.store != nil {
		until := time.Now().UTC()
		since := until.Add(-time.Duration(limit) * interval.Duration())
		var err error
		candles, err = h.store.ListRange(r.Context(), exchange, pair, interval, since, until)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list candles failed",
				slog.String("exchange", exchange),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list candles")
			return
		}
	} else {
		writeError(w, http.StatusNotImplemented, "candles not available for this exchange")
		return
	}

	views := make([]candleView, 0, len(candles))
	for _, c := range candles {
		views = append(views, candleView{
			OpenTime: c.OpenTime,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exchange": exchange,
		"pair":     string(pair),
		"interval": interval.String(),
		"candles":  views,
	})
}
