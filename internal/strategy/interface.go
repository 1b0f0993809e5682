// Package strategy hosts the trading strategies and the engine that drives
// them. Strategies are event-driven: the feed pushes market data in, the
// engine adds a steady tick, and strategies answer with order proposals that
// the executor pipeline turns into venue orders.
package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/coinalpha/hbot/internal/arbitrage"
	"github.com/coinalpha/hbot/internal/domain"
)

// Strategy is the contract for trading strategies. The engine calls every
// method from a single goroutine per strategy, so implementations only need
// locking for state they share with other components.
type Strategy interface {
	Name() string
	Init(ctx context.Context) error
	// OnTick fires at the engine cadence whether or not the market moved.
	// Refresh and cooldown logic belongs here, not in the data callbacks.
	OnTick(ctx context.Context, now time.Time) ([]domain.OrderProposal, error)
	OnBookUpdate(ctx context.Context, snap domain.OrderBookSnapshot) ([]domain.OrderProposal, error)
	OnPriceChange(ctx context.Context, change domain.PriceChange) ([]domain.OrderProposal, error)
	OnTrade(ctx context.Context, trade domain.PublicTrade) ([]domain.OrderProposal, error)
	OnOrderEvent(ctx context.Context, ev domain.OrderEvent) ([]domain.OrderProposal, error)
	Close() error
}

// MarketView is the read-only venue surface strategies draw on. Connector
// assemblies satisfy it; tests use stubs.
type MarketView interface {
	Name() string
	Ready() bool
	Balance(asset string) (domain.Balance, bool)
	TradingRule(pair domain.TradingPair) (domain.TradingRule, bool)
	MidPrice(pair domain.TradingPair) (float64, bool)
	BestBidAsk(pair domain.TradingPair) (bid, ask float64, ok bool)
	OpenOrders() []domain.LimitOrder
}

// CandleSource provides closed-candle history for indicator math. The candle
// aggregator satisfies it.
type CandleSource interface {
	Tail(pair domain.TradingPair, interval domain.CandleInterval, n int) []domain.Candle
}

// Deps bundles the shared services handed to strategy constructors. Markets
// holds one view per venue keyed by exchange name; Candles may be nil in
// modes that run no aggregator, and strategies must tolerate that.
type Deps struct {
	Markets map[string]MarketView
	Candles CandleSource
	Mids    *MidTracker
	Arb     *arbitrage.Registry // detected-opportunity log, may be nil
	Logger  *slog.Logger
}

// Config holds the per-strategy settings common to all strategies. Anything
// strategy-specific rides in Params, read through the param helpers below so
// JSON-decoded numbers (always float64) and native ints both work.
type Config struct {
	Name        string
	Exchange    string
	TradingPair domain.TradingPair
	OrderAmount float64 // base units per order or ladder level
	Params      map[string]any
}

func paramFloat(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func paramBool(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func paramDuration(params map[string]any, key string, def time.Duration) time.Duration {
	if s, ok := params[key].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return def
}
