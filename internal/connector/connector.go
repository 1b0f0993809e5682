package connector

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// Connector is the contract every venue integration implements. Strategies
// and the executor speak only this interface; venue quirks stay below it.
// Every venue also publishes market data, so MarketStreams is part of the
// contract: the feed router attaches to any Connector directly.
type Connector interface {
	// MarketStreams carries Name plus the handler registration methods.
	MarketStreams

	// Ready reports whether books, rules, and balances are warm enough to
	// trade.
	Ready() bool

	// Run starts the connector's stream loops and blocks until the
	// context is cancelled.
	Run(ctx context.Context) error

	// Buy submits a buy order and returns its client order id. Tracking
	// starts before the request leaves the process.
	Buy(ctx context.Context, pair domain.TradingPair, amount, price decimal.Decimal, orderType domain.OrderType) (string, error)

	// Sell submits a sell order and returns its client order id.
	Sell(ctx context.Context, pair domain.TradingPair, amount, price decimal.Decimal, orderType domain.OrderType) (string, error)

	// Cancel requests cancellation of a tracked order.
	Cancel(ctx context.Context, pair domain.TradingPair, clientOrderID string) error

	// CancelAll cancels every live order this connector is tracking.
	CancelAll(ctx context.Context) error

	// Balance returns the venue balance for one asset.
	Balance(asset string) (domain.Balance, bool)

	// TradingRule returns the venue constraints for a pair.
	TradingRule(pair domain.TradingPair) (domain.TradingRule, bool)

	// MidPrice returns the current book mid for a pair.
	MidPrice(pair domain.TradingPair) (float64, bool)

	// BestBidAsk returns the current top of book for a pair.
	BestBidAsk(pair domain.TradingPair) (bid, ask float64, ok bool)

	// OpenOrders lists the connector's live orders for status surfaces.
	OpenOrders() []domain.LimitOrder

	// Tracker exposes the in-flight order tracker.
	Tracker() *Tracker
}

// NopRecorder drops every event. Used where lifecycle events are not
// consumed, and in tests.
type NopRecorder struct{}

func (NopRecorder) Record(domain.OrderEvent) {}
