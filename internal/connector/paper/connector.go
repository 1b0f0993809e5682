// Package paper implements a simulated venue. Orders rest locally and fill
// in full against the top of book observed from a market data source;
// balances live in memory with funds locked while orders are open. The
// same tracker drives the same lifecycle events as a real venue, so
// strategies and services cannot tell the difference.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/order"
)

// sweepInterval is how often resting orders are re-checked against the
// last observed top. Top-of-book ticks also trigger matching; the sweep
// covers orders whose submission latency elapses between ticks.
const sweepInterval = 100 * time.Millisecond

// Config configures the paper venue.
type Config struct {
	// Pairs are the markets accepted for simulated orders.
	Pairs []domain.TradingPair

	// Latency delays a submission before it can fill. Zero fills on the
	// next observed top.
	Latency time.Duration

	// FeePercent is charged on fill notional, in the quote asset.
	FeePercent decimal.Decimal

	// InitialBalances seeds the simulated account, by asset.
	InitialBalances map[string]decimal.Decimal

	// Rules are the venue constraints per pair. Pairs without a rule are
	// unconstrained.
	Rules []domain.TradingRule
}

// reservation is the funds locked by one open order.
type reservation struct {
	asset  string
	amount decimal.Decimal
}

// Connector is the simulated venue.
type Connector struct {
	cfg     Config
	tracker *connector.Tracker
	logger  *slog.Logger
	now     func() time.Time

	// pairs and rules are built once in New, read-only afterwards.
	pairs map[domain.TradingPair]bool
	rules map[domain.TradingPair]domain.TradingRule

	mu       sync.RWMutex
	balances map[string]domain.Balance
	locks    map[string]reservation
	tops     map[domain.TradingPair]domain.TopOfBook

	// matchMu serializes fills and cancels, so an order cannot fill twice
	// or fill while its cancellation settles.
	matchMu sync.Mutex

	orderSeq atomic.Int64
	tradeSeq atomic.Int64

	handlerMu      sync.RWMutex
	bookHandlers   []connector.BookHandler
	tradeHandlers  []connector.PublicTradeHandler
	topHandlers    []connector.TopOfBookHandler
	candleHandlers []connector.CandleHandler

	ready atomic.Bool
}

var (
	_ connector.Connector     = (*Connector)(nil)
	_ connector.MarketStreams = (*Connector)(nil)
)

// New creates a paper venue. source supplies the market data the simulation
// prices against and is re-emitted through this connector's own stream
// hooks; pass nil to drive prices through ProcessTop directly.
func New(cfg Config, source connector.MarketStreams, events domain.EventRecorder, logger *slog.Logger) *Connector {
	c := &Connector{
		cfg:      cfg,
		tracker:  connector.NewTracker(domain.ExchangePaper, events, logger),
		logger:   logger.With(slog.String("component", "paper_connector")),
		now:      time.Now,
		pairs:    make(map[domain.TradingPair]bool, len(cfg.Pairs)),
		rules:    make(map[domain.TradingPair]domain.TradingRule, len(cfg.Rules)),
		balances: make(map[string]domain.Balance, len(cfg.InitialBalances)),
		locks:    make(map[string]reservation),
		tops:     make(map[domain.TradingPair]domain.TopOfBook),
	}
	for _, pair := range cfg.Pairs {
		c.pairs[pair] = true
	}
	for _, rule := range cfg.Rules {
		c.rules[rule.TradingPair] = rule
	}
	at := c.now()
	for asset, amount := range cfg.InitialBalances {
		c.balances[asset] = domain.Balance{
			Exchange:  domain.ExchangePaper,
			Asset:     asset,
			Total:     amount,
			Available: amount,
			UpdatedAt: at,
		}
	}

	if source != nil {
		source.OnTopOfBook(c.ProcessTop)
		source.OnBookSnapshot(func(s domain.OrderBookSnapshot) { c.emitBook(s) })
		source.OnPublicTrade(func(tr domain.PublicTrade) { c.emitTrade(tr) })
		source.OnCandle(func(cd domain.Candle) { c.emitCandle(cd) })
	}
	return c
}

// SetNow replaces the clock. Test hook.
func (c *Connector) SetNow(now func() time.Time) { c.now = now }

// Name returns the venue identifier.
func (c *Connector) Name() string { return domain.ExchangePaper }

// Ready reports whether the simulation is running.
func (c *Connector) Ready() bool { return c.ready.Load() }

// Tracker exposes the in-flight order tracker.
func (c *Connector) Tracker() *connector.Tracker { return c.tracker }

// OnBookSnapshot registers a book handler. Register before Run.
func (c *Connector) OnBookSnapshot(h connector.BookHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.bookHandlers = append(c.bookHandlers, h)
}

// OnPublicTrade registers a public trade handler. Register before Run.
func (c *Connector) OnPublicTrade(h connector.PublicTradeHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.tradeHandlers = append(c.tradeHandlers, h)
}

// OnTopOfBook registers a best bid/ask handler. Register before Run.
func (c *Connector) OnTopOfBook(h connector.TopOfBookHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.topHandlers = append(c.topHandlers, h)
}

// OnCandle registers a candle handler. Register before Run.
func (c *Connector) OnCandle(h connector.CandleHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.candleHandlers = append(c.candleHandlers, h)
}

// Run marks the venue ready and sweeps resting orders until ctx is
// cancelled.
func (c *Connector) Run(ctx context.Context) error {
	c.ready.Store(true)
	defer c.ready.Store(false)
	c.logger.Info("paper venue ready",
		slog.Int("pairs", len(c.cfg.Pairs)),
		slog.Duration("latency", c.cfg.Latency),
		slog.String("fee_percent", c.cfg.FeePercent.String()),
	)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// ProcessTop records a top-of-book observation and matches resting orders
// on that pair against it.
func (c *Connector) ProcessTop(top domain.TopOfBook) {
	if !c.pairs[top.TradingPair] {
		return
	}

	c.mu.Lock()
	c.tops[top.TradingPair] = top
	c.mu.Unlock()

	c.handlerMu.RLock()
	handlers := c.topHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(top)
	}

	c.matchPair(context.Background(), top.TradingPair)
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// Buy submits a simulated buy order and returns its client order id.
func (c *Connector) Buy(ctx context.Context, pair domain.TradingPair, amount, price decimal.Decimal, orderType domain.OrderType) (string, error) {
	return c.place(ctx, pair, domain.TradeTypeBuy, amount, price, orderType)
}

// Sell submits a simulated sell order and returns its client order id.
func (c *Connector) Sell(ctx context.Context, pair domain.TradingPair, amount, price decimal.Decimal, orderType domain.OrderType) (string, error) {
	return c.place(ctx, pair, domain.TradeTypeSell, amount, price, orderType)
}

// place mirrors the live placement path: quantize, track, then "submit" by
// locking funds. Rejections run through the tracker as failures, the same
// way a venue rejection would.
func (c *Connector) place(ctx context.Context, pair domain.TradingPair, side domain.TradeType, amount, price decimal.Decimal, orderType domain.OrderType) (string, error) {
	if !c.ready.Load() {
		return "", fmt.Errorf("paper: place order: %w", domain.ErrConnectorNotReady)
	}
	if !c.pairs[pair] {
		return "", fmt.Errorf("paper: market %s not configured: %w", pair, domain.ErrNotFound)
	}
	rule := c.rules[pair] // zero rule is unconstrained

	amount = rule.QuantizeAmount(amount)
	if orderType != domain.OrderTypeMarket {
		price = rule.QuantizePrice(price)
	}
	// Market orders carry no price: check minimums at the mid, cost the
	// reservation at the far side they will fill against.
	checkPrice, costPrice := price, price
	if orderType == domain.OrderTypeMarket {
		if mid, ok := c.MidPrice(pair); ok {
			checkPrice = decimal.NewFromFloat(mid)
		}
		costPrice = decimal.Zero
		if bid, ask, ok := c.BestBidAsk(pair); ok {
			if side == domain.TradeTypeBuy {
				costPrice = decimal.NewFromFloat(ask)
			} else {
				costPrice = decimal.NewFromFloat(bid)
			}
		}
	}
	if !rule.MeetsMinimums(checkPrice, amount) {
		return "", fmt.Errorf("paper: %s %s %s @ %s: %w",
			side, amount, pair, price, domain.ErrBelowMinimums)
	}

	now := c.now()
	clientOrderID := connector.NewClientOrderID(side, now)
	c.tracker.StartTracking(order.New(order.Params{
		ClientOrderID: clientOrderID,
		TradingPair:   pair,
		OrderType:     orderType,
		TradeType:     side,
		Price:         price,
		Amount:        amount,
		CreatedAt:     now,
	}))

	if err := c.submit(clientOrderID, pair, side, amount, costPrice, orderType); err != nil {
		_ = c.tracker.ProcessOrderUpdate(ctx, domain.OrderUpdate{
			TradingPair:     pair,
			UpdateTimestamp: c.now(),
			NewState:        domain.OrderStateFailed,
			ClientOrderID:   clientOrderID,
		})
		return "", fmt.Errorf("paper: place %s %s %s: %w", side, amount, pair, err)
	}

	exchangeOrderID := strconv.FormatInt(c.orderSeq.Add(1), 10)
	if err := c.tracker.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		TradingPair:     pair,
		UpdateTimestamp: c.now(),
		NewState:        domain.OrderStateOpen,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: exchangeOrderID,
	}); err != nil {
		c.logger.Warn("open transition not applied",
			slog.String("client_order_id", clientOrderID),
			slog.Any("error", err),
		)
	}

	// Market orders and crossed limits fill on the spot instead of waiting
	// for the next tick.
	if c.cfg.Latency <= 0 {
		c.matchPair(ctx, pair)
	}
	return clientOrderID, nil
}

// submit validates a tracked order against the simulated account and locks
// the funds it needs. A post-only order that would cross the current top is
// rejected, as a real venue would.
func (c *Connector) submit(clientOrderID string, pair domain.TradingPair, side domain.TradeType, amount, costPrice decimal.Decimal, orderType domain.OrderType) error {
	if orderType == domain.OrderTypeLimitMaker {
		if c.wouldCross(pair, side, costPrice) {
			return fmt.Errorf("post-only order would cross: %w", domain.ErrInvalidOrder)
		}
	}

	var res reservation
	if side == domain.TradeTypeBuy {
		if costPrice.IsZero() {
			return fmt.Errorf("no price to cost a market buy: %w", domain.ErrConnectorNotReady)
		}
		notional := costPrice.Mul(amount)
		res = reservation{
			asset:  pair.Quote(),
			amount: notional.Add(notional.Mul(c.cfg.FeePercent)),
		}
	} else {
		res = reservation{asset: pair.Base(), amount: amount}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	bal := c.balances[res.asset]
	if bal.Available.LessThan(res.amount) {
		return fmt.Errorf("%s %s available, need %s: %w",
			bal.Available, res.asset, res.amount, domain.ErrInsufficientBalance)
	}
	bal.Available = bal.Available.Sub(res.amount)
	bal.UpdatedAt = c.now()
	c.balances[res.asset] = bal
	c.locks[clientOrderID] = res
	return nil
}

// wouldCross reports whether a resting order at price would immediately
// trade against the current top.
func (c *Connector) wouldCross(pair domain.TradingPair, side domain.TradeType, price decimal.Decimal) bool {
	c.mu.RLock()
	top, ok := c.tops[pair]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if side == domain.TradeTypeBuy {
		return top.AskPrice > 0 && !price.LessThan(decimal.NewFromFloat(top.AskPrice))
	}
	return top.BidPrice > 0 && !price.GreaterThan(decimal.NewFromFloat(top.BidPrice))
}

// Cancel cancels a tracked order and releases its locked funds. Paper
// cancels never race a venue: they settle immediately.
func (c *Connector) Cancel(ctx context.Context, pair domain.TradingPair, clientOrderID string) error {
	c.matchMu.Lock()
	defer c.matchMu.Unlock()

	o, ok := c.tracker.FetchTracked(clientOrderID)
	if !ok {
		return fmt.Errorf("paper: cancel %s: %w", clientOrderID, domain.ErrOrderNotTracked)
	}

	c.releaseReservation(clientOrderID)
	if err := c.tracker.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		TradingPair:     o.TradingPair(),
		UpdateTimestamp: c.now(),
		NewState:        domain.OrderStateCancelled,
		ClientOrderID:   clientOrderID,
	}); err != nil {
		return fmt.Errorf("paper: cancel %s: %w", clientOrderID, err)
	}
	return nil
}

// CancelAll cancels every live order on this connector.
func (c *Connector) CancelAll(ctx context.Context) error {
	var errs []error
	for _, o := range c.tracker.ActiveOrders() {
		if !o.State().IsOpen() {
			continue
		}
		if err := c.Cancel(ctx, o.TradingPair(), o.ClientOrderID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// State accessors
// --------------------------------------------------------------------------

// Balance returns the simulated balance for one asset.
func (c *Connector) Balance(asset string) (domain.Balance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.balances[asset]
	return b, ok
}

// TradingRule returns the configured constraints for a pair.
func (c *Connector) TradingRule(pair domain.TradingPair) (domain.TradingRule, bool) {
	r, ok := c.rules[pair]
	return r, ok
}

// BestBidAsk returns the last observed top of book for a pair.
func (c *Connector) BestBidAsk(pair domain.TradingPair) (float64, float64, bool) {
	c.mu.RLock()
	top, ok := c.tops[pair]
	c.mu.RUnlock()
	if !ok || top.BidPrice <= 0 || top.AskPrice <= 0 {
		return 0, 0, false
	}
	return top.BidPrice, top.AskPrice, true
}

// MidPrice returns the mid of the last observed top for a pair.
func (c *Connector) MidPrice(pair domain.TradingPair) (float64, bool) {
	bid, ask, ok := c.BestBidAsk(pair)
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// OpenOrders lists the connector's live orders for status surfaces.
func (c *Connector) OpenOrders() []domain.LimitOrder {
	active := c.tracker.ActiveOrders()
	out := make([]domain.LimitOrder, 0, len(active))
	for _, o := range active {
		out = append(out, o.ToLimitOrder())
	}
	return out
}

// --------------------------------------------------------------------------
// Matching
// --------------------------------------------------------------------------

// sweep matches every pair with an observed top. Covers orders whose
// submission latency elapsed since the last tick.
func (c *Connector) sweep(ctx context.Context) {
	c.mu.RLock()
	pairs := make([]domain.TradingPair, 0, len(c.tops))
	for pair := range c.tops {
		pairs = append(pairs, pair)
	}
	c.mu.RUnlock()

	for _, pair := range pairs {
		c.matchPair(ctx, pair)
	}
}

// matchPair fills every eligible resting order on one pair against the
// last observed top.
func (c *Connector) matchPair(ctx context.Context, pair domain.TradingPair) {
	c.matchMu.Lock()
	defer c.matchMu.Unlock()

	c.mu.RLock()
	top, ok := c.tops[pair]
	c.mu.RUnlock()
	if !ok {
		return
	}

	now := c.now()
	for _, o := range c.tracker.ActiveOrders() {
		if o.TradingPair() != pair || !o.State().IsOpen() {
			continue
		}
		if now.Sub(o.CreatedAt()) < c.cfg.Latency {
			continue
		}
		price, crossed := c.crossingPrice(o, top)
		if !crossed {
			continue
		}
		c.fillOrder(ctx, o, price, now)
	}
}

// crossingPrice decides whether an order trades against the top, and at
// what price: limits fill at their own price once the far side reaches it,
// markets fill at the far side.
func (c *Connector) crossingPrice(o *order.InFlightOrder, top domain.TopOfBook) (decimal.Decimal, bool) {
	if o.TradeType() == domain.TradeTypeBuy {
		if top.AskPrice <= 0 {
			return decimal.Zero, false
		}
		ask := decimal.NewFromFloat(top.AskPrice)
		if o.OrderType() == domain.OrderTypeMarket {
			return ask, true
		}
		if ask.LessThanOrEqual(o.Price()) {
			return o.Price(), true
		}
		return decimal.Zero, false
	}

	if top.BidPrice <= 0 {
		return decimal.Zero, false
	}
	bid := decimal.NewFromFloat(top.BidPrice)
	if o.OrderType() == domain.OrderTypeMarket {
		return bid, true
	}
	if bid.GreaterThanOrEqual(o.Price()) {
		return o.Price(), true
	}
	return decimal.Zero, false
}

// fillOrder fills the order's full remaining amount at price: settles the
// simulated account, then routes the fill through the tracker. Caller
// holds matchMu.
func (c *Connector) fillOrder(ctx context.Context, o *order.InFlightOrder, price decimal.Decimal, now time.Time) {
	amount := o.Amount().Sub(o.ExecutedAmountBase())
	if !amount.IsPositive() {
		return
	}
	pair := o.TradingPair()
	quote := price.Mul(amount)
	fee := quote.Mul(c.cfg.FeePercent)

	c.mu.Lock()
	res := c.locks[o.ClientOrderID()]
	delete(c.locks, o.ClientOrderID())
	if o.TradeType() == domain.TradeTypeBuy {
		spent := quote.Add(fee)
		c.adjustLocked(pair.Quote(), spent.Neg(), res.amount.Sub(spent), now)
		c.adjustLocked(pair.Base(), amount, amount, now)
	} else {
		c.adjustLocked(pair.Base(), amount.Neg(), res.amount.Sub(amount), now)
		proceeds := quote.Sub(fee)
		c.adjustLocked(pair.Quote(), proceeds, proceeds, now)
	}
	c.mu.Unlock()

	update := domain.TradeUpdate{
		TradeID:         strconv.FormatInt(c.tradeSeq.Add(1), 10),
		ClientOrderID:   o.ClientOrderID(),
		TradingPair:     pair,
		FillTimestamp:   now,
		FillPrice:       price,
		FillBaseAmount:  amount,
		FillQuoteAmount: quote,
		FeeAsset:        pair.Quote(),
		FeePaid:         fee,
	}
	if err := c.tracker.ProcessTradeUpdate(ctx, update); err != nil {
		c.logger.Error("simulated fill not applied",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.String("trade_id", update.TradeID),
			slog.Any("error", err),
		)
	}
}

// adjustLocked applies a total/available delta to one asset. Caller holds
// c.mu.
func (c *Connector) adjustLocked(asset string, dTotal, dAvailable decimal.Decimal, at time.Time) {
	bal := c.balances[asset]
	if bal.Asset == "" {
		bal.Exchange = domain.ExchangePaper
		bal.Asset = asset
	}
	bal.Total = bal.Total.Add(dTotal)
	bal.Available = bal.Available.Add(dAvailable)
	bal.UpdatedAt = at
	c.balances[asset] = bal
}

// releaseReservation returns an order's locked funds to the available
// balance. Caller holds matchMu.
func (c *Connector) releaseReservation(clientOrderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.locks[clientOrderID]
	if !ok {
		return
	}
	delete(c.locks, clientOrderID)
	c.adjustLocked(res.asset, decimal.Zero, res.amount, c.now())
}

// --------------------------------------------------------------------------
// Stream re-emission
// --------------------------------------------------------------------------

func (c *Connector) emitBook(snap domain.OrderBookSnapshot) {
	c.handlerMu.RLock()
	handlers := c.bookHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(snap)
	}
}

func (c *Connector) emitTrade(tr domain.PublicTrade) {
	c.handlerMu.RLock()
	handlers := c.tradeHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(tr)
	}
}

func (c *Connector) emitCandle(cd domain.Candle) {
	c.handlerMu.RLock()
	handlers := c.candleHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(cd)
	}
}
