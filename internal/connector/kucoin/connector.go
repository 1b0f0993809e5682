// Package kucoin assembles the KuCoin spot connector: the REST client and
// two bullet-token sockets (public market data, private order and balance
// events) wired into the shared order tracker and locally stitched books.
package kucoin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/coinalpha/hbot/internal/book"
	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/order"
	api "github.com/coinalpha/hbot/internal/platform/kucoin"
)

const (
	// defaultPollInterval is how often open orders are reconciled over REST.
	defaultPollInterval = 10 * time.Second

	// defaultBalanceInterval is how often balances are re-fetched over REST.
	// The private socket pushes balance changes; the poll repairs drift.
	defaultBalanceInterval = time.Minute

	// defaultRuleInterval is how often trading rules are refreshed.
	defaultRuleInterval = 30 * time.Minute

	// emitDepth bounds the snapshots handed to book handlers.
	emitDepth = 50

	// maxBufferedDiffs caps the per-pair diff buffer held while a book
	// snapshot is in flight. Overflow drops the oldest entries.
	maxBufferedDiffs = 1024

	// resyncRetryDelay spaces retries after a failed book resync.
	resyncRetryDelay = 2 * time.Second

	// Private topics. Market data topics are per-symbol and built in
	// publicTopics.
	topicOrders  = "/spotMarket/tradeOrdersV2"
	topicBalance = "/account/balance"
)

// defaultFeePercent is KuCoin's base taker rate. Private order events carry
// no fee amount, so fills recorded from the socket estimate with this rate
// unless Config overrides it.
var defaultFeePercent = decimal.New(1, -3) // 0.1%

// Config configures the KuCoin connector.
type Config struct {
	// Pairs are the markets to stream and trade. KuCoin symbols already use
	// the BASE-QUOTE form, so pairs double as venue symbols.
	Pairs []domain.TradingPair

	// PollInterval is the order status reconciliation cadence.
	PollInterval time.Duration

	// BalanceInterval is the balance refresh cadence.
	BalanceInterval time.Duration

	// RuleInterval is the trading rule refresh cadence.
	RuleInterval time.Duration

	// CandleIntervals are the candle topics to subscribe, if any.
	CandleIntervals []domain.CandleInterval

	// FeePercent estimates the fee of fills the private socket reports
	// without one. Zero means the venue base taker rate.
	FeePercent decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BalanceInterval <= 0 {
		c.BalanceInterval = defaultBalanceInterval
	}
	if c.RuleInterval <= 0 {
		c.RuleInterval = defaultRuleInterval
	}
	if c.FeePercent.IsZero() {
		c.FeePercent = defaultFeePercent
	}
}

// Connector is the KuCoin spot venue. Order state flows in from the private
// socket with REST status polls as the repair path; market data flows from
// the public socket into per-pair books stitched by sequence number.
type Connector struct {
	cfg     Config
	rest    *api.Client
	pub     *api.WSClient
	priv    *api.WSClient
	tracker *connector.Tracker
	logger  *slog.Logger

	// pairs is the configured-market set. Built once in New, read-only
	// afterwards.
	pairs map[domain.TradingPair]bool

	mu       sync.RWMutex
	rules    map[domain.TradingPair]domain.TradingRule
	balances map[string]domain.Balance
	books    map[domain.TradingPair]*book.Book
	buffered map[domain.TradingPair][]domain.OrderBookDiff
	synced   map[domain.TradingPair]bool
	tops     map[domain.TradingPair]domain.TopOfBook

	resync chan domain.TradingPair

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

// New creates a KuCoin connector. rest must carry API credentials; events
// receives order lifecycle events.
func New(cfg Config, rest *api.Client, events domain.EventRecorder, logger *slog.Logger) *Connector {
	cfg.applyDefaults()

	c := &Connector{
		cfg:      cfg,
		rest:     rest,
		pub:      api.NewWSClient(rest, false),
		priv:     api.NewWSClient(rest, true),
		tracker:  connector.NewTracker(domain.ExchangeKucoin, events, logger),
		logger:   logger.With(slog.String("component", "kucoin_connector")),
		pairs:    make(map[domain.TradingPair]bool, len(cfg.Pairs)),
		rules:    make(map[domain.TradingPair]domain.TradingRule),
		balances: make(map[string]domain.Balance),
		books:    make(map[domain.TradingPair]*book.Book, len(cfg.Pairs)),
		buffered: make(map[domain.TradingPair][]domain.OrderBookDiff),
		synced:   make(map[domain.TradingPair]bool, len(cfg.Pairs)),
		tops:     make(map[domain.TradingPair]domain.TopOfBook),
		resync:   make(chan domain.TradingPair, 2*len(cfg.Pairs)+1),
	}
	for _, pair := range cfg.Pairs {
		c.pairs[pair] = true
		c.books[pair] = book.New(domain.ExchangeKucoin, pair)
	}

	c.pub.OnTicker(c.handleTicker)
	c.pub.OnLevel2(c.handleLevel2)
	c.pub.OnMatch(c.handleMatch)
	c.pub.OnCandle(c.handleCandle)
	c.priv.OnOrderChange(c.handleOrderChange)
	c.priv.OnBalanceChange(c.handleBalanceChange)

	return c
}

// Name returns the venue identifier.
func (c *Connector) Name() string { return domain.ExchangeKucoin }

// Ready reports whether rules, balances, and books are warm.
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

// Run warms rules, balances, and books, then supervises the poll loops
// until ctx is cancelled. Both sockets reconnect and resubscribe on their
// own; Run only owns their lifetimes.
func (c *Connector) Run(ctx context.Context) error {
	if err := c.refreshTradingRules(ctx); err != nil {
		return fmt.Errorf("kucoin: trading rules: %w", err)
	}
	if err := c.refreshBalances(ctx); err != nil {
		return fmt.Errorf("kucoin: balances: %w", err)
	}

	if err := c.pub.Connect(ctx); err != nil {
		return err
	}
	defer c.pub.Close()
	for _, topic := range c.publicTopics() {
		if err := c.pub.Subscribe(ctx, topic, false); err != nil {
			return err
		}
	}

	if err := c.priv.Connect(ctx); err != nil {
		return err
	}
	defer c.priv.Close()
	if err := c.priv.Subscribe(ctx, topicOrders, true); err != nil {
		return err
	}
	if err := c.priv.Subscribe(ctx, topicBalance, true); err != nil {
		return err
	}

	// Seed the books after subscribing, so diffs buffered in the meantime
	// bridge each snapshot to the live stream.
	for _, pair := range c.cfg.Pairs {
		if err := c.resyncBook(ctx, pair); err != nil {
			return fmt.Errorf("kucoin: seed book: %w", err)
		}
	}

	c.ready.Store(true)
	defer c.ready.Store(false)
	c.logger.Info("connector ready",
		slog.Int("pairs", len(c.cfg.Pairs)),
		slog.Int("rules", len(c.rules)),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pollOrderStatus(ctx) })
	g.Go(func() error { return c.pollBalances(ctx) })
	g.Go(func() error { return c.pollTradingRules(ctx) })
	g.Go(func() error { return c.resyncLoop(ctx) })
	return g.Wait()
}

// publicTopics lists every market data subscription for the configured
// pairs.
func (c *Connector) publicTopics() []string {
	topics := make([]string, 0, len(c.cfg.Pairs)*(3+len(c.cfg.CandleIntervals)))
	for _, pair := range c.cfg.Pairs {
		sym := string(pair)
		topics = append(topics,
			"/market/ticker:"+sym,
			"/market/level2:"+sym,
			"/market/match:"+sym,
		)
		for _, interval := range c.cfg.CandleIntervals {
			topics = append(topics, "/market/candles:"+sym+"_"+api.IntervalName(interval))
		}
	}
	return topics
}

// pairFor maps a venue symbol to a configured pair. KuCoin symbols are
// already in pair form, so this is a membership check.
func (c *Connector) pairFor(symbol string) (domain.TradingPair, bool) {
	pair := domain.TradingPair(symbol)
	return pair, c.pairs[pair]
}

// isOrderMissing reports a venue-side unknown order. The client maps
// KuCoin's 400100 "order not exist" responses to ErrNotFound, so order
// endpoints treat both sentinels alike.
func isOrderMissing(err error) bool {
	return errors.Is(err, domain.ErrOrderNotFound) || errors.Is(err, domain.ErrNotFound)
}

// --------------------------------------------------------------------------
// Trading
// --------------------------------------------------------------------------

// Buy submits a buy order and returns its client order id.
func (c *Connector) Buy(ctx context.Context, pair domain.TradingPair, amount, price decimal.Decimal, orderType domain.OrderType) (string, error) {
	return c.place(ctx, pair, domain.TradeTypeBuy, amount, price, orderType)
}

// Sell submits a sell order and returns its client order id.
func (c *Connector) Sell(ctx context.Context, pair domain.TradingPair, amount, price decimal.Decimal, orderType domain.OrderType) (string, error) {
	return c.place(ctx, pair, domain.TradeTypeSell, amount, price, orderType)
}

// place quantizes, tracks, and submits one order. The order is tracked
// before the request leaves the process, so a private event racing the ack
// still finds its record.
func (c *Connector) place(ctx context.Context, pair domain.TradingPair, side domain.TradeType, amount, price decimal.Decimal, orderType domain.OrderType) (string, error) {
	if !c.ready.Load() {
		return "", fmt.Errorf("kucoin: place order: %w", domain.ErrConnectorNotReady)
	}
	rule, ok := c.TradingRule(pair)
	if !ok {
		return "", fmt.Errorf("kucoin: no trading rule for %s: %w", pair, domain.ErrNotFound)
	}

	amount = rule.QuantizeAmount(amount)
	if orderType != domain.OrderTypeMarket {
		price = rule.QuantizePrice(price)
	}
	checkPrice := price
	if orderType == domain.OrderTypeMarket {
		// Market orders carry no price; estimate the notional from the mid.
		if mid, ok := c.MidPrice(pair); ok {
			checkPrice = decimal.NewFromFloat(mid)
		}
	}
	if !rule.MeetsMinimums(checkPrice, amount) {
		return "", fmt.Errorf("kucoin: %s %s %s @ %s: %w",
			side, amount, pair, price, domain.ErrBelowMinimums)
	}

	clientOrderID := connector.NewClientOrderID(side, time.Now())
	c.tracker.StartTracking(order.New(order.Params{
		ClientOrderID:   clientOrderID,
		TradingPair:     pair,
		OrderType:       orderType,
		TradeType:       side,
		Price:           price,
		Amount:          amount,
		TradeFeePercent: c.cfg.FeePercent,
	}))

	params := api.PlaceOrderParams{
		ClientOid: clientOrderID,
		Symbol:    string(pair),
		Side:      strings.ToLower(string(side)),
		Type:      "limit",
		Price:     price,
		Size:      amount,
		PostOnly:  orderType == domain.OrderTypeLimitMaker,
	}
	if orderType == domain.OrderTypeMarket {
		params.Type = "market"
	}

	exchangeOrderID, err := c.rest.PlaceOrder(ctx, params)
	if err != nil {
		_ = c.tracker.ProcessOrderUpdate(ctx, domain.OrderUpdate{
			TradingPair:     pair,
			UpdateTimestamp: time.Now(),
			NewState:        domain.OrderStateFailed,
			ClientOrderID:   clientOrderID,
		})
		return "", fmt.Errorf("kucoin: place %s %s %s: %w", side, amount, pair, err)
	}

	// KuCoin acks a placement with just the exchange order id; the ack is
	// the open transition.
	if err := c.tracker.ProcessOrderUpdate(ctx, domain.OrderUpdate{
		TradingPair:     pair,
		UpdateTimestamp: time.Now(),
		NewState:        domain.OrderStateOpen,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: exchangeOrderID,
	}); err != nil {
		c.logger.Warn("ack not applied",
			slog.String("client_order_id", clientOrderID),
			slog.Any("error", err),
		)
	}
	return clientOrderID, nil
}

// Cancel requests cancellation of a tracked order. A venue-side "unknown
// order" is not an error: the order either just filled or never made it to
// the book, and the not-found path decides which.
func (c *Connector) Cancel(ctx context.Context, pair domain.TradingPair, clientOrderID string) error {
	o, ok := c.tracker.FetchTracked(clientOrderID)
	if !ok {
		return fmt.Errorf("kucoin: cancel %s: %w", clientOrderID, domain.ErrOrderNotTracked)
	}

	if err := c.rest.CancelOrderByClientOid(ctx, clientOrderID); err != nil {
		if isOrderMissing(err) {
			c.logger.Info("cancel target unknown to exchange",
				slog.String("client_order_id", clientOrderID),
			)
			_ = c.tracker.ProcessOrderNotFound(ctx, clientOrderID)
			return nil
		}
		return fmt.Errorf("kucoin: cancel %s: %w", clientOrderID, err)
	}

	o.MarkPendingCancel(time.Now())
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

// Balance returns the venue balance for one asset.
func (c *Connector) Balance(asset string) (domain.Balance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.balances[asset]
	return b, ok
}

// TradingRule returns the venue constraints for a pair.
func (c *Connector) TradingRule(pair domain.TradingPair) (domain.TradingRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rules[pair]
	return r, ok
}

// BestBidAsk returns the current top of book for a pair: from the stitched
// book when it is in sync, else from the last ticker tick.
func (c *Connector) BestBidAsk(pair domain.TradingPair) (float64, float64, bool) {
	c.mu.RLock()
	synced := c.synced[pair]
	top, hasTop := c.tops[pair]
	c.mu.RUnlock()

	if synced {
		if b, ok := c.books[pair]; ok {
			bid, ask := b.BestBid(), b.BestAsk()
			if bid > 0 && ask > 0 {
				return bid, ask, true
			}
		}
	}
	if hasTop && top.BidPrice > 0 && top.AskPrice > 0 {
		return top.BidPrice, top.AskPrice, true
	}
	return 0, 0, false
}

// MidPrice returns the current book mid for a pair.
func (c *Connector) MidPrice(pair domain.TradingPair) (float64, bool) {
	bid, ask, ok := c.BestBidAsk(pair)
	if !ok {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Book returns the stitched book for a pair.
func (c *Connector) Book(pair domain.TradingPair) (*book.Book, bool) {
	b, ok := c.books[pair]
	return b, ok
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
// Market data handlers
// --------------------------------------------------------------------------

func (c *Connector) handleTicker(symbol string, t api.WSTicker) {
	pair, ok := c.pairFor(symbol)
	if !ok {
		return
	}
	top := t.ToDomainTop(pair)

	c.mu.Lock()
	c.tops[pair] = top
	c.mu.Unlock()

	c.handlerMu.RLock()
	handlers := c.topHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(top)
	}
}

// handleLevel2 stitches one diff onto its book, buffering while a snapshot
// is in flight and requesting a resync on any sequence gap. KuCoin change
// sequences are contiguous per symbol, so the book's gap detection applies
// directly.
func (c *Connector) handleLevel2(l api.WSLevel2Update) {
	pair, ok := c.pairFor(l.Symbol)
	if !ok {
		return
	}
	diff := l.ToDomainDiff(time.Now())

	c.mu.Lock()
	if !c.synced[pair] {
		buf := append(c.buffered[pair], diff)
		if len(buf) > maxBufferedDiffs {
			buf = buf[len(buf)-maxBufferedDiffs:]
		}
		c.buffered[pair] = buf
		c.mu.Unlock()
		return
	}
	b := c.books[pair]
	err := b.ApplyDiff(diff)
	var snap domain.OrderBookSnapshot
	if err == nil {
		snap = b.Snapshot(emitDepth)
	} else if errors.Is(err, domain.ErrSequenceGap) {
		c.synced[pair] = false
	}
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, domain.ErrSequenceGap) {
			c.logger.Warn("book sequence gap",
				slog.String("pair", string(pair)),
				slog.Int64("sequence_start", diff.FirstUpdateID),
			)
			c.requestResync(pair)
		}
		return
	}
	c.emitBook(snap)
}

func (c *Connector) handleMatch(m api.WSMatch) {
	pair, ok := c.pairFor(m.Symbol)
	if !ok {
		return
	}
	trade := m.ToDomainTrade()
	trade.TradingPair = pair

	c.handlerMu.RLock()
	handlers := c.tradeHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(trade)
	}
}

func (c *Connector) handleCandle(cd api.WSCandles, intervalName string, closed bool) {
	if _, ok := c.pairFor(cd.Symbol); !ok {
		return
	}
	interval, ok := api.ParseIntervalName(intervalName)
	if !ok {
		return
	}
	candle := cd.ToDomainCandle(interval, closed)

	c.handlerMu.RLock()
	handlers := c.candleHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(candle)
	}
}

func (c *Connector) emitBook(snap domain.OrderBookSnapshot) {
	c.handlerMu.RLock()
	handlers := c.bookHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(snap)
	}
}

// --------------------------------------------------------------------------
// Private stream handlers
// --------------------------------------------------------------------------

// handleOrderChange routes one private order event into the tracker: the
// trade leg first, then the state change, so terminal transitions see final
// totals.
func (c *Connector) handleOrderChange(ch api.WSOrderChange) {
	if _, ok := c.pairFor(ch.Symbol); !ok {
		return
	}
	if !connector.IsOurOrderID(ch.ClientOid) {
		// Another session trading the same account.
		return
	}
	ctx := context.Background()

	if trade, ok := ch.ToTradeUpdate(); ok {
		if err := c.tracker.ProcessTradeUpdate(ctx, trade); err != nil && !errors.Is(err, domain.ErrOrderNotTracked) {
			c.logger.Error("trade update failed",
				slog.String("client_order_id", trade.ClientOrderID),
				slog.String("trade_id", trade.TradeID),
				slog.Any("error", err),
			)
		}
	}
	if update, ok := ch.ToOrderUpdate(); ok {
		if err := c.tracker.ProcessOrderUpdate(ctx, update); err != nil && !errors.Is(err, domain.ErrOrderNotTracked) {
			c.logger.Error("order update failed",
				slog.String("client_order_id", update.ClientOrderID),
				slog.Any("error", err),
			)
		}
	}
}

func (c *Connector) handleBalanceChange(b api.WSBalanceChange) {
	bal := b.ToDomainBalance()

	c.mu.Lock()
	c.balances[bal.Asset] = bal
	c.mu.Unlock()
}

// --------------------------------------------------------------------------
// Poll loops
// --------------------------------------------------------------------------

// pollOrderStatus reconciles tracked orders against REST. It repairs any
// update the private socket missed and drives lost-order detection.
func (c *Connector) pollOrderStatus(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.reconcileOrders(ctx)
		}
	}
}

func (c *Connector) reconcileOrders(ctx context.Context) {
	for _, o := range c.tracker.ActiveOrders() {
		// Give a fresh submission one poll cycle for its ack to land.
		if o.State() == domain.OrderStatePendingCreate && time.Since(o.CreatedAt()) < c.cfg.PollInterval {
			continue
		}

		status, err := c.rest.GetOrderByClientOid(ctx, o.ClientOrderID())
		if err != nil {
			if isOrderMissing(err) {
				_ = c.tracker.ProcessOrderNotFound(ctx, o.ClientOrderID())
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("order status poll failed",
				slog.String("client_order_id", o.ClientOrderID()),
				slog.Any("error", err),
			)
			continue
		}

		// The polled order carries cumulative totals but no trade ids, so
		// missed fills are recovered from the fill history before the state
		// lands. Dedup by trade id makes redelivery harmless.
		if dealt, err := decimal.NewFromString(status.DealSize); err == nil &&
			dealt.GreaterThan(o.ExecutedAmountBase()) {
			c.recoverFills(ctx, o, status.ID)
		}

		update := status.ToOrderUpdate(time.Now())
		if err := c.tracker.ProcessOrderUpdate(ctx, update); err != nil && !errors.Is(err, domain.ErrOrderNotTracked) {
			c.logger.Warn("status reconciliation failed",
				slog.String("client_order_id", o.ClientOrderID()),
				slog.Any("error", err),
			)
		}
	}
}

// recoverFills replays the venue's fill history for one order through the
// tracker.
func (c *Connector) recoverFills(ctx context.Context, o *order.InFlightOrder, orderID string) {
	fills, err := c.rest.Fills(ctx, orderID)
	if err != nil {
		c.logger.Warn("fill recovery failed",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.Any("error", err),
		)
		return
	}
	for _, f := range fills {
		update := f.ToTradeUpdate(o.ClientOrderID())
		if err := c.tracker.ProcessTradeUpdate(ctx, update); err != nil && !errors.Is(err, domain.ErrOrderNotTracked) {
			c.logger.Warn("recovered fill not applied",
				slog.String("client_order_id", o.ClientOrderID()),
				slog.String("trade_id", update.TradeID),
				slog.Any("error", err),
			)
		}
	}
}

func (c *Connector) pollBalances(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.BalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.refreshBalances(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("balance refresh failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Connector) pollTradingRules(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RuleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.refreshTradingRules(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("trading rule refresh failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Connector) refreshBalances(ctx context.Context) error {
	accounts, err := c.rest.Accounts(ctx)
	if err != nil {
		return err
	}
	at := time.Now()

	c.mu.Lock()
	for _, a := range accounts {
		bal := a.ToDomainBalance(at)
		c.balances[bal.Asset] = bal
	}
	c.mu.Unlock()
	return nil
}

func (c *Connector) refreshTradingRules(ctx context.Context) error {
	symbols, err := c.rest.Symbols(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for i := range symbols {
		s := &symbols[i]
		pair := s.Pair()
		if !c.pairs[pair] || !s.EnableTrading {
			continue
		}
		c.rules[pair] = s.ToTradingRule()
	}
	c.mu.Unlock()
	return nil
}

// --------------------------------------------------------------------------
// Book resync
// --------------------------------------------------------------------------

// resyncBook re-seeds one book from a REST snapshot and replays the diffs
// buffered while the snapshot was in flight.
func (c *Connector) resyncBook(ctx context.Context, pair domain.TradingPair) error {
	ob, err := c.rest.OrderBook(ctx, string(pair))
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", pair, err)
	}
	snap := ob.ToDomainSnapshot(pair)

	c.mu.Lock()
	b := c.books[pair]
	b.ApplySnapshot(snap)
	pending := c.buffered[pair]
	c.buffered[pair] = nil
	var replayErr error
	for _, diff := range pending {
		if err := b.ApplyDiff(diff); err != nil {
			replayErr = err
			break
		}
	}
	c.synced[pair] = replayErr == nil
	var out domain.OrderBookSnapshot
	if replayErr == nil {
		out = b.Snapshot(emitDepth)
	}
	c.mu.Unlock()

	if replayErr != nil {
		return fmt.Errorf("replay buffered diffs %s: %w", pair, replayErr)
	}
	c.logger.Debug("book synced",
		slog.String("pair", string(pair)),
		slog.Int64("seq", snap.SeqNum),
		slog.Int("replayed", len(pending)),
	)
	c.emitBook(out)
	return nil
}

func (c *Connector) requestResync(pair domain.TradingPair) {
	select {
	case c.resync <- pair:
	default:
	}
}

// resyncLoop serves resync requests, retrying failed attempts after a
// pause. The book stays unsynced, its diffs buffering, until a resync
// succeeds.
func (c *Connector) resyncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pair := <-c.resync:
			if err := c.resyncBook(ctx, pair); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error("book resync failed",
					slog.String("pair", string(pair)),
					slog.Any("error", err),
				)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(resyncRetryDelay):
				}
				c.requestResync(pair)
			}
		}
	}
}
