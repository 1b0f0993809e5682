// Package binance assembles the Binance spot connector: the REST client,
// the market data socket, and the user data stream wired into the shared
// order tracker and locally stitched books.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/coinalpha/hbot/internal/book"
	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/order"
	api "github.com/coinalpha/hbot/internal/platform/binance"
)

const (
	// defaultPollInterval is how often open orders are reconciled over REST.
	defaultPollInterval = 10 * time.Second

	// defaultBalanceInterval is how often balances are re-fetched over REST.
	// The user stream pushes balance changes as they happen; the poll only
	// repairs drift.
	defaultBalanceInterval = time.Minute

	// defaultRuleInterval is how often trading rules are refreshed.
	defaultRuleInterval = 30 * time.Minute

	// defaultSnapshotDepth is the REST depth used to seed a book.
	defaultSnapshotDepth = 1000

	// emitDepth bounds the snapshots handed to book handlers.
	emitDepth = 50

	// maxBufferedDiffs caps the per-pair diff buffer held while a book
	// snapshot is in flight. Overflow drops the oldest entries.
	maxBufferedDiffs = 1024

	// resyncRetryDelay spaces retries after a failed book resync.
	resyncRetryDelay = 2 * time.Second
)

// Config configures the Binance connector.
type Config struct {
	// Pairs are the markets to stream and trade.
	Pairs []domain.TradingPair

	// WSBaseURL overrides the market data endpoint. Empty means production.
	WSBaseURL string

	// UserWSBaseURL overrides the user stream endpoint. Empty means production.
	UserWSBaseURL string

	// PollInterval is the order status reconciliation cadence.
	PollInterval time.Duration

	// BalanceInterval is the balance refresh cadence.
	BalanceInterval time.Duration

	// RuleInterval is the trading rule refresh cadence.
	RuleInterval time.Duration

	// SnapshotDepth is the REST depth used when seeding or resyncing a book.
	SnapshotDepth int

	// CandleIntervals are the kline streams to subscribe, if any.
	CandleIntervals []domain.CandleInterval
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
	if c.SnapshotDepth <= 0 {
		c.SnapshotDepth = defaultSnapshotDepth
	}
}

// Connector is the Binance spot venue. Order state flows in from the user
// data stream with REST status polls as the repair path; market data flows
// from the combined streams into per-pair books stitched by sequence number.
type Connector struct {
	cfg     Config
	rest    *api.RestClient
	ws      *api.WSClient
	user    *api.UserStream
	tracker *connector.Tracker
	logger  *slog.Logger

	// symbolToPair maps venue symbols back to configured pairs. Built once
	// in New, read-only afterwards.
	symbolToPair map[string]domain.TradingPair

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

// New creates a Binance connector. rest must carry API credentials; events
// receives order lifecycle events.
func New(cfg Config, rest *api.RestClient, events domain.EventRecorder, logger *slog.Logger) *Connector {
	cfg.applyDefaults()

	c := &Connector{
		cfg:          cfg,
		rest:         rest,
		ws:           api.NewWSClient(cfg.WSBaseURL),
		user:         api.NewUserStream(rest, cfg.UserWSBaseURL),
		tracker:      connector.NewTracker(domain.ExchangeBinance, events, logger),
		logger:       logger.With(slog.String("component", "binance_connector")),
		symbolToPair: make(map[string]domain.TradingPair, len(cfg.Pairs)),
		rules:        make(map[domain.TradingPair]domain.TradingRule),
		balances:     make(map[string]domain.Balance),
		books:        make(map[domain.TradingPair]*book.Book, len(cfg.Pairs)),
		buffered:     make(map[domain.TradingPair][]domain.OrderBookDiff),
		synced:       make(map[domain.TradingPair]bool, len(cfg.Pairs)),
		tops:         make(map[domain.TradingPair]domain.TopOfBook),
		resync:       make(chan domain.TradingPair, 2*len(cfg.Pairs)+1),
	}
	for _, pair := range cfg.Pairs {
		c.symbolToPair[api.SymbolFromPair(pair)] = pair
		c.books[pair] = book.New(domain.ExchangeBinance, pair)
	}

	c.ws.OnDepthUpdate(c.handleDepth)
	c.ws.OnTrade(c.handleTrade)
	c.ws.OnBookTicker(c.handleTicker)
	c.ws.OnKline(c.handleKline)
	c.user.OnExecutionReport(c.handleExecutionReport)
	c.user.OnAccountPosition(c.handleAccountPosition)

	return c
}

// Name returns the venue identifier.
func (c *Connector) Name() string { return domain.ExchangeBinance }

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

// Run warms rules, balances, and books, then supervises the stream and
// poll loops until ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	if err := c.refreshTradingRules(ctx); err != nil {
		return fmt.Errorf("binance: trading rules: %w", err)
	}
	if err := c.refreshBalances(ctx); err != nil {
		return fmt.Errorf("binance: balances: %w", err)
	}

	if err := c.ws.Connect(ctx); err != nil {
		return err
	}
	defer c.ws.Close()

	if err := c.ws.Subscribe(ctx, c.streamNames()); err != nil {
		return err
	}

	// Seed the books after subscribing, so diffs buffered in the meantime
	// bridge each snapshot to the live stream.
	for _, pair := range c.cfg.Pairs {
		if err := c.resyncBook(ctx, pair); err != nil {
			return fmt.Errorf("binance: seed book: %w", err)
		}
	}

	c.ready.Store(true)
	defer c.ready.Store(false)
	c.logger.Info("connector ready",
		slog.Int("pairs", len(c.cfg.Pairs)),
		slog.Int("rules", len(c.rules)),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.user.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error { return c.pollOrderStatus(ctx) })
	g.Go(func() error { return c.pollBalances(ctx) })
	g.Go(func() error { return c.pollTradingRules(ctx) })
	g.Go(func() error { return c.resyncLoop(ctx) })
	return g.Wait()
}

// streamNames lists every combined-stream subscription for the configured
// pairs.
func (c *Connector) streamNames() []string {
	streams := make([]string, 0, len(c.cfg.Pairs)*(3+len(c.cfg.CandleIntervals)))
	for _, pair := range c.cfg.Pairs {
		sym := api.SymbolFromPair(pair)
		streams = append(streams,
			api.StreamName(sym, "depth"),
			api.StreamName(sym, "trade"),
			api.StreamName(sym, "bookTicker"),
		)
		for _, interval := range c.cfg.CandleIntervals {
			streams = append(streams, api.StreamName(sym, "kline_"+interval.String()))
		}
	}
	return streams
}

func (c *Connector) pairForSymbol(symbol string) (domain.TradingPair, bool) {
	pair, ok := c.symbolToPair[symbol]
	return pair, ok
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
// before the request leaves the process, so a fill racing the ack still
// finds its record.
func (c *Connector) place(ctx context.Context, pair domain.TradingPair, side domain.TradeType, amount, price decimal.Decimal, orderType domain.OrderType) (string, error) {
	if !c.ready.Load() {
		return "", fmt.Errorf("binance: place order: %w", domain.ErrConnectorNotReady)
	}
	rule, ok := c.TradingRule(pair)
	if !ok {
		return "", fmt.Errorf("binance: no trading rule for %s: %w", pair, domain.ErrNotFound)
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
		return "", fmt.Errorf("binance: %s %s %s @ %s: %w",
			side, amount, pair, price, domain.ErrBelowMinimums)
	}

	clientOrderID := connector.NewClientOrderID(side, time.Now())
	c.tracker.StartTracking(order.New(order.Params{
		ClientOrderID: clientOrderID,
		TradingPair:   pair,
		OrderType:     orderType,
		TradeType:     side,
		Price:         price,
		Amount:        amount,
	}))

	ack, err := c.rest.NewOrder(ctx, api.NewOrderParams{
		Symbol:        api.SymbolFromPair(pair),
		Side:          string(side),
		Type:          string(orderType),
		Quantity:      amount,
		Price:         price,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		_ = c.tracker.ProcessOrderUpdate(ctx, domain.OrderUpdate{
			TradingPair:     pair,
			UpdateTimestamp: time.Now(),
			NewState:        domain.OrderStateFailed,
			ClientOrderID:   clientOrderID,
		})
		return "", fmt.Errorf("binance: place %s %s %s: %w", side, amount, pair, err)
	}

	// Immediate fills first, so a FILLED ack completes with correct totals.
	for _, fill := range ack.ToTradeUpdates(pair) {
		if err := c.tracker.ProcessTradeUpdate(ctx, fill); err != nil {
			c.logger.Warn("ack fill not applied",
				slog.String("client_order_id", clientOrderID),
				slog.String("trade_id", fill.TradeID),
				slog.Any("error", err),
			)
		}
	}
	if update, ok := ack.ToOrderUpdate(pair); ok {
		if err := c.tracker.ProcessOrderUpdate(ctx, update); err != nil {
			c.logger.Warn("ack not applied",
				slog.String("client_order_id", clientOrderID),
				slog.Any("error", err),
			)
		}
	}
	return clientOrderID, nil
}

// Cancel requests cancellation of a tracked order. A venue-side "unknown
// order" is not an error: the order either just filled or never made it to
// the book, and the not-found path decides which.
func (c *Connector) Cancel(ctx context.Context, pair domain.TradingPair, clientOrderID string) error {
	o, ok := c.tracker.FetchTracked(clientOrderID)
	if !ok {
		return fmt.Errorf("binance: cancel %s: %w", clientOrderID, domain.ErrOrderNotTracked)
	}

	if err := c.rest.CancelOrder(ctx, api.SymbolFromPair(pair), clientOrderID); err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			c.logger.Info("cancel target unknown to exchange",
				slog.String("client_order_id", clientOrderID),
			)
			_ = c.tracker.ProcessOrderNotFound(ctx, clientOrderID)
			return nil
		}
		return fmt.Errorf("binance: cancel %s: %w", clientOrderID, err)
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

// handleDepth stitches one diff onto its book, buffering while a snapshot
// is in flight and requesting a resync on any sequence gap.
func (c *Connector) handleDepth(d api.WSDepthUpdate) {
	pair, ok := c.pairForSymbol(d.Symbol)
	if !ok {
		return
	}
	diff := d.ToDomainDiff(pair)

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
				slog.Int64("first_update_id", diff.FirstUpdateID),
			)
			c.requestResync(pair)
		}
		return
	}
	c.emitBook(snap)
}

func (c *Connector) handleTrade(t api.WSTrade) {
	pair, ok := c.pairForSymbol(t.Symbol)
	if !ok {
		return
	}
	trade := t.ToDomainTrade(pair)

	c.handlerMu.RLock()
	handlers := c.tradeHandlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(trade)
	}
}

func (c *Connector) handleTicker(t api.WSBookTicker) {
	pair, ok := c.pairForSymbol(t.Symbol)
	if !ok {
		return
	}
	top := t.ToDomainTop(pair, time.Now())

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

func (c *Connector) handleKline(k api.WSKline) {
	pair, ok := c.pairForSymbol(k.Symbol)
	if !ok {
		return
	}
	interval, ok := domain.ParseCandleInterval(k.Kline.Interval)
	if !ok {
		return
	}
	candle := k.ToDomainCandle(pair, interval)

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
// User stream handlers
// --------------------------------------------------------------------------

// handleExecutionReport routes one order event into the tracker: the fill
// first, then the state change, so terminal transitions see final totals.
func (c *Connector) handleExecutionReport(r api.WSExecutionReport) {
	pair, ok := c.pairForSymbol(r.Symbol)
	if !ok {
		return
	}
	if !connector.IsOurOrderID(r.EffectiveClientOrderID()) {
		// Another session trading the same account.
		return
	}
	ctx := context.Background()

	if trade, ok := r.ToTradeUpdate(pair); ok {
		if err := c.tracker.ProcessTradeUpdate(ctx, trade); err != nil && !errors.Is(err, domain.ErrOrderNotTracked) {
			c.logger.Error("trade update failed",
				slog.String("client_order_id", trade.ClientOrderID),
				slog.String("trade_id", trade.TradeID),
				slog.Any("error", err),
			)
		}
	}
	if update, ok := r.ToOrderUpdate(pair); ok {
		if err := c.tracker.ProcessOrderUpdate(ctx, update); err != nil && !errors.Is(err, domain.ErrOrderNotTracked) {
			c.logger.Error("order update failed",
				slog.String("client_order_id", update.ClientOrderID),
				slog.Any("error", err),
			)
		}
	}
}

func (c *Connector) handleAccountPosition(p api.WSAccountPosition) {
	updated := p.ToDomainBalances()

	c.mu.Lock()
	for _, b := range updated {
		c.balances[b.Asset] = b
	}
	c.mu.Unlock()
}

// --------------------------------------------------------------------------
// Poll loops
// --------------------------------------------------------------------------

// pollOrderStatus reconciles tracked orders against REST. It repairs any
// update the user stream missed and drives lost-order detection.
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

		sym := api.SymbolFromPair(o.TradingPair())
		status, err := c.rest.QueryOrder(ctx, sym, o.ClientOrderID())
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
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

		// Recover fills the user stream missed before applying the state,
		// so a terminal transition completes with correct totals.
		if executed, err := decimal.NewFromString(status.ExecutedQty); err == nil &&
			executed.GreaterThan(o.ExecutedAmountBase()) {
			c.recoverFills(ctx, o, status.OrderID)
		}

		if update, ok := status.ToOrderUpdate(o.TradingPair()); ok {
			if err := c.tracker.ProcessOrderUpdate(ctx, update); err != nil && !errors.Is(err, domain.ErrOrderNotTracked) {
				c.logger.Warn("status reconciliation failed",
					slog.String("client_order_id", o.ClientOrderID()),
					slog.Any("error", err),
				)
			}
		}
	}
}

// recoverFills replays the venue's trade history for one order through the
// tracker. Dedup by trade id makes redelivery harmless.
func (c *Connector) recoverFills(ctx context.Context, o *order.InFlightOrder, orderID int64) {
	sym := api.SymbolFromPair(o.TradingPair())
	trades, err := c.rest.MyTrades(ctx, sym, orderID)
	if err != nil {
		c.logger.Warn("fill recovery failed",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.Any("error", err),
		)
		return
	}
	for _, t := range trades {
		update := t.ToTradeUpdate(o.TradingPair(), o.ClientOrderID())
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
	acct, err := c.rest.Account(ctx)
	if err != nil {
		return err
	}
	at := time.Now()

	c.mu.Lock()
	for _, b := range acct.Balances {
		bal := b.ToDomainBalance(at)
		c.balances[bal.Asset] = bal
	}
	c.mu.Unlock()
	return nil
}

func (c *Connector) refreshTradingRules(ctx context.Context) error {
	info, err := c.rest.ExchangeInfo(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, s := range info.Symbols {
		pair, ok := c.symbolToPair[s.Symbol]
		if !ok || !s.Tradable() {
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
	sym := api.SymbolFromPair(pair)
	depth, err := c.rest.Depth(ctx, sym, c.cfg.SnapshotDepth)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", pair, err)
	}
	snap := depth.ToDomainSnapshot(pair, time.Now())

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
					c.requestResync(pair)
				}
			}
		}
	}
}
