// Package connector holds the exchange-agnostic pieces every venue
// integration shares: the order tracker, client order id generation, and
// the pre-trade budget checker. Venue-specific code lives under
// internal/connector/<venue> and internal/platform/<venue>.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/order"
)

const (
	// MaxCachedOrders caps the done-order cache; the oldest entry is
	// evicted first.
	MaxCachedOrders = 1000
	// CachedOrderTTL bounds how long a done order stays queryable.
	CachedOrderTTL = 30 * time.Minute
	// MaxOrderNotFoundRetries is how many consecutive unknown-order
	// responses a status poll may return before the order is declared lost.
	MaxOrderNotFoundRetries = 3
)

type cachedOrder struct {
	order     *order.InFlightOrder
	expiresAt time.Time
}

// Tracker owns every in-flight order on one venue. It routes venue-reported
// order and trade updates into the right record, emits lifecycle events,
// and retires done orders into a bounded cache so late queries still
// resolve. Both the user-stream listener and the REST reconciliation
// poller feed it concurrently.
type Tracker struct {
	exchange string
	events   domain.EventRecorder
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	active     map[string]*order.InFlightOrder
	cached     map[string]cachedOrder
	cacheOrder []string // FIFO eviction order
	notFound   map[string]int
}

// NewTracker creates a tracker for one venue. events receives every order
// lifecycle event; pass a no-op recorder when events are not needed.
func NewTracker(exchange string, events domain.EventRecorder, logger *slog.Logger) *Tracker {
	return &Tracker{
		exchange: exchange,
		events:   events,
		logger:   logger.With(slog.String("component", "order_tracker"), slog.String("exchange", exchange)),
		now:      time.Now,
		active:   make(map[string]*order.InFlightOrder),
		cached:   make(map[string]cachedOrder),
		notFound: make(map[string]int),
	}
}

// SetNow replaces the clock. Test hook.
func (t *Tracker) SetNow(now func() time.Time) { t.now = now }

// StartTracking registers a freshly submitted order.
func (t *Tracker) StartTracking(o *order.InFlightOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[o.ClientOrderID()] = o
}

// StopTracking retires an order into the done cache. Unknown ids are a
// no-op.
func (t *Tracker) StopTracking(clientOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTrackingLocked(clientOrderID)
}

func (t *Tracker) stopTrackingLocked(clientOrderID string) {
	o, ok := t.active[clientOrderID]
	if !ok {
		return
	}
	delete(t.active, clientOrderID)
	delete(t.notFound, clientOrderID)
	t.pruneCacheLocked()
	t.cached[clientOrderID] = cachedOrder{order: o, expiresAt: t.now().Add(CachedOrderTTL)}
	t.cacheOrder = append(t.cacheOrder, clientOrderID)
	for len(t.cached) > MaxCachedOrders && len(t.cacheOrder) > 0 {
		oldest := t.cacheOrder[0]
		t.cacheOrder = t.cacheOrder[1:]
		delete(t.cached, oldest)
	}
}

// pruneCacheLocked drops expired cache entries. Caller holds t.mu.
func (t *Tracker) pruneCacheLocked() {
	now := t.now()
	kept := t.cacheOrder[:0]
	for _, id := range t.cacheOrder {
		entry, ok := t.cached[id]
		if !ok {
			continue
		}
		if now.After(entry.expiresAt) {
			delete(t.cached, id)
			continue
		}
		kept = append(kept, id)
	}
	t.cacheOrder = kept
}

// ActiveCount returns the number of live orders.
func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// CachedCount returns the number of retired orders still queryable.
func (t *Tracker) CachedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneCacheLocked()
	return len(t.cached)
}

// ActiveOrders returns the live orders, unordered.
func (t *Tracker) ActiveOrders() []*order.InFlightOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*order.InFlightOrder, 0, len(t.active))
	for _, o := range t.active {
		out = append(out, o)
	}
	return out
}

// FetchTracked returns a live order by client order id.
func (t *Tracker) FetchTracked(clientOrderID string) (*order.InFlightOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.active[clientOrderID]
	return o, ok
}

// FetchCached returns a retired order by client order id, if it has not
// expired from the cache.
func (t *Tracker) FetchCached(clientOrderID string) (*order.InFlightOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneCacheLocked()
	entry, ok := t.cached[clientOrderID]
	if !ok {
		return nil, false
	}
	return entry.order, true
}

// FetchOrder resolves an order by client order id or, failing that, by
// exchange order id. Live orders take precedence over cached ones.
func (t *Tracker) FetchOrder(clientOrderID, exchangeOrderID string) (*order.InFlightOrder, bool) {
	if clientOrderID != "" {
		if o, ok := t.FetchTracked(clientOrderID); ok {
			return o, true
		}
		if o, ok := t.FetchCached(clientOrderID); ok {
			return o, true
		}
	}
	if exchangeOrderID == "" {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, o := range t.active {
		if id, ok := o.ExchangeOrderID(); ok && id == exchangeOrderID {
			return o, true
		}
	}
	for _, entry := range t.cached {
		if id, ok := entry.order.ExchangeOrderID(); ok && id == exchangeOrderID {
			return entry.order, true
		}
	}
	return nil, false
}

// ProcessOrderUpdate routes a venue lifecycle update into its order and
// emits the corresponding events. Updates carrying neither id are an
// error; updates for unknown orders return ErrOrderNotTracked.
func (t *Tracker) ProcessOrderUpdate(ctx context.Context, u domain.OrderUpdate) error {
	if u.ClientOrderID == "" && u.ExchangeOrderID == "" {
		t.logger.Error("order update carries neither client nor exchange order id",
			slog.String("pair", string(u.TradingPair)),
		)
		return fmt.Errorf("order update for %s: %w", u.TradingPair, domain.ErrInvalidOrder)
	}

	o, ok := t.FetchOrder(u.ClientOrderID, u.ExchangeOrderID)
	if !ok {
		t.logger.Debug("order update for untracked order",
			slog.String("client_order_id", u.ClientOrderID),
			slog.String("exchange_order_id", u.ExchangeOrderID),
		)
		return domain.ErrOrderNotTracked
	}

	prevState := o.State()
	prevFills := o.FillCount()
	if !o.ApplyOrderUpdate(u) {
		t.logger.Debug("order update not applied",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.String("state", prevState.String()),
		)
		return nil
	}
	t.resetNotFound(o.ClientOrderID())

	if o.FillCount() > prevFills {
		if fill, ok := o.LastFill(); ok {
			t.emitFilled(o, fill, fill.Fee())
		}
	}
	t.handleStateChange(o, prevState)
	return nil
}

// ProcessTradeUpdate routes a venue fill into its order. Duplicate trade
// ids are dropped silently; that is the idempotence contract.
func (t *Tracker) ProcessTradeUpdate(ctx context.Context, u domain.TradeUpdate) error {
	o, ok := t.FetchOrder(u.ClientOrderID, u.ExchangeOrderID)
	if !ok {
		t.logger.Debug("trade update for untracked order",
			slog.String("client_order_id", u.ClientOrderID),
			slog.String("trade_id", u.TradeID),
		)
		return domain.ErrOrderNotTracked
	}

	prevState := o.State()
	if !o.ApplyTradeUpdate(u) {
		t.logger.Debug("trade update ignored",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.String("trade_id", u.TradeID),
		)
		return nil
	}
	t.resetNotFound(o.ClientOrderID())

	fee := u.Fee()
	if len(fee.FlatFees) == 0 {
		// Percent-fee venues report no flat amount per fill.
		fee = domain.TradeFee{Percent: o.TradeFeePercent()}
	}
	t.emitFilled(o, u, fee)
	t.handleStateChange(o, prevState)
	return nil
}

// ProcessOrderNotFound counts consecutive unknown-order responses from
// status polls. Past the retry limit the order is declared lost: marked
// FAILED, a failure event fires, and tracking stops.
func (t *Tracker) ProcessOrderNotFound(ctx context.Context, clientOrderID string) error {
	o, ok := t.FetchTracked(clientOrderID)
	if !ok {
		t.logger.Debug("not-found report for untracked order",
			slog.String("client_order_id", clientOrderID),
		)
		return domain.ErrOrderNotTracked
	}

	t.mu.Lock()
	t.notFound[clientOrderID]++
	count := t.notFound[clientOrderID]
	t.mu.Unlock()

	if count <= MaxOrderNotFoundRetries {
		t.logger.Debug("order not found on exchange, keeping",
			slog.String("client_order_id", clientOrderID),
			slog.Int("count", count),
		)
		return nil
	}

	t.logger.Warn("order lost: exchange does not know it",
		slog.String("client_order_id", clientOrderID),
		slog.Int("not_found_count", count),
	)
	o.MarkFailed(t.now())
	t.events.Record(domain.OrderFailureEvent{
		Timestamp:     t.now(),
		Exchange:      t.exchange,
		TradingPair:   o.TradingPair(),
		ClientOrderID: o.ClientOrderID(),
		OrderType:     o.OrderType(),
		Reason:        "order not found after status polls",
	})
	t.StopTracking(clientOrderID)
	return nil
}

func (t *Tracker) resetNotFound(clientOrderID string) {
	t.mu.Lock()
	delete(t.notFound, clientOrderID)
	t.mu.Unlock()
}

// handleStateChange emits lifecycle events for a state transition and
// retires the order when it became terminal.
func (t *Tracker) handleStateChange(o *order.InFlightOrder, prev domain.OrderState) {
	state := o.State()
	if state == prev {
		return
	}

	switch {
	case state == domain.OrderStateOpen && prev == domain.OrderStatePendingCreate:
		exID, _ := o.ExchangeOrderID()
		t.logger.Info("order created",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.String("exchange_order_id", exID),
			slog.String("pair", string(o.TradingPair())),
			slog.String("side", string(o.TradeType())),
			slog.String("type", string(o.OrderType())),
			slog.String("amount", o.Amount().String()),
			slog.String("price", o.Price().String()),
		)
		t.events.Record(domain.OrderCreatedEvent{
			Timestamp:       t.now(),
			Exchange:        t.exchange,
			TradingPair:     o.TradingPair(),
			TradeType:       o.TradeType(),
			OrderType:       o.OrderType(),
			ClientOrderID:   o.ClientOrderID(),
			ExchangeOrderID: exID,
			Price:           o.Price(),
			Amount:          o.Amount(),
		})

	case state == domain.OrderStateFilled:
		t.logger.Info("order completely filled",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.String("pair", string(o.TradingPair())),
			slog.String("side", string(o.TradeType())),
		)
		exID, _ := o.ExchangeOrderID()
		t.events.Record(domain.OrderCompletedEvent{
			Timestamp:       t.now(),
			Exchange:        t.exchange,
			TradingPair:     o.TradingPair(),
			TradeType:       o.TradeType(),
			OrderType:       o.OrderType(),
			ClientOrderID:   o.ClientOrderID(),
			ExchangeOrderID: exID,
			BaseAsset:       o.TradingPair().Base(),
			QuoteAsset:      o.TradingPair().Quote(),
			BaseAmount:      o.ExecutedAmountBase(),
			QuoteAmount:     o.ExecutedAmountQuote(),
			FeeAmount:       o.CumulativeFeePaid(),
		})
		t.StopTracking(o.ClientOrderID())

	case state == domain.OrderStateCancelled:
		t.logger.Info("order cancelled",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.String("pair", string(o.TradingPair())),
		)
		exID, _ := o.ExchangeOrderID()
		t.events.Record(domain.OrderCancelledEvent{
			Timestamp:       t.now(),
			Exchange:        t.exchange,
			TradingPair:     o.TradingPair(),
			ClientOrderID:   o.ClientOrderID(),
			ExchangeOrderID: exID,
		})
		t.StopTracking(o.ClientOrderID())

	case state == domain.OrderStateFailed:
		t.logger.Warn("order failed",
			slog.String("client_order_id", o.ClientOrderID()),
			slog.String("pair", string(o.TradingPair())),
		)
		t.events.Record(domain.OrderFailureEvent{
			Timestamp:     t.now(),
			Exchange:      t.exchange,
			TradingPair:   o.TradingPair(),
			ClientOrderID: o.ClientOrderID(),
			OrderType:     o.OrderType(),
			Reason:        "exchange reported failure",
		})
		t.StopTracking(o.ClientOrderID())
	}
}

// emitFilled logs and publishes one deduplicated fill.
func (t *Tracker) emitFilled(o *order.InFlightOrder, fill domain.TradeUpdate, fee domain.TradeFee) {
	t.logger.Info("order fill",
		slog.String("client_order_id", o.ClientOrderID()),
		slog.String("trade_id", fill.TradeID),
		slog.String("pair", string(o.TradingPair())),
		slog.String("side", string(o.TradeType())),
		slog.String("fill_amount", fill.FillBaseAmount.String()),
		slog.String("fill_price", fill.FillPrice.String()),
		slog.String("executed", o.ExecutedAmountBase().String()),
		slog.String("amount", o.Amount().String()),
	)
	t.events.Record(domain.OrderFilledEvent{
		Timestamp:     t.now(),
		Exchange:      t.exchange,
		TradingPair:   o.TradingPair(),
		TradeType:     o.TradeType(),
		OrderType:     o.OrderType(),
		ClientOrderID: o.ClientOrderID(),
		TradeID:       fill.TradeID,
		Price:         fill.FillPrice,
		Amount:        fill.FillBaseAmount,
		Fee:           fee,
	})
}

// RestoreAll rebuilds tracking from persisted snapshots. Orders that were
// already terminal go straight to the cache; open ones resume active
// tracking and will be reconciled by the status poller. Returns the number
// of orders restored to active tracking.
func (t *Tracker) RestoreAll(snapshots [][]byte) (int, error) {
	restored := 0
	for _, snap := range snapshots {
		o, err := order.Restore(snap)
		if err != nil {
			return restored, fmt.Errorf("tracker restore: %w", err)
		}
		if o.IsDone() {
			t.mu.Lock()
			t.cached[o.ClientOrderID()] = cachedOrder{order: o, expiresAt: t.now().Add(CachedOrderTTL)}
			t.cacheOrder = append(t.cacheOrder, o.ClientOrderID())
			t.mu.Unlock()
			continue
		}
		t.StartTracking(o)
		restored++
	}
	return restored, nil
}
