package connector

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/order"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// recordingBus captures emitted order events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (r *recordingBus) Record(ev domain.OrderEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingBus) byKind(kind domain.EventKind) []domain.OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OrderEvent
	for _, ev := range r.events {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingBus) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestTracker() (*Tracker, *recordingBus) {
	bus := &recordingBus{}
	return NewTracker(domain.ExchangeBinance, bus, testLogger()), bus
}

func newTrackedOrder(t *Tracker, clientID string, state domain.OrderState) *order.InFlightOrder {
	o := order.New(order.Params{
		ClientOrderID: clientID,
		TradingPair:   "COIN-USDT",
		OrderType:     domain.OrderTypeLimit,
		TradeType:     domain.TradeTypeBuy,
		Price:         d("1.0"),
		Amount:        d("1000.0"),
		InitialState:  state,
	})
	t.StartTracking(o)
	return o
}

func TestStartStopTracking(t *testing.T) {
	tr, _ := newTestTracker()
	if tr.ActiveCount() != 0 {
		t.Fatalf("fresh tracker active = %d", tr.ActiveCount())
	}

	newTrackedOrder(tr, "A-1", domain.OrderStatePendingCreate)
	if tr.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", tr.ActiveCount())
	}

	tr.StopTracking("A-1")
	if tr.ActiveCount() != 0 {
		t.Errorf("active = %d after stop, want 0", tr.ActiveCount())
	}
	if tr.CachedCount() != 1 {
		t.Errorf("cached = %d after stop, want 1", tr.CachedCount())
	}
	if _, ok := tr.FetchCached("A-1"); !ok {
		t.Error("stopped order not found in cache")
	}
}

func TestCacheEvictsOldestBeyondCap(t *testing.T) {
	tr, _ := newTestTracker()
	for i := 0; i < MaxCachedOrders+1; i++ {
		id := "A-" + time.Now().Format("150405") + "-" + itoa(i)
		newTrackedOrder(tr, id, domain.OrderStateOpen)
		tr.StopTracking(id)
	}
	if got := tr.CachedCount(); got != MaxCachedOrders {
		t.Errorf("cached = %d, want %d", got, MaxCachedOrders)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestCacheTTLExpiry(t *testing.T) {
	tr, _ := newTestTracker()
	base := time.Unix(1640000000, 0)
	now := base
	tr.SetNow(func() time.Time { return now })

	newTrackedOrder(tr, "A-1", domain.OrderStateOpen)
	tr.StopTracking("A-1")
	if _, ok := tr.FetchCached("A-1"); !ok {
		t.Fatal("order missing from cache before TTL")
	}

	now = base.Add(CachedOrderTTL + time.Second)
	if _, ok := tr.FetchCached("A-1"); ok {
		t.Error("order still cached past TTL")
	}
}

func TestFetchOrderByEitherID(t *testing.T) {
	tr, _ := newTestTracker()
	o := newTrackedOrder(tr, "A-1", domain.OrderStatePendingCreate)
	o.ApplyOrderUpdate(domain.OrderUpdate{
		ClientOrderID:   "A-1",
		ExchangeOrderID: "EX-1",
		NewState:        domain.OrderStateOpen,
	})

	if got, ok := tr.FetchOrder("A-1", ""); !ok || got != o {
		t.Error("fetch by client id failed")
	}
	if got, ok := tr.FetchOrder("", "EX-1"); !ok || got != o {
		t.Error("fetch by exchange id failed")
	}
	if _, ok := tr.FetchOrder("nope", "also-nope"); ok {
		t.Error("fetch of unknown order succeeded")
	}
}

func TestProcessOrderUpdateWithoutIDs(t *testing.T) {
	tr, bus := newTestTracker()
	err := tr.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
		TradingPair: "COIN-USDT",
		NewState:    domain.OrderStateOpen,
	})
	if err == nil {
		t.Fatal("expected error for update without ids")
	}
	if bus.count() != 0 {
		t.Error("events emitted for invalid update")
	}
}

func TestProcessOrderUpdateUntracked(t *testing.T) {
	tr, _ := newTestTracker()
	err := tr.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
		ClientOrderID: "ghost",
		NewState:      domain.OrderStateOpen,
	})
	if err != domain.ErrOrderNotTracked {
		t.Fatalf("err = %v, want ErrOrderNotTracked", err)
	}
}

func TestOrderCreationEmitsCreatedEvent(t *testing.T) {
	tr, bus := newTestTracker()
	o := newTrackedOrder(tr, "A-1", domain.OrderStatePendingCreate)

	err := tr.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
		ClientOrderID:   "A-1",
		ExchangeOrderID: "EX-1",
		TradingPair:     o.TradingPair(),
		NewState:        domain.OrderStateOpen,
		UpdateTimestamp: time.UnixMilli(1),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	created := bus.byKind(domain.EventOrderCreated)
	if len(created) != 1 {
		t.Fatalf("created events = %d, want 1", len(created))
	}
	ev := created[0].(domain.OrderCreatedEvent)
	if ev.ClientOrderID != "A-1" || ev.ExchangeOrderID != "EX-1" {
		t.Errorf("created event ids = %q/%q", ev.ClientOrderID, ev.ExchangeOrderID)
	}
	if !ev.Amount.Equal(o.Amount()) || !ev.Price.Equal(o.Price()) {
		t.Error("created event amount/price mismatch")
	}
	if id, ok := o.ExchangeOrderID(); !ok || id != "EX-1" {
		t.Error("exchange order id not applied")
	}
}

func TestCancelConfirmationRetiresOrder(t *testing.T) {
	tr, bus := newTestTracker()
	newTrackedOrder(tr, "A-1", domain.OrderStateOpen)

	err := tr.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
		ClientOrderID: "A-1",
		NewState:      domain.OrderStateCancelled,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if tr.ActiveCount() != 0 || tr.CachedCount() != 1 {
		t.Errorf("active/cached = %d/%d, want 0/1", tr.ActiveCount(), tr.CachedCount())
	}
	if len(bus.byKind(domain.EventOrderCancelled)) != 1 {
		t.Error("cancelled event not emitted")
	}
}

func TestFailureUpdateEmitsFailureEvent(t *testing.T) {
	tr, bus := newTestTracker()
	newTrackedOrder(tr, "A-1", domain.OrderStateOpen)

	tr.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
		ClientOrderID: "A-1",
		NewState:      domain.OrderStateFailed,
	})

	if len(bus.byKind(domain.EventOrderFailed)) != 1 {
		t.Error("failure event not emitted")
	}
	if tr.ActiveCount() != 0 {
		t.Error("failed order still active")
	}
}

func TestCumulativeFillUpdatesEmitFilledAndCompleted(t *testing.T) {
	tr, bus := newTestTracker()
	o := newTrackedOrder(tr, "A-1", domain.OrderStateOpen)

	tr.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
		ClientOrderID:       "A-1",
		ExchangeOrderID:     "EX-1",
		NewState:            domain.OrderStatePartiallyFilled,
		TradeID:             "T1",
		FillPrice:           d("1.0"),
		ExecutedAmountBase:  d("500"),
		ExecutedAmountQuote: d("500"),
		FeeAsset:            "COIN",
		CumulativeFeePaid:   d("0.5"),
		UpdateTimestamp:     time.UnixMilli(1),
	})
	tr.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
		ClientOrderID:       "A-1",
		ExchangeOrderID:     "EX-1",
		NewState:            domain.OrderStateFilled,
		TradeID:             "T2",
		FillPrice:           d("1.0"),
		ExecutedAmountBase:  d("1000"),
		ExecutedAmountQuote: d("1000"),
		FeeAsset:            "COIN",
		CumulativeFeePaid:   d("1.0"),
		UpdateTimestamp:     time.UnixMilli(2),
	})

	if got := len(bus.byKind(domain.EventOrderFilled)); got != 2 {
		t.Errorf("filled events = %d, want 2", got)
	}
	completed := bus.byKind(domain.EventOrderCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed events = %d, want 1", len(completed))
	}
	ev := completed[0].(domain.OrderCompletedEvent)
	if !ev.BaseAmount.Equal(d("1000")) || !ev.QuoteAmount.Equal(d("1000")) {
		t.Errorf("completed amounts = %s/%s", ev.BaseAmount, ev.QuoteAmount)
	}
	if !ev.FeeAmount.Equal(d("1.0")) {
		t.Errorf("completed fee = %s, want 1.0", ev.FeeAmount)
	}
	if ev.BaseAsset != "COIN" || ev.QuoteAsset != "USDT" {
		t.Errorf("completed assets = %s/%s", ev.BaseAsset, ev.QuoteAsset)
	}

	if _, ok := tr.FetchTracked("A-1"); ok {
		t.Error("filled order still actively tracked")
	}
	if cached, ok := tr.FetchCached("A-1"); !ok || !cached.IsDone() {
		t.Error("filled order missing from cache")
	}
	_ = o
}

func TestTradeUpdateEmitsFilledWithFlatFee(t *testing.T) {
	tr, bus := newTestTracker()
	newTrackedOrder(tr, "A-1", domain.OrderStateOpen)

	err := tr.ProcessTradeUpdate(context.Background(), domain.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "A-1",
		ExchangeOrderID: "EX-1",
		TradingPair:     "COIN-USDT",
		FillPrice:       d("0.5"),
		FillBaseAmount:  d("500"),
		FillQuoteAmount: d("250"),
		FeeAsset:        "COIN",
		FeePaid:         d("0.5"),
		FillTimestamp:   time.UnixMilli(1),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	filled := bus.byKind(domain.EventOrderFilled)
	if len(filled) != 1 {
		t.Fatalf("filled events = %d, want 1", len(filled))
	}
	ev := filled[0].(domain.OrderFilledEvent)
	if !ev.Price.Equal(d("0.5")) || !ev.Amount.Equal(d("500")) {
		t.Errorf("filled event price/amount = %s/%s", ev.Price, ev.Amount)
	}
	if len(ev.Fee.FlatFees) != 1 || !ev.Fee.FlatFees[0].Amount.Equal(d("0.5")) || ev.Fee.FlatFees[0].Token != "COIN" {
		t.Errorf("filled event fee = %+v", ev.Fee)
	}
}

func TestTradeUpdateEmitsFilledWithPercentFee(t *testing.T) {
	tr, bus := newTestTracker()
	o := order.New(order.Params{
		ClientOrderID:   "A-1",
		TradingPair:     "COIN-USDT",
		OrderType:       domain.OrderTypeLimit,
		TradeType:       domain.TradeTypeBuy,
		Price:           d("1.0"),
		Amount:          d("1000"),
		InitialState:    domain.OrderStateOpen,
		TradeFeePercent: d("0.001"),
	})
	tr.StartTracking(o)

	tr.ProcessTradeUpdate(context.Background(), domain.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "A-1",
		TradingPair:     "COIN-USDT",
		FillPrice:       d("0.5"),
		FillBaseAmount:  d("500"),
		FillQuoteAmount: d("250"),
		FeeAsset:        "COIN",
		FillTimestamp:   time.UnixMilli(1),
	})

	filled := bus.byKind(domain.EventOrderFilled)
	if len(filled) != 1 {
		t.Fatalf("filled events = %d, want 1", len(filled))
	}
	ev := filled[0].(domain.OrderFilledEvent)
	if !ev.Fee.Percent.Equal(d("0.001")) {
		t.Errorf("filled event percent fee = %s, want 0.001", ev.Fee.Percent)
	}
	if !o.CumulativeFeePaid().Equal(d("0.5")) {
		t.Errorf("accumulated fee = %s, want 0.5", o.CumulativeFeePaid())
	}
}

func TestCompleteFillRetiresOrder(t *testing.T) {
	tr, bus := newTestTracker()
	newTrackedOrder(tr, "A-1", domain.OrderStateOpen)

	tr.ProcessTradeUpdate(context.Background(), domain.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "A-1",
		TradingPair:     "COIN-USDT",
		FillPrice:       d("1.0"),
		FillBaseAmount:  d("1000"),
		FillQuoteAmount: d("1000"),
		FeeAsset:        "USDT",
		FeePaid:         d("1.0"),
		FillTimestamp:   time.UnixMilli(1),
	})

	if len(bus.byKind(domain.EventOrderFilled)) != 1 {
		t.Error("filled event not emitted")
	}
	if len(bus.byKind(domain.EventOrderCompleted)) != 1 {
		t.Error("completed event not emitted")
	}
	if _, ok := tr.FetchTracked("A-1"); ok {
		t.Error("completed order still active")
	}
	if _, ok := tr.FetchCached("A-1"); !ok {
		t.Error("completed order not cached")
	}
}

func TestDuplicateTradeUpdateEmitsNothing(t *testing.T) {
	tr, bus := newTestTracker()
	newTrackedOrder(tr, "A-1", domain.OrderStateOpen)

	fill := domain.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "A-1",
		TradingPair:     "COIN-USDT",
		FillPrice:       d("1.0"),
		FillBaseAmount:  d("100"),
		FillQuoteAmount: d("100"),
		FeePaid:         d("0.1"),
		FeeAsset:        "USDT",
		FillTimestamp:   time.UnixMilli(1),
	}
	tr.ProcessTradeUpdate(context.Background(), fill)
	tr.ProcessTradeUpdate(context.Background(), fill)

	if got := len(bus.byKind(domain.EventOrderFilled)); got != 1 {
		t.Errorf("filled events = %d after duplicate delivery, want 1", got)
	}
}

func TestOrderNotFoundBelowLimitKeepsOrder(t *testing.T) {
	tr, bus := newTestTracker()
	newTrackedOrder(tr, "A-1", domain.OrderStateOpen)

	for i := 0; i < MaxOrderNotFoundRetries; i++ {
		if err := tr.ProcessOrderNotFound(context.Background(), "A-1"); err != nil {
			t.Fatalf("process not found: %v", err)
		}
	}

	if _, ok := tr.FetchTracked("A-1"); !ok {
		t.Error("order dropped before the retry limit")
	}
	if bus.count() != 0 {
		t.Error("events emitted before the retry limit")
	}
}

func TestOrderNotFoundBeyondLimitFailsOrder(t *testing.T) {
	tr, bus := newTestTracker()
	o := newTrackedOrder(tr, "A-1", domain.OrderStateOpen)

	for i := 0; i < MaxOrderNotFoundRetries+1; i++ {
		tr.ProcessOrderNotFound(context.Background(), "A-1")
	}

	if !o.IsFailure() {
		t.Errorf("state = %s, want FAILED", o.State())
	}
	if _, ok := tr.FetchTracked("A-1"); ok {
		t.Error("lost order still active")
	}
	if len(bus.byKind(domain.EventOrderFailed)) != 1 {
		t.Error("failure event not emitted exactly once")
	}
}

func TestSuccessfulUpdateResetsNotFoundCounter(t *testing.T) {
	tr, _ := newTestTracker()
	o := newTrackedOrder(tr, "A-1", domain.OrderStateOpen)

	tr.ProcessOrderNotFound(context.Background(), "A-1")
	tr.ProcessOrderNotFound(context.Background(), "A-1")
	tr.ProcessOrderUpdate(context.Background(), domain.OrderUpdate{
		ClientOrderID: "A-1",
		NewState:      domain.OrderStateOpen,
	})

	// Counter was reset, so the limit starts over.
	for i := 0; i < MaxOrderNotFoundRetries; i++ {
		tr.ProcessOrderNotFound(context.Background(), "A-1")
	}
	if !o.State().IsOpen() {
		t.Errorf("state = %s, counter did not reset", o.State())
	}
}

func TestProcessOrderNotFoundUntracked(t *testing.T) {
	tr, _ := newTestTracker()
	if err := tr.ProcessOrderNotFound(context.Background(), "ghost"); err != domain.ErrOrderNotTracked {
		t.Errorf("err = %v, want ErrOrderNotTracked", err)
	}
}

func TestRestoreAll(t *testing.T) {
	tr, _ := newTestTracker()
	open := newTrackedOrder(tr, "A-1", domain.OrderStateOpen)
	open.ApplyTradeUpdate(domain.TradeUpdate{
		TradeID:         "T1",
		ClientOrderID:   "A-1",
		FillPrice:       d("1.0"),
		FillBaseAmount:  d("100"),
		FillQuoteAmount: d("100"),
		FillTimestamp:   time.UnixMilli(1),
	})
	done := newTrackedOrder(tr, "A-2", domain.OrderStateOpen)
	done.ApplyOrderUpdate(domain.OrderUpdate{ClientOrderID: "A-2", NewState: domain.OrderStateCancelled})

	snapOpen, err := json.Marshal(open)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	snapDone, err := json.Marshal(done)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	fresh, _ := newTestTracker()
	restored, err := fresh.RestoreAll([][]byte{snapOpen, snapDone})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored != 1 {
		t.Errorf("restored = %d, want 1", restored)
	}
	if fresh.ActiveCount() != 1 || fresh.CachedCount() != 1 {
		t.Errorf("active/cached = %d/%d, want 1/1", fresh.ActiveCount(), fresh.CachedCount())
	}

	got, ok := fresh.FetchTracked("A-1")
	if !ok {
		t.Fatal("restored order not tracked")
	}
	if got.ApplyTradeUpdate(domain.TradeUpdate{
		TradeID:        "T1",
		ClientOrderID:  "A-1",
		FillPrice:      d("1.0"),
		FillBaseAmount: d("100"),
	}) {
		t.Error("restored order accepted a previously seen trade id")
	}
}
