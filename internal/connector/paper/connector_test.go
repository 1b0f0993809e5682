package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

const testPair = domain.TradingPair("BTC-USDT")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

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

func newTestVenue(cfg Config) (*Connector, *recordingBus) {
	if cfg.Pairs == nil {
		cfg.Pairs = []domain.TradingPair{testPair}
	}
	if cfg.InitialBalances == nil {
		cfg.InitialBalances = map[string]decimal.Decimal{
			"USDT": d("100000"),
			"BTC":  d("2"),
		}
	}
	bus := &recordingBus{}
	c := New(cfg, nil, bus, testLogger())
	c.ready.Store(true)
	return c, bus
}

func topAt(bid, ask float64) domain.TopOfBook {
	return domain.TopOfBook{
		Exchange:    domain.ExchangePaper,
		TradingPair: testPair,
		BidPrice:    bid,
		BidSize:     5,
		AskPrice:    ask,
		AskSize:     5,
		Timestamp:   time.Now(),
	}
}

func TestPlaceRequiresReady(t *testing.T) {
	c, _ := newTestVenue(Config{})
	c.ready.Store(false)

	_, err := c.Buy(context.Background(), testPair, d("1"), d("25000"), domain.OrderTypeLimit)
	if !errors.Is(err, domain.ErrConnectorNotReady) {
		t.Errorf("err = %v, want ErrConnectorNotReady", err)
	}
}

func TestPlaceUnknownMarket(t *testing.T) {
	c, _ := newTestVenue(Config{})

	_, err := c.Buy(context.Background(), "DOGE-USDT", d("1"), d("0.1"), domain.OrderTypeLimit)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLimitOrderRestsUntilCross(t *testing.T) {
	c, bus := newTestVenue(Config{})
	c.ProcessTop(topAt(24990, 25010))

	id, err := c.Buy(context.Background(), testPair, d("1"), d("24900"), domain.OrderTypeLimit)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	o, ok := c.tracker.FetchTracked(id)
	if !ok {
		t.Fatal("order not tracked")
	}
	if o.State() != domain.OrderStateOpen {
		t.Fatalf("state = %s, want OPEN", o.State())
	}

	// Funds lock while the order rests.
	usdt, _ := c.Balance("USDT")
	if !usdt.Available.Equal(d("75100")) || !usdt.Total.Equal(d("100000")) {
		t.Errorf("USDT = %s/%s, want 75100 available of 100000", usdt.Available, usdt.Total)
	}

	// The ask drops through the limit: full fill at the limit price.
	c.ProcessTop(topAt(24880, 24890))

	if _, ok := c.tracker.FetchTracked(id); ok {
		t.Error("filled order still active")
	}
	done, ok := c.tracker.FetchCached(id)
	if !ok {
		t.Fatal("filled order not cached")
	}
	if !done.IsFilled() {
		t.Errorf("state = %s, want FILLED", done.State())
	}

	usdt, _ = c.Balance("USDT")
	btc, _ := c.Balance("BTC")
	if !usdt.Total.Equal(d("75100")) || !usdt.Available.Equal(d("75100")) {
		t.Errorf("USDT = %s/%s, want 75100/75100", usdt.Available, usdt.Total)
	}
	if !btc.Total.Equal(d("3")) || !btc.Available.Equal(d("3")) {
		t.Errorf("BTC = %s/%s, want 3/3", btc.Available, btc.Total)
	}

	if n := len(bus.byKind(domain.EventOrderFilled)); n != 1 {
		t.Errorf("fill events = %d, want 1", n)
	}
	if n := len(bus.byKind(domain.EventOrderCompleted)); n != 1 {
		t.Errorf("completed events = %d, want 1", n)
	}
}

func TestMarketBuyFillsAtAsk(t *testing.T) {
	c, _ := newTestVenue(Config{})
	c.ProcessTop(topAt(24990, 25010))

	id, err := c.Buy(context.Background(), testPair, d("1"), decimal.Zero, domain.OrderTypeMarket)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}

	done, ok := c.tracker.FetchCached(id)
	if !ok {
		t.Fatal("market order did not fill immediately")
	}
	if !done.IsFilled() {
		t.Errorf("state = %s, want FILLED", done.State())
	}
	if fill, ok := done.LastFill(); !ok || !fill.FillPrice.Equal(d("25010")) {
		t.Errorf("fill price = %v, want ask 25010", fill.FillPrice)
	}

	usdt, _ := c.Balance("USDT")
	if !usdt.Total.Equal(d("74990")) {
		t.Errorf("USDT total = %s, want 74990", usdt.Total)
	}
}

func TestMarketSellFillsAtBid(t *testing.T) {
	c, _ := newTestVenue(Config{})
	c.ProcessTop(topAt(24990, 25010))

	id, err := c.Sell(context.Background(), testPair, d("1"), decimal.Zero, domain.OrderTypeMarket)
	if err != nil {
		t.Fatalf("market sell: %v", err)
	}

	done, ok := c.tracker.FetchCached(id)
	if !ok {
		t.Fatal("market order did not fill immediately")
	}
	if fill, ok := done.LastFill(); !ok || !fill.FillPrice.Equal(d("24990")) {
		t.Errorf("fill price = %v, want bid 24990", fill.FillPrice)
	}

	btc, _ := c.Balance("BTC")
	usdt, _ := c.Balance("USDT")
	if !btc.Total.Equal(d("1")) {
		t.Errorf("BTC total = %s, want 1", btc.Total)
	}
	if !usdt.Total.Equal(d("124990")) {
		t.Errorf("USDT total = %s, want 124990", usdt.Total)
	}
}

func TestFeeChargedOnNotional(t *testing.T) {
	c, _ := newTestVenue(Config{FeePercent: d("0.001")})
	c.ProcessTop(topAt(24990, 25000))

	id, err := c.Buy(context.Background(), testPair, d("1"), decimal.Zero, domain.OrderTypeMarket)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}

	done, _ := c.tracker.FetchCached(id)
	if !done.CumulativeFeePaid().Equal(d("25")) {
		t.Errorf("fee = %s, want 25", done.CumulativeFeePaid())
	}
	usdt, _ := c.Balance("USDT")
	if !usdt.Total.Equal(d("74975")) {
		t.Errorf("USDT total = %s, want 74975 (25000 + 25 fee spent)", usdt.Total)
	}
}

func TestInsufficientBalanceFailsOrder(t *testing.T) {
	c, bus := newTestVenue(Config{
		InitialBalances: map[string]decimal.Decimal{"USDT": d("10")},
	})
	c.ProcessTop(topAt(24990, 25010))

	_, err := c.Buy(context.Background(), testPair, d("1"), d("25000"), domain.OrderTypeLimit)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	if n := c.tracker.ActiveCount(); n != 0 {
		t.Errorf("active orders = %d, want 0", n)
	}
	if n := c.tracker.CachedCount(); n != 1 {
		t.Errorf("cached orders = %d, want 1", n)
	}
	if n := len(bus.byKind(domain.EventOrderFailed)); n != 1 {
		t.Errorf("failure events = %d, want 1", n)
	}

	usdt, _ := c.Balance("USDT")
	if !usdt.Available.Equal(d("10")) {
		t.Errorf("USDT available = %s, want untouched 10", usdt.Available)
	}
}

func TestCancelReleasesFunds(t *testing.T) {
	c, bus := newTestVenue(Config{})
	c.ProcessTop(topAt(24990, 25010))

	id, err := c.Buy(context.Background(), testPair, d("1"), d("24900"), domain.OrderTypeLimit)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if err := c.Cancel(context.Background(), testPair, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	done, ok := c.tracker.FetchCached(id)
	if !ok {
		t.Fatal("cancelled order not cached")
	}
	if !done.IsCancelled() {
		t.Errorf("state = %s, want CANCELLED", done.State())
	}
	usdt, _ := c.Balance("USDT")
	if !usdt.Available.Equal(d("100000")) || !usdt.Total.Equal(d("100000")) {
		t.Errorf("USDT = %s/%s, want funds released", usdt.Available, usdt.Total)
	}
	if n := len(bus.byKind(domain.EventOrderCancelled)); n != 1 {
		t.Errorf("cancelled events = %d, want 1", n)
	}
}

func TestLatencyDelaysFill(t *testing.T) {
	c, _ := newTestVenue(Config{Latency: time.Minute})
	base := time.Unix(1_700_000_000, 0)
	now := base
	c.SetNow(func() time.Time { return now })
	c.ProcessTop(topAt(24990, 25010))

	// The limit already crosses, but the submission has not "arrived" yet.
	id, err := c.Buy(context.Background(), testPair, d("1"), d("25100"), domain.OrderTypeLimit)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	c.ProcessTop(topAt(24990, 25010))
	if o, ok := c.tracker.FetchTracked(id); !ok || o.State() != domain.OrderStateOpen {
		t.Fatal("order filled before its latency elapsed")
	}

	now = base.Add(2 * time.Minute)
	c.ProcessTop(topAt(24990, 25010))
	done, ok := c.tracker.FetchCached(id)
	if !ok || !done.IsFilled() {
		t.Error("order did not fill after latency elapsed")
	}
}

func TestPostOnlyRejectedWhenCrossing(t *testing.T) {
	c, bus := newTestVenue(Config{})
	c.ProcessTop(topAt(24990, 25010))

	_, err := c.Buy(context.Background(), testPair, d("1"), d("25020"), domain.OrderTypeLimitMaker)
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("err = %v, want ErrInvalidOrder", err)
	}
	if n := len(bus.byKind(domain.EventOrderFailed)); n != 1 {
		t.Errorf("failure events = %d, want 1", n)
	}

	// A passive maker order at the same depth is accepted.
	if _, err := c.Buy(context.Background(), testPair, d("1"), d("24900"), domain.OrderTypeLimitMaker); err != nil {
		t.Errorf("passive maker rejected: %v", err)
	}
}

func TestSequentialTradeIDs(t *testing.T) {
	c, bus := newTestVenue(Config{})
	c.ProcessTop(topAt(24990, 25010))

	if _, err := c.Buy(context.Background(), testPair, d("0.5"), decimal.Zero, domain.OrderTypeMarket); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := c.Sell(context.Background(), testPair, d("0.5"), decimal.Zero, domain.OrderTypeMarket); err != nil {
		t.Fatalf("second sell: %v", err)
	}

	fills := bus.byKind(domain.EventOrderFilled)
	if len(fills) != 2 {
		t.Fatalf("fill events = %d, want 2", len(fills))
	}
	first := fills[0].(domain.OrderFilledEvent)
	second := fills[1].(domain.OrderFilledEvent)
	if first.TradeID != "1" || second.TradeID != "2" {
		t.Errorf("trade ids = %q, %q, want sequential 1, 2", first.TradeID, second.TradeID)
	}
}

func TestQuantizationAppliesConfiguredRules(t *testing.T) {
	c, _ := newTestVenue(Config{
		Rules: []domain.TradingRule{{
			TradingPair:  testPair,
			MinOrderSize: d("0.001"),
			TickSize:     d("0.01"),
			StepSize:     d("0.001"),
			MinNotional:  d("10"),
		}},
	})
	c.ProcessTop(topAt(24990, 25010))

	id, err := c.Buy(context.Background(), testPair, d("0.0015"), d("24900.789"), domain.OrderTypeLimit)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	o, ok := c.tracker.FetchTracked(id)
	if !ok {
		t.Fatal("order not tracked")
	}
	if !o.Price().Equal(d("24900.78")) {
		t.Errorf("price = %s, want tick-quantized 24900.78", o.Price())
	}
	if !o.Amount().Equal(d("0.001")) {
		t.Errorf("amount = %s, want step-quantized 0.001", o.Amount())
	}

	_, err = c.Buy(context.Background(), testPair, d("0.0001"), d("24900"), domain.OrderTypeLimit)
	if !errors.Is(err, domain.ErrBelowMinimums) {
		t.Errorf("err = %v, want ErrBelowMinimums", err)
	}
}

func TestProcessTopFansOut(t *testing.T) {
	c, _ := newTestVenue(Config{})

	var mu sync.Mutex
	var tops []domain.TopOfBook
	c.OnTopOfBook(func(top domain.TopOfBook) {
		mu.Lock()
		defer mu.Unlock()
		tops = append(tops, top)
	})

	c.ProcessTop(topAt(24990, 25010))
	c.ProcessTop(domain.TopOfBook{TradingPair: "DOGE-USDT", BidPrice: 1, AskPrice: 2})

	mu.Lock()
	defer mu.Unlock()
	if len(tops) != 1 {
		t.Fatalf("dispatched tops = %d, want 1 (foreign pair dropped)", len(tops))
	}
	bid, ask, ok := c.BestBidAsk(testPair)
	if !ok || bid != 24990 || ask != 25010 {
		t.Errorf("BestBidAsk = (%v, %v, %v)", bid, ask, ok)
	}
}
