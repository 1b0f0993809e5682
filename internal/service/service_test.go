package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/domain"
)

const testPair = domain.TradingPair("ETH-USDT")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConnector is a recording connector.Connector implementation.
type fakeConnector struct {
	mu        sync.Mutex
	name      string
	ready     bool
	balances  map[string]domain.Balance
	rules     map[domain.TradingPair]domain.TradingRule
	open      []domain.LimitOrder
	tracker   *connector.Tracker
	placed    []domain.OrderProposal
	buys      int
	sells     int
	cancels   []string
	cancelAll int
	placeErr  error
	nextID    int
}

func newFakeConnector(name string) *fakeConnector {
	return &fakeConnector{
		name:  name,
		ready: true,
		balances: map[string]domain.Balance{
			"ETH":  {Asset: "ETH", Total: decimal.NewFromInt(10), Available: decimal.NewFromInt(10)},
			"USDT": {Asset: "USDT", Total: decimal.NewFromInt(100000), Available: decimal.NewFromInt(100000)},
		},
		rules: map[domain.TradingPair]domain.TradingRule{
			testPair: {
				TradingPair:  testPair,
				MinOrderSize: decimal.RequireFromString("0.001"),
				TickSize:     decimal.RequireFromString("0.01"),
				StepSize:     decimal.RequireFromString("0.001"),
			},
		},
		tracker: connector.NewTracker(name, connector.NopRecorder{}, testLogger()),
	}
}

var _ connector.Connector = (*fakeConnector)(nil)

func (f *fakeConnector) Name() string                  { return f.name }
func (f *fakeConnector) Ready() bool                   { return f.ready }
func (f *fakeConnector) Run(ctx context.Context) error { <-ctx.Done(); return nil }

func (f *fakeConnector) OnBookSnapshot(connector.BookHandler)       {}
func (f *fakeConnector) OnPublicTrade(connector.PublicTradeHandler) {}
func (f *fakeConnector) OnTopOfBook(connector.TopOfBookHandler)     {}
func (f *fakeConnector) OnCandle(connector.CandleHandler)           {}

func (f *fakeConnector) Buy(_ context.Context, pair domain.TradingPair, amount, price decimal.Decimal, ot domain.OrderType) (string, error) {
	return f.place(pair, domain.TradeTypeBuy, amount, price, ot)
}

func (f *fakeConnector) Sell(_ context.Context, pair domain.TradingPair, amount, price decimal.Decimal, ot domain.OrderType) (string, error) {
	return f.place(pair, domain.TradeTypeSell, amount, price, ot)
}

func (f *fakeConnector) place(pair domain.TradingPair, side domain.TradeType, amount, price decimal.Decimal, ot domain.OrderType) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return "", f.placeErr
	}
	if side == domain.TradeTypeBuy {
		f.buys++
	} else {
		f.sells++
	}
	f.nextID++
	f.placed = append(f.placed, domain.OrderProposal{
		TradingPair: pair, Side: side, Amount: amount, Price: price, OrderType: ot,
	})
	return "ord-" + f.name + "-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeConnector) Cancel(_ context.Context, _ domain.TradingPair, clientOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, clientOrderID)
	return nil
}

func (f *fakeConnector) CancelAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	return nil
}

func (f *fakeConnector) Balance(asset string) (domain.Balance, bool) {
	b, ok := f.balances[asset]
	return b, ok
}

func (f *fakeConnector) TradingRule(pair domain.TradingPair) (domain.TradingRule, bool) {
	r, ok := f.rules[pair]
	return r, ok
}

func (f *fakeConnector) MidPrice(domain.TradingPair) (float64, bool)             { return 3000, true }
func (f *fakeConnector) BestBidAsk(domain.TradingPair) (float64, float64, bool)  { return 2999, 3001, true }
func (f *fakeConnector) OpenOrders() []domain.LimitOrder                         { return f.open }
func (f *fakeConnector) Tracker() *connector.Tracker                             { return f.tracker }

type allowAllLimiter struct {
	denied bool
}

func (l *allowAllLimiter) Allow(context.Context, string, int, int, time.Duration) (bool, error) {
	return !l.denied, nil
}

func (l *allowAllLimiter) Wait(context.Context, string, int, int, time.Duration) error { return nil }

type capturingAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *capturingAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (a *capturingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

func (a *capturingAudit) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

func placeProposal(amount, price string) domain.OrderProposal {
	return domain.OrderProposal{
		ID:          "p-1",
		Strategy:    "test",
		Exchange:    "binance",
		TradingPair: testPair,
		Kind:        domain.ProposalPlace,
		Side:        domain.TradeTypeBuy,
		OrderType:   domain.OrderTypeLimit,
		Amount:      decimal.RequireFromString(amount),
		Price:       decimal.RequireFromString(price),
		CreatedAt:   time.Now(),
	}
}

func newOrderService(conn *fakeConnector, limiter domain.RateLimiter, audit domain.AuditStore) *OrderService {
	return NewOrderService(
		map[string]connector.Connector{conn.name: conn},
		limiter, nil, audit, 10, testLogger(),
	)
}

func TestOrderServicePlaces(t *testing.T) {
	conn := newFakeConnector("binance")
	audit := &capturingAudit{}
	svc := newOrderService(conn, &allowAllLimiter{}, audit)

	res, err := svc.Place(context.Background(), placeProposal("1", "3000"))
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if !res.Success || res.ClientOrderID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if conn.buys != 1 {
		t.Fatalf("expected 1 buy at the connector, got %d", conn.buys)
	}
	evs := audit.events()
	if len(evs) != 1 || evs[0] != "order_placed" {
		t.Fatalf("expected order_placed audit entry, got %v", evs)
	}
}

func TestOrderServiceQuantizes(t *testing.T) {
	conn := newFakeConnector("binance")
	svc := newOrderService(conn, &allowAllLimiter{}, &capturingAudit{})

	// Price off-tick and amount off-step: both should be floored.
	if _, err := svc.Place(context.Background(), placeProposal("1.0005", "3000.019")); err != nil {
		t.Fatalf("Place: %v", err)
	}
	got := conn.placed[0]
	if got.Price.String() != "3000.01" {
		t.Errorf("price not quantized to tick: %s", got.Price)
	}
	if got.Amount.String() != "1" {
		t.Errorf("amount not quantized to step: %s", got.Amount)
	}
}

func TestOrderServiceShrinksToBudget(t *testing.T) {
	conn := newFakeConnector("binance")
	conn.balances["USDT"] = domain.Balance{
		Asset: "USDT", Total: decimal.NewFromInt(3000), Available: decimal.NewFromInt(3000),
	}
	svc := newOrderService(conn, &allowAllLimiter{}, &capturingAudit{})

	// Asking for 2 ETH at 3000 with only 3000 USDT: best-effort shrinks.
	if _, err := svc.Place(context.Background(), placeProposal("2", "3000")); err != nil {
		t.Fatalf("Place: %v", err)
	}
	if got := conn.placed[0].Amount; got.GreaterThanOrEqual(decimal.NewFromInt(2)) {
		t.Fatalf("amount not shrunk to budget: %s", got)
	}
}

func TestOrderServiceAllOrNoneRejectsUnaffordable(t *testing.T) {
	conn := newFakeConnector("binance")
	conn.balances["USDT"] = domain.Balance{
		Asset: "USDT", Total: decimal.NewFromInt(100), Available: decimal.NewFromInt(100),
	}
	svc := newOrderService(conn, &allowAllLimiter{}, &capturingAudit{})

	p := placeProposal("2", "3000")
	p.LegPolicy = domain.LegPolicyAllOrNone
	_, err := svc.Place(context.Background(), p)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if conn.buys != 0 {
		t.Fatal("unaffordable all-or-none leg must not reach the connector")
	}
}

func TestOrderServiceRateLimited(t *testing.T) {
	conn := newFakeConnector("binance")
	svc := newOrderService(conn, &allowAllLimiter{denied: true}, &capturingAudit{})

	res, err := svc.Place(context.Background(), placeProposal("1", "3000"))
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !res.ShouldRetry {
		t.Fatal("rate limited placement should be retryable")
	}
	if conn.buys != 0 {
		t.Fatal("rate limited placement must not reach the connector")
	}
}

func TestOrderServiceNotReady(t *testing.T) {
	conn := newFakeConnector("binance")
	conn.ready = false
	svc := newOrderService(conn, &allowAllLimiter{}, &capturingAudit{})

	res, err := svc.Place(context.Background(), placeProposal("1", "3000"))
	if !errors.Is(err, domain.ErrConnectorNotReady) {
		t.Fatalf("expected ErrConnectorNotReady, got %v", err)
	}
	if !res.ShouldRetry {
		t.Fatal("not-ready placement should be retryable")
	}
}

func TestOrderServiceCancelAll(t *testing.T) {
	binance := newFakeConnector("binance")
	kucoin := newFakeConnector("kucoin")
	svc := NewOrderService(
		map[string]connector.Connector{"binance": binance, "kucoin": kucoin},
		&allowAllLimiter{}, nil, &capturingAudit{}, 10, testLogger(),
	)

	if err := svc.CancelAll(context.Background(), ""); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if binance.cancelAll != 1 || kucoin.cancelAll != 1 {
		t.Fatal("cancel-all should hit every connector")
	}

	if err := svc.CancelAll(context.Background(), "kucoin"); err != nil {
		t.Fatalf("CancelAll(kucoin): %v", err)
	}
	if binance.cancelAll != 1 || kucoin.cancelAll != 2 {
		t.Fatal("scoped cancel-all should hit only the named connector")
	}
}

func completedSell(quote, fee int64) domain.OrderCompletedEvent {
	return domain.OrderCompletedEvent{
		Timestamp:   time.Now(),
		Exchange:    "binance",
		TradingPair: testPair,
		TradeType:   domain.TradeTypeSell,
		QuoteAmount: decimal.NewFromInt(quote),
		FeeAmount:   decimal.NewFromInt(fee),
	}
}

func completedBuy(quote, fee int64) domain.OrderCompletedEvent {
	e := completedSell(quote, fee)
	e.TradeType = domain.TradeTypeBuy
	return e
}

type recordingCanceller struct {
	mu    sync.Mutex
	calls int
}

func (c *recordingCanceller) CancelAll(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func TestRiskServiceNotionalLimit(t *testing.T) {
	svc := NewRiskService(RiskConfig{MaxOrderNotional: 1000}, nil, nil, &capturingAudit{}, testLogger())

	if err := svc.PreTradeCheck(context.Background(), placeProposal("0.1", "3000")); err != nil {
		t.Fatalf("small order should pass: %v", err)
	}
	if err := svc.PreTradeCheck(context.Background(), placeProposal("1", "3000")); err == nil {
		t.Fatal("oversized notional should be rejected")
	}
}

func TestRiskServiceOpenOrderLimit(t *testing.T) {
	conn := newFakeConnector("binance")
	conn.open = []domain.LimitOrder{
		{ClientOrderID: "a", TradingPair: testPair},
		{ClientOrderID: "b", TradingPair: testPair},
		{ClientOrderID: "c", TradingPair: domain.TradingPair("BTC-USDT")},
	}
	orders := newOrderService(conn, &allowAllLimiter{}, &capturingAudit{})
	svc := NewRiskService(RiskConfig{MaxOpenOrdersPerPair: 2}, orders, nil, &capturingAudit{}, testLogger())

	if err := svc.PreTradeCheck(context.Background(), placeProposal("0.1", "3000")); err == nil {
		t.Fatal("expected rejection at the per-pair open order cap")
	}
}

func TestRiskServiceKillSwitchOnDrawdown(t *testing.T) {
	audit := &capturingAudit{}
	canceller := &recordingCanceller{}
	svc := NewRiskService(RiskConfig{MaxSessionLossQuote: 500}, nil, canceller, audit, testLogger())
	ctx := context.Background()

	// Buy 3000, sell back 2800 with 20 in fees: down 220, still armed.
	svc.OnOrderEvent(ctx, completedBuy(3000, 10))
	svc.OnOrderEvent(ctx, completedSell(2800, 10))
	if engaged, _ := svc.Engaged(); engaged {
		t.Fatal("kill switch tripped below the loss limit")
	}
	if err := svc.PreTradeCheck(ctx, placeProposal("0.1", "3000")); err != nil {
		t.Fatalf("placement should still pass: %v", err)
	}

	// Another losing round trip pushes the session past -500.
	svc.OnOrderEvent(ctx, completedBuy(3000, 10))
	svc.OnOrderEvent(ctx, completedSell(2600, 10))
	engaged, why := svc.Engaged()
	if !engaged {
		t.Fatalf("kill switch should trip, pnl=%s", svc.SessionPnL())
	}
	if why == "" {
		t.Fatal("engaged kill switch must carry a reason")
	}
	if canceller.calls != 1 {
		t.Fatalf("kill switch should cancel-all once, got %d", canceller.calls)
	}

	err := svc.PreTradeCheck(ctx, placeProposal("0.1", "3000"))
	if !errors.Is(err, domain.ErrKillSwitchEngaged) {
		t.Fatalf("expected ErrKillSwitchEngaged, got %v", err)
	}

	// Cancels still pass so the book can be unwound.
	cancel := placeProposal("0.1", "3000")
	cancel.Kind = domain.ProposalCancel
	if err := svc.PreTradeCheck(ctx, cancel); err != nil {
		t.Fatalf("cancel should bypass the kill switch: %v", err)
	}
}

func TestRiskServiceManualEngageDisengage(t *testing.T) {
	canceller := &recordingCanceller{}
	svc := NewRiskService(RiskConfig{}, nil, canceller, &capturingAudit{}, testLogger())
	ctx := context.Background()

	svc.Engage(ctx, "operator halt")
	if engaged, why := svc.Engaged(); !engaged || why != "operator halt" {
		t.Fatalf("engage not recorded: %v %q", engaged, why)
	}
	if canceller.calls != 1 {
		t.Fatalf("expected one cancel-all, got %d", canceller.calls)
	}
	// Engaging twice must not cancel twice.
	svc.Engage(ctx, "again")
	if canceller.calls != 1 {
		t.Fatalf("re-engage should be a no-op, got %d cancel-alls", canceller.calls)
	}

	svc.Disengage(ctx)
	if engaged, _ := svc.Engaged(); engaged {
		t.Fatal("disengage did not re-arm")
	}
}

// fixedFills is a canned FillStore.
type fixedFills struct {
	fills []domain.Fill
}

func (f *fixedFills) Insert(context.Context, domain.Fill) error { return nil }

func (f *fixedFills) ListByOrder(_ context.Context, id string) ([]domain.Fill, error) {
	var out []domain.Fill
	for _, fill := range f.fills {
		if fill.ClientOrderID == id {
			out = append(out, fill)
		}
	}
	return out, nil
}

func (f *fixedFills) ListRecent(_ context.Context, opts domain.ListOpts) ([]domain.Fill, error) {
	var out []domain.Fill
	for _, fill := range f.fills {
		if opts.Since != nil && fill.Timestamp.Before(*opts.Since) {
			continue
		}
		out = append(out, fill)
	}
	return out, nil
}

func (f *fixedFills) ListBefore(context.Context, time.Time) ([]domain.Fill, error) {
	return nil, nil
}

func (f *fixedFills) SumQuoteVolume(context.Context, time.Time) (float64, error) {
	var sum float64
	for _, fill := range f.fills {
		sum += fill.QuoteAmount.InexactFloat64()
	}
	return sum, nil
}

type fixedOracle struct {
	rate float64
}

func (o *fixedOracle) Rate(context.Context, string, string) (float64, error) {
	return o.rate, nil
}

func TestTradeServiceSessionPnL(t *testing.T) {
	now := time.Now()
	fills := &fixedFills{fills: []domain.Fill{
		{
			TradeType:   domain.TradeTypeBuy,
			QuoteAmount: decimal.NewFromInt(3000),
			FeeAsset:    "USDT",
			FeeAmount:   decimal.NewFromInt(3),
			Timestamp:   now,
		},
		{
			TradeType:   domain.TradeTypeSell,
			QuoteAmount: decimal.NewFromInt(3100),
			FeeAsset:    "BNB",
			FeeAmount:   decimal.NewFromFloat(0.01),
			Timestamp:   now,
		},
		// Before the session window; must not count.
		{
			TradeType:   domain.TradeTypeSell,
			QuoteAmount: decimal.NewFromInt(9999),
			Timestamp:   now.Add(-2 * time.Hour),
		},
	}}
	// 1 BNB = 300 USDT, so the BNB fee costs 3 USDT.
	svc := NewTradeService(fills, &fixedOracle{rate: 300}, testLogger())

	sum, err := svc.SessionPnL(context.Background(), now.Add(-time.Hour), "USDT")
	if err != nil {
		t.Fatalf("SessionPnL: %v", err)
	}
	if sum.Fills != 2 {
		t.Fatalf("expected 2 fills in window, got %d", sum.Fills)
	}
	if !sum.Fees.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected 6 USDT total fees, got %s", sum.Fees)
	}
	// 3100 - 3000 - 6
	if !sum.Realized.Equal(decimal.NewFromInt(94)) {
		t.Fatalf("expected realized 94, got %s", sum.Realized)
	}
}

type recordingRuleStore struct {
	mu     sync.Mutex
	upsert map[string][]domain.TradingRule
}

func (r *recordingRuleStore) UpsertBatch(_ context.Context, exchange string, rules []domain.TradingRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsert == nil {
		r.upsert = make(map[string][]domain.TradingRule)
	}
	r.upsert[exchange] = append([]domain.TradingRule(nil), rules...)
	return nil
}

func (r *recordingRuleStore) ListByExchange(_ context.Context, exchange string) ([]domain.TradingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsert[exchange], nil
}

func TestMarketServiceSyncOnce(t *testing.T) {
	conn := newFakeConnector("binance")
	store := &recordingRuleStore{}
	svc := NewMarketService(
		map[string]connector.Connector{"binance": conn},
		map[string][]domain.TradingPair{"binance": {testPair, domain.TradingPair("BTC-USDT")}},
		store, time.Minute, testLogger(),
	)

	if err := svc.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	// Only testPair has a loaded rule; the missing pair is skipped.
	if got := store.upsert["binance"]; len(got) != 1 || got[0].TradingPair != testPair {
		t.Fatalf("unexpected synced rules: %+v", got)
	}
}

func TestBalanceServiceMergesConnectors(t *testing.T) {
	binance := newFakeConnector("binance")
	kucoin := newFakeConnector("kucoin")
	kucoin.balances["ETH"] = domain.Balance{Asset: "ETH", Total: decimal.NewFromInt(5), Available: decimal.NewFromInt(5)}

	svc := NewBalanceService(
		map[string]connector.Connector{"binance": binance, "kucoin": kucoin},
		map[string][]string{"binance": {"ETH", "USDT"}, "kucoin": {"ETH", "USDT"}},
		&fixedOracle{rate: 3000},
		testLogger(),
	)

	totals := svc.TotalByAsset()
	if !totals["ETH"].Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected 15 ETH across venues, got %s", totals["ETH"])
	}
	if !totals["USDT"].Equal(decimal.NewFromInt(200000)) {
		t.Fatalf("expected 200000 USDT across venues, got %s", totals["USDT"])
	}

	// 15 ETH at 3000 plus the USDT face value.
	value := svc.Valuation(context.Background(), "USDT")
	if !value.Equal(decimal.NewFromInt(245000)) {
		t.Fatalf("expected valuation 245000, got %s", value)
	}
}
