package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/crypto"
	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/order"
	api "github.com/coinalpha/hbot/internal/platform/kucoin"
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

func newTestConnector(baseURL string) (*Connector, *recordingBus) {
	bus := &recordingBus{}
	rest := api.NewClient(baseURL, &crypto.KucoinAuth{Key: "key", Secret: "secret", Passphrase: "pass"}, nil)
	c := New(Config{Pairs: []domain.TradingPair{testPair}}, rest, bus, testLogger())
	return c, bus
}

// markTradable flips the connector into a ready-to-place state without
// running the stream loops.
func markTradable(c *Connector) {
	c.rules[testPair] = domain.TradingRule{
		TradingPair:  testPair,
		MinOrderSize: d("0.0001"),
		TickSize:     d("0.01"),
		StepSize:     d("0.0001"),
		MinNotional:  d("10"),
	}
	c.ready.Store(true)
}

func trackOpenOrder(c *Connector, clientID string) *order.InFlightOrder {
	o := order.New(order.Params{
		ClientOrderID:   clientID,
		ExchangeOrderID: "ex-42",
		TradingPair:     testPair,
		OrderType:       domain.OrderTypeLimit,
		TradeType:       domain.TradeTypeBuy,
		Price:           d("25000"),
		Amount:          d("1"),
		InitialState:    domain.OrderStateOpen,
	})
	c.tracker.StartTracking(o)
	return o
}

func level2Update(start, end int64, bidPrice, bidSize string) api.WSLevel2Update {
	u := api.WSLevel2Update{
		SequenceStart: start,
		SequenceEnd:   end,
		Symbol:        "BTC-USDT",
	}
	u.Changes.Bids = [][3]string{{bidPrice, bidSize, strconv.FormatInt(end, 10)}}
	return u
}

func TestPublicTopics(t *testing.T) {
	rest := api.NewClient("http://127.0.0.1:0", nil, nil)
	c := New(Config{
		Pairs:           []domain.TradingPair{testPair},
		CandleIntervals: []domain.CandleInterval{domain.Interval1m},
	}, rest, connector.NopRecorder{}, testLogger())

	got := c.publicTopics()
	want := []string{
		"/market/ticker:BTC-USDT",
		"/market/level2:BTC-USDT",
		"/market/match:BTC-USDT",
		"/market/candles:BTC-USDT_1min",
	}
	if len(got) != len(want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topic[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMatchRoutesOnlySubscribedSymbols(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	var got []domain.PublicTrade
	c.OnPublicTrade(func(tr domain.PublicTrade) { got = append(got, tr) })

	c.handleMatch(api.WSMatch{Symbol: "ETH-USDT", TradeID: "t1", Price: "3000", Size: "1", Side: "buy", Time: "0"})
	if len(got) != 0 {
		t.Fatalf("unsubscribed symbol emitted %d trades", len(got))
	}

	c.handleMatch(api.WSMatch{Symbol: "BTC-USDT", TradeID: "t2", Price: "25000.5", Size: "0.25", Side: "sell", Time: "1700000000000000000"})
	if len(got) != 1 {
		t.Fatalf("got %d trades, want 1", len(got))
	}
	if got[0].TradingPair != testPair {
		t.Errorf("trade pair = %q, want %q", got[0].TradingPair, testPair)
	}
	if !got[0].IsBuyerMaker {
		t.Errorf("sell taker should report buyer as maker")
	}
}

func TestHandleLevel2BuffersWhileUnsynced(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	c.handleLevel2(level2Update(5, 6, "25000", "1.0"))
	c.handleLevel2(level2Update(7, 8, "25001", "1.0"))

	c.mu.RLock()
	buffered := len(c.buffered[testPair])
	c.mu.RUnlock()
	if buffered != 2 {
		t.Errorf("buffered diffs = %d, want 2", buffered)
	}
	if bid := c.books[testPair].BestBid(); bid != 0 {
		t.Errorf("unsynced book best bid = %v, want 0", bid)
	}
}

func TestHandleLevel2AppliesWhenSynced(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	var mu sync.Mutex
	var snaps []domain.OrderBookSnapshot
	c.OnBookSnapshot(func(s domain.OrderBookSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		snaps = append(snaps, s)
	})

	c.books[testPair].ApplySnapshot(domain.OrderBookSnapshot{
		Exchange:    domain.ExchangeKucoin,
		TradingPair: testPair,
		SeqNum:      10,
		Bids:        []domain.BookLevel{{Price: 24999, Size: 1}},
		Asks:        []domain.BookLevel{{Price: 25010, Size: 1}},
	})
	c.synced[testPair] = true

	c.handleLevel2(level2Update(11, 12, "25000", "1.0"))

	if bid := c.books[testPair].BestBid(); bid != 25000 {
		t.Errorf("best bid = %v, want 25000", bid)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(snaps) != 1 {
		t.Fatalf("emitted snapshots = %d, want 1", len(snaps))
	}
	if snaps[0].BestBid != 25000 {
		t.Errorf("snapshot best bid = %v, want 25000", snaps[0].BestBid)
	}
}

func TestHandleLevel2GapRequestsResync(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	c.books[testPair].ApplySnapshot(domain.OrderBookSnapshot{
		Exchange:    domain.ExchangeKucoin,
		TradingPair: testPair,
		SeqNum:      10,
	})
	c.synced[testPair] = true

	c.handleLevel2(level2Update(15, 16, "25000", "1.0"))

	c.mu.RLock()
	synced := c.synced[testPair]
	c.mu.RUnlock()
	if synced {
		t.Error("gap left book marked synced")
	}
	select {
	case pair := <-c.resync:
		if pair != testPair {
			t.Errorf("resync pair = %s, want %s", pair, testPair)
		}
	default:
		t.Error("gap did not queue a resync")
	}
}

func TestResyncBookReplaysBufferedDiffs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/market/orderbook/level2_100" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTC-USDT" {
			t.Errorf("symbol = %s, want BTC-USDT", got)
		}
		w.Write([]byte(`{"code":"200000","data":{
			"sequence": "100",
			"time": 1700000000000,
			"bids": [["25000", "1"]],
			"asks": [["25010", "1"]]
		}}`))
	}))
	defer srv.Close()

	c, _ := newTestConnector(srv.URL)

	// Stale, bridging, and advancing diffs buffered while the snapshot was
	// in flight.
	c.handleLevel2(level2Update(90, 95, "24000", "1.0"))
	c.handleLevel2(level2Update(96, 101, "25001", "1.0"))
	c.handleLevel2(level2Update(102, 103, "25002", "1.0"))

	if err := c.resyncBook(context.Background(), testPair); err != nil {
		t.Fatalf("resync: %v", err)
	}

	c.mu.RLock()
	synced := c.synced[testPair]
	buffered := len(c.buffered[testPair])
	c.mu.RUnlock()
	if !synced {
		t.Error("book not marked synced")
	}
	if buffered != 0 {
		t.Errorf("buffer not drained: %d diffs left", buffered)
	}

	b := c.books[testPair]
	if b.SeqNum() != 103 {
		t.Errorf("seq = %d, want 103", b.SeqNum())
	}
	if bid := b.BestBid(); bid != 25002 {
		t.Errorf("best bid = %v, want 25002", bid)
	}

	bid, ask, ok := c.BestBidAsk(testPair)
	if !ok || bid != 25002 || ask != 25010 {
		t.Errorf("BestBidAsk = (%v, %v, %v), want (25002, 25010, true)", bid, ask, ok)
	}
}

func TestBestBidAskFallsBackToTicker(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	if _, _, ok := c.BestBidAsk(testPair); ok {
		t.Error("cold connector reported a top of book")
	}

	c.handleTicker("BTC-USDT", api.WSTicker{
		Sequence:    "7",
		BestBid:     "24999.5",
		BestBidSize: "1.0",
		BestAsk:     "25000.5",
		BestAskSize: "2.0",
		Time:        1700000000000,
	})

	bid, ask, ok := c.BestBidAsk(testPair)
	if !ok || bid != 24999.5 || ask != 25000.5 {
		t.Fatalf("BestBidAsk = (%v, %v, %v), want ticker values", bid, ask, ok)
	}
	mid, ok := c.MidPrice(testPair)
	if !ok || mid != 25000 {
		t.Errorf("mid = %v, want 25000", mid)
	}
}

func TestPlaceSubmitsLowercaseParams(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode order body: %v", err)
		}
		w.Write([]byte(`{"code":"200000","data":{"orderId":"ex-42"}}`))
	}))
	defer srv.Close()

	c, bus := newTestConnector(srv.URL)
	markTradable(c)

	id, err := c.Buy(context.Background(), testPair, d("0.5"), d("25000.123"), domain.OrderTypeLimit)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !connector.IsOurOrderID(id) {
		t.Errorf("returned id %q not in our format", id)
	}

	if gotBody["symbol"] != "BTC-USDT" || gotBody["side"] != "buy" || gotBody["type"] != "limit" {
		t.Errorf("order body = %v", gotBody)
	}
	if gotBody["price"] != "25000.12" {
		t.Errorf("price = %v, want tick-quantized 25000.12", gotBody["price"])
	}
	if gotBody["size"] != "0.5" {
		t.Errorf("size = %v, want 0.5", gotBody["size"])
	}
	if _, ok := gotBody["postOnly"]; ok {
		t.Error("plain limit order sent postOnly")
	}

	o, ok := c.tracker.FetchTracked(id)
	if !ok {
		t.Fatal("placed order not tracked")
	}
	if o.State() != domain.OrderStateOpen {
		t.Errorf("state = %s, want OPEN", o.State())
	}
	if exID, _ := o.ExchangeOrderID(); exID != "ex-42" {
		t.Errorf("exchange order id = %q, want ex-42", exID)
	}
	if created := bus.byKind(domain.EventOrderCreated); len(created) != 1 {
		t.Errorf("created events = %d, want 1", len(created))
	}
}

func TestPlacePostOnly(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode order body: %v", err)
		}
		w.Write([]byte(`{"code":"200000","data":{"orderId":"ex-43"}}`))
	}))
	defer srv.Close()

	c, _ := newTestConnector(srv.URL)
	markTradable(c)

	if _, err := c.Sell(context.Background(), testPair, d("0.5"), d("25000"), domain.OrderTypeLimitMaker); err != nil {
		t.Fatalf("sell: %v", err)
	}

	if gotBody["type"] != "limit" || gotBody["side"] != "sell" {
		t.Errorf("order body = %v", gotBody)
	}
	if gotBody["postOnly"] != true {
		t.Error("maker order did not set postOnly")
	}
}

func TestPlaceRejectionMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"300000","msg":"Balance insufficient!"}`))
	}))
	defer srv.Close()

	c, bus := newTestConnector(srv.URL)
	markTradable(c)

	_, err := c.Buy(context.Background(), testPair, d("0.5"), d("25000"), domain.OrderTypeLimit)
	if err == nil {
		t.Fatal("expected placement error")
	}

	if n := c.tracker.ActiveCount(); n != 0 {
		t.Errorf("active orders = %d, want 0", n)
	}
	if n := c.tracker.CachedCount(); n != 1 {
		t.Errorf("cached orders = %d, want 1", n)
	}
	if failed := bus.byKind(domain.EventOrderFailed); len(failed) != 1 {
		t.Errorf("failure events = %d, want 1", len(failed))
	}
}

func TestPlaceBelowMinimumsNeverSubmits(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Write([]byte(`{"code":"200000","data":{}}`))
	}))
	defer srv.Close()

	c, _ := newTestConnector(srv.URL)
	markTradable(c)

	// 0.0002 BTC at 25000 is 5 USDT notional, below the 10 minimum.
	_, err := c.Buy(context.Background(), testPair, d("0.0002"), d("25000"), domain.OrderTypeLimit)
	if !errors.Is(err, domain.ErrBelowMinimums) {
		t.Fatalf("err = %v, want ErrBelowMinimums", err)
	}
	if requests != 0 {
		t.Errorf("requests sent = %d, want 0", requests)
	}
	if n := c.tracker.ActiveCount(); n != 0 {
		t.Errorf("active orders = %d, want 0", n)
	}
}

func TestPlaceRequiresReady(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	_, err := c.Buy(context.Background(), testPair, d("1"), d("25000"), domain.OrderTypeLimit)
	if !errors.Is(err, domain.ErrConnectorNotReady) {
		t.Errorf("err = %v, want ErrConnectorNotReady", err)
	}
}

func TestCancelMarksPendingCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		if r.URL.Path != "/api/v1/order/client-order/HBOT-B-t-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"code":"200000","data":{"cancelledOrderIds":["ex-42"]}}`))
	}))
	defer srv.Close()

	c, _ := newTestConnector(srv.URL)
	o := trackOpenOrder(c, "HBOT-B-t-1")

	if err := c.Cancel(context.Background(), testPair, "HBOT-B-t-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.State() != domain.OrderStatePendingCancel {
		t.Errorf("state = %s, want PENDING_CANCEL", o.State())
	}
}

func TestCancelUnknownOrderCountsTowardLost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"400100","msg":"order_not_exist_or_not_allow_to_cancel"}`))
	}))
	defer srv.Close()

	c, bus := newTestConnector(srv.URL)
	trackOpenOrder(c, "HBOT-B-t-2")

	// The venue disowns the order each attempt; past the retry budget the
	// tracker declares it lost.
	for i := 0; i < connector.MaxOrderNotFoundRetries+1; i++ {
		if err := c.Cancel(context.Background(), testPair, "HBOT-B-t-2"); err != nil {
			t.Fatalf("cancel attempt %d: %v", i, err)
		}
	}

	if n := c.tracker.ActiveCount(); n != 0 {
		t.Errorf("active orders = %d, want 0", n)
	}
	if failed := bus.byKind(domain.EventOrderFailed); len(failed) != 1 {
		t.Errorf("failure events = %d, want 1", len(failed))
	}
}

func TestCancelUntrackedOrder(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	err := c.Cancel(context.Background(), testPair, "HBOT-B-missing")
	if !errors.Is(err, domain.ErrOrderNotTracked) {
		t.Errorf("err = %v, want ErrOrderNotTracked", err)
	}
}

func TestOrderChangeFillCompletesOrder(t *testing.T) {
	c, bus := newTestConnector("http://127.0.0.1:0")
	trackOpenOrder(c, "HBOT-B-t-3")

	c.handleOrderChange(api.WSOrderChange{
		Symbol:     "BTC-USDT",
		OrderID:    "ex-42",
		Type:       "filled",
		ClientOid:  "HBOT-B-t-3",
		Status:     "done",
		MatchPrice: "25000",
		MatchSize:  "1",
		TradeID:    "t-901",
		Ts:         1700000000000000000,
	})

	if n := c.tracker.ActiveCount(); n != 0 {
		t.Errorf("active orders = %d, want 0", n)
	}
	o, ok := c.tracker.FetchCached("HBOT-B-t-3")
	if !ok {
		t.Fatal("completed order not in cache")
	}
	if !o.IsFilled() {
		t.Errorf("state = %s, want FILLED", o.State())
	}
	if !o.ExecutedAmountBase().Equal(d("1")) {
		t.Errorf("executed base = %s, want 1", o.ExecutedAmountBase())
	}
	if filled := bus.byKind(domain.EventOrderFilled); len(filled) != 1 {
		t.Errorf("fill events = %d, want 1", len(filled))
	}
	if completed := bus.byKind(domain.EventOrderCompleted); len(completed) != 1 {
		t.Errorf("completed events = %d, want 1", len(completed))
	}
}

func TestOrderChangeFillEstimatesFee(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	// KuCoin order events carry no fee; fills fall back to the configured
	// percent of the base amount.
	o := order.New(order.Params{
		ClientOrderID:   "HBOT-B-t-8",
		ExchangeOrderID: "ex-42",
		TradingPair:     testPair,
		OrderType:       domain.OrderTypeLimit,
		TradeType:       domain.TradeTypeBuy,
		Price:           d("25000"),
		Amount:          d("2"),
		InitialState:    domain.OrderStateOpen,
		TradeFeePercent: d("0.001"),
	})
	c.tracker.StartTracking(o)

	c.handleOrderChange(api.WSOrderChange{
		Symbol:     "BTC-USDT",
		OrderID:    "ex-42",
		Type:       "match",
		ClientOid:  "HBOT-B-t-8",
		Status:     "match",
		MatchPrice: "25000",
		MatchSize:  "1",
		TradeID:    "t-902",
		Ts:         1700000000000000000,
	})

	if o.State() != domain.OrderStatePartiallyFilled {
		t.Errorf("state = %s, want PARTIALLY_FILLED", o.State())
	}
	if !o.CumulativeFeePaid().Equal(d("0.001")) {
		t.Errorf("fee = %s, want estimated 0.001", o.CumulativeFeePaid())
	}
}

func TestOrderChangeIgnoresForeignOrders(t *testing.T) {
	c, bus := newTestConnector("http://127.0.0.1:0")
	trackOpenOrder(c, "HBOT-B-t-4")

	c.handleOrderChange(api.WSOrderChange{
		Symbol:    "BTC-USDT",
		OrderID:   "ex-7777",
		Type:      "open",
		ClientOid: "kc-app-1234567890",
		Status:    "open",
		Ts:        1700000000000000000,
	})

	if n := c.tracker.ActiveCount(); n != 1 {
		t.Errorf("active orders = %d, want 1", n)
	}
	if len(bus.byKind(domain.EventOrderCreated)) != 0 {
		t.Error("foreign order produced events")
	}
}

func TestOrderChangeCancelTerminatesOrder(t *testing.T) {
	c, bus := newTestConnector("http://127.0.0.1:0")
	trackOpenOrder(c, "HBOT-B-t-5")

	c.handleOrderChange(api.WSOrderChange{
		Symbol:    "BTC-USDT",
		OrderID:   "ex-42",
		Type:      "canceled",
		ClientOid: "HBOT-B-t-5",
		Status:    "done",
		Ts:        1700000000000000000,
	})

	o, ok := c.tracker.FetchCached("HBOT-B-t-5")
	if !ok {
		t.Fatal("cancelled order not in cache")
	}
	if !o.IsCancelled() {
		t.Errorf("state = %s, want CANCELLED", o.State())
	}
	if cancelled := bus.byKind(domain.EventOrderCancelled); len(cancelled) != 1 {
		t.Errorf("cancelled events = %d, want 1", len(cancelled))
	}
}

func TestBalanceChangeUpdatesBalances(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	c.handleBalanceChange(api.WSBalanceChange{
		Currency:  "BTC",
		Total:     "2",
		Available: "1.5",
		Hold:      "0.5",
		Time:      "1700000000000",
	})

	bal, ok := c.Balance("BTC")
	if !ok {
		t.Fatal("BTC balance missing")
	}
	if !bal.Available.Equal(d("1.5")) || !bal.Total.Equal(d("2")) {
		t.Errorf("balance = %s/%s, want 1.5/2", bal.Available, bal.Total)
	}
}

func TestReconcileRecoversMissedFills(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/order/client-order/HBOT-B-t-6":
			w.Write([]byte(`{"code":"200000","data":{
				"id": "ex-42",
				"symbol": "BTC-USDT",
				"side": "buy",
				"price": "25000",
				"size": "1",
				"dealFunds": "25000",
				"dealSize": "1",
				"fee": "25",
				"feeCurrency": "USDT",
				"isActive": false,
				"cancelExist": false,
				"clientOid": "HBOT-B-t-6",
				"createdAt": 1700000000000
			}}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/fills":
			if got := r.URL.Query().Get("orderId"); got != "ex-42" {
				t.Errorf("fills orderId = %s, want ex-42", got)
			}
			w.Write([]byte(`{"code":"200000","data":{"currentPage":1,"totalNum":1,"items":[{
				"symbol": "BTC-USDT",
				"tradeId": "t-501",
				"orderId": "ex-42",
				"side": "buy",
				"price": "25000",
				"size": "1",
				"funds": "25000",
				"fee": "25",
				"feeCurrency": "USDT",
				"createdAt": 1700000000500
			}]}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, bus := newTestConnector(srv.URL)
	o := trackOpenOrder(c, "HBOT-B-t-6")

	c.reconcileOrders(context.Background())

	if !o.IsFilled() {
		t.Errorf("state = %s, want FILLED", o.State())
	}
	if !o.ExecutedAmountBase().Equal(d("1")) {
		t.Errorf("executed base = %s, want 1", o.ExecutedAmountBase())
	}
	if !o.CumulativeFeePaid().Equal(d("25")) {
		t.Errorf("fee = %s, want 25", o.CumulativeFeePaid())
	}
	if filled := bus.byKind(domain.EventOrderFilled); len(filled) != 1 {
		t.Errorf("fill events = %d, want 1", len(filled))
	}
}

func TestReconcileCountsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"400100","msg":"order not exist"}`))
	}))
	defer srv.Close()

	c, bus := newTestConnector(srv.URL)
	trackOpenOrder(c, "HBOT-B-t-7")

	for i := 0; i < connector.MaxOrderNotFoundRetries+1; i++ {
		c.reconcileOrders(context.Background())
	}

	if n := c.tracker.ActiveCount(); n != 0 {
		t.Errorf("active orders = %d, want 0", n)
	}
	if failed := bus.byKind(domain.EventOrderFailed); len(failed) != 1 {
		t.Errorf("failure events = %d, want 1", len(failed))
	}
}

func TestRefreshTradingRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/symbols" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"code":"200000","data":[
			{"symbol":"BTC-USDT","baseCurrency":"BTC","quoteCurrency":"USDT",
			 "baseMinSize":"0.00001","baseMaxSize":"10000","baseIncrement":"0.00000001",
			 "priceIncrement":"0.1","minFunds":"0.1","enableTrading":true},
			{"symbol":"ETH-USDT","baseCurrency":"ETH","quoteCurrency":"USDT",
			 "baseMinSize":"0.0001","baseMaxSize":"10000","baseIncrement":"0.0000001",
			 "priceIncrement":"0.01","minFunds":"0.1","enableTrading":true}
		]}`))
	}))
	defer srv.Close()

	c, _ := newTestConnector(srv.URL)
	if err := c.refreshTradingRules(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rule, ok := c.TradingRule(testPair)
	if !ok {
		t.Fatal("rule for configured pair missing")
	}
	if !rule.TickSize.Equal(d("0.1")) || !rule.MinOrderSize.Equal(d("0.00001")) {
		t.Errorf("rule = %+v", rule)
	}
	if _, ok := c.TradingRule(domain.TradingPair("ETH-USDT")); ok {
		t.Error("unconfigured pair acquired a rule")
	}
}

func TestHandleCandleDispatches(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")

	var mu sync.Mutex
	var candles []domain.Candle
	c.OnCandle(func(cd domain.Candle) {
		mu.Lock()
		defer mu.Unlock()
		candles = append(candles, cd)
	})

	c.handleCandle(api.WSCandles{
		Symbol:  "BTC-USDT",
		Candles: [7]string{"1700000000", "25000", "25050", "25100", "24900", "10", "250000"},
		Time:    1700000000000000000,
	}, "1min", true)

	mu.Lock()
	defer mu.Unlock()
	if len(candles) != 1 {
		t.Fatalf("candles = %d, want 1", len(candles))
	}
	got := candles[0]
	if got.Interval != domain.Interval1m {
		t.Errorf("interval = %s, want 1m", got.Interval)
	}
	if !got.Closed {
		t.Error("closed candle not marked closed")
	}
	if got.Close != 25050 {
		t.Errorf("close = %v, want 25050", got.Close)
	}
	if !got.OpenTime.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("open time = %v", got.OpenTime)
	}
}

func TestOpenOrdersSnapshot(t *testing.T) {
	c, _ := newTestConnector("http://127.0.0.1:0")
	trackOpenOrder(c, "HBOT-B-t-9")

	open := c.OpenOrders()
	if len(open) != 1 {
		t.Fatalf("open orders = %d, want 1", len(open))
	}
	lo := open[0]
	if lo.ClientOrderID != "HBOT-B-t-9" || !lo.IsBuy {
		t.Errorf("open order = %+v", lo)
	}
	if lo.ExchangeOrderID != "ex-42" {
		t.Errorf("exchange order id = %q, want ex-42", lo.ExchangeOrderID)
	}
}
