package feed

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/domain"
)

type recordingEngine struct {
	mu      sync.Mutex
	books   []domain.OrderBookSnapshot
	changes []domain.PriceChange
	trades  []domain.PublicTrade
}

func (e *recordingEngine) HandleBookUpdate(_ context.Context, snap domain.OrderBookSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.books = append(e.books, snap)
}

func (e *recordingEngine) HandlePriceChange(_ context.Context, ch domain.PriceChange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changes = append(e.changes, ch)
}

func (e *recordingEngine) HandleTrade(_ context.Context, t domain.PublicTrade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trades = append(e.trades, t)
}

type recordingCandles struct {
	mu     sync.Mutex
	trades []domain.PublicTrade
	closed []domain.Candle
}

func (c *recordingCandles) OnTrade(t domain.PublicTrade) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trades = append(c.trades, t)
}

func (c *recordingCandles) AddClosedCandle(candle domain.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, candle)
}

// Every venue Connector must attach to the router without adaptation.
var _ connector.MarketStreams = connector.Connector(nil)

type fakeStreams struct {
	name   string
	books  []connector.BookHandler
	tops   []connector.TopOfBookHandler
	trades []connector.PublicTradeHandler
	cands  []connector.CandleHandler
}

func (f *fakeStreams) Name() string                           { return f.name }
func (f *fakeStreams) OnBookSnapshot(h connector.BookHandler) { f.books = append(f.books, h) }
func (f *fakeStreams) OnTopOfBook(h connector.TopOfBookHandler) {
	f.tops = append(f.tops, h)
}
func (f *fakeStreams) OnPublicTrade(h connector.PublicTradeHandler) {
	f.trades = append(f.trades, h)
}
func (f *fakeStreams) OnCandle(h connector.CandleHandler) { f.cands = append(f.cands, h) }

func (f *fakeStreams) emitBook(snap domain.OrderBookSnapshot) {
	for _, h := range f.books {
		h(snap)
	}
}

func (f *fakeStreams) emitTop(top domain.TopOfBook) {
	for _, h := range f.tops {
		h(top)
	}
}

func (f *fakeStreams) emitTrade(t domain.PublicTrade) {
	for _, h := range f.trades {
		h(t)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runRouter(t *testing.T, r *Router) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRouterRoutesBookAndTrade(t *testing.T) {
	engine := &recordingEngine{}
	candles := &recordingCandles{}
	r := NewRouter(engine, candles, nil, nil, testLogger())

	src := &fakeStreams{name: domain.ExchangeBinance}
	r.Attach(src)
	stop := runRouter(t, r)
	defer stop()

	src.emitBook(domain.OrderBookSnapshot{
		Exchange:    domain.ExchangeBinance,
		TradingPair: "BTC-USDT",
		BestBid:     49990,
		BestAsk:     50010,
		MidPrice:    50000,
		Timestamp:   time.Now(),
	})
	src.emitTrade(domain.PublicTrade{
		Exchange:    domain.ExchangeBinance,
		TradingPair: "BTC-USDT",
		TradeID:     "t1",
		Price:       50001,
		Amount:      0.5,
		Timestamp:   time.Now(),
	})

	waitFor(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return len(engine.books) == 1 && len(engine.trades) == 1
	})
	waitFor(t, func() bool {
		candles.mu.Lock()
		defer candles.mu.Unlock()
		return len(candles.trades) == 1
	})
}

func TestRouterEmitsPriceChangePastEpsilon(t *testing.T) {
	engine := &recordingEngine{}
	r := NewRouter(engine, nil, nil, nil, testLogger())
	r.SetEpsilonBps(10) // 0.1%

	src := &fakeStreams{name: domain.ExchangeBinance}
	r.Attach(src)
	stop := runRouter(t, r)
	defer stop()

	base := time.Now()
	tops := []domain.TopOfBook{
		{Exchange: domain.ExchangeBinance, TradingPair: "ETH-USDT", BidPrice: 2999, AskPrice: 3001, Timestamp: base},
		// +0.03%: below epsilon, no event.
		{Exchange: domain.ExchangeBinance, TradingPair: "ETH-USDT", BidPrice: 3000, AskPrice: 3002, Timestamp: base.Add(time.Second)},
		// +0.5%: past epsilon, one event.
		{Exchange: domain.ExchangeBinance, TradingPair: "ETH-USDT", BidPrice: 3014, AskPrice: 3016, Timestamp: base.Add(2 * time.Second)},
	}
	for _, top := range tops {
		src.emitTop(top)
	}

	waitFor(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return len(engine.changes) == 1
	})
	engine.mu.Lock()
	defer engine.mu.Unlock()
	ch := engine.changes[0]
	if ch.PrevMid != 3000 || ch.MidPrice != 3015 {
		t.Fatalf("change = %+v, want prev 3000 mid 3015", ch)
	}
}

func TestRouterDropsWhenBufferFull(t *testing.T) {
	// No Run pump: the buffer fills and overflow must not block the
	// emitting goroutine.
	r := NewRouter(&recordingEngine{}, nil, nil, nil, testLogger())
	src := &fakeStreams{name: domain.ExchangeKucoin}
	r.Attach(src)

	for i := 0; i < eventBuf+10; i++ {
		src.emitTop(domain.TopOfBook{Exchange: domain.ExchangeKucoin, TradingPair: "BTC-USDT", BidPrice: 1, AskPrice: 2})
	}
	if got := r.Dropped(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}
}
