package recorder

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryBus is an in-memory domain.EventBus with a single consumer group.
type memoryBus struct {
	mu      sync.Mutex
	stream  []domain.StreamMessage
	cursor  int
	acked   map[string]bool
	pubbed  [][]byte
	nextID  int
}

func newMemoryBus() *memoryBus {
	return &memoryBus{acked: make(map[string]bool)}
}

func (b *memoryBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pubbed = append(b.pubbed, payload)
	return nil
}

func (b *memoryBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memoryBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.stream = append(b.stream, domain.StreamMessage{
		ID:      strconv.Itoa(b.nextID),
		Payload: payload,
	})
	return nil
}

func (b *memoryBus) StreamRead(_ context.Context, _ string, _ string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count > len(b.stream) {
		count = len(b.stream)
	}
	return append([]domain.StreamMessage(nil), b.stream[:count]...), nil
}

func (b *memoryBus) StreamReadGroup(_ context.Context, _, _, _ string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for ; b.cursor < len(b.stream) && len(out) < count; b.cursor++ {
		out = append(out, b.stream[b.cursor])
	}
	return out, nil
}

func (b *memoryBus) StreamAck(_ context.Context, _, _ string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.acked[id] = true
	}
	return nil
}

func (b *memoryBus) ackedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.acked)
}

// memoryFills records inserts and dedups by (exchange, trade id).
type memoryFills struct {
	mu    sync.Mutex
	fills []domain.Fill
	seen  map[string]bool
}

func newMemoryFills() *memoryFills {
	return &memoryFills{seen: make(map[string]bool)}
}

func (m *memoryFills) Insert(_ context.Context, fill domain.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fill.Exchange + ":" + fill.TradeID
	if m.seen[key] {
		return domain.ErrAlreadyExists
	}
	m.seen[key] = true
	m.fills = append(m.fills, fill)
	return nil
}

func (m *memoryFills) ListByOrder(context.Context, string) ([]domain.Fill, error) { return nil, nil }
func (m *memoryFills) ListRecent(context.Context, domain.ListOpts) ([]domain.Fill, error) {
	return nil, nil
}
func (m *memoryFills) ListBefore(context.Context, time.Time) ([]domain.Fill, error) {
	return nil, nil
}
func (m *memoryFills) SumQuoteVolume(context.Context, time.Time) (float64, error) { return 0, nil }

func (m *memoryFills) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fills)
}

type capturingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *capturingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
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
	t.Fatal("condition not met before deadline")
}

func filledEvent(tradeID string) domain.OrderFilledEvent {
	return domain.OrderFilledEvent{
		Timestamp:     time.Now(),
		Exchange:      "binance",
		TradingPair:   domain.TradingPair("ETH-USDT"),
		TradeType:     domain.TradeTypeBuy,
		OrderType:     domain.OrderTypeLimit,
		ClientOrderID: "ord-1",
		TradeID:       tradeID,
		Price:         decimal.NewFromInt(3000),
		Amount:        decimal.NewFromInt(1),
		Fee: domain.TradeFee{
			FlatFees: []domain.TokenAmount{{Token: "USDT", Amount: decimal.NewFromInt(3)}},
		},
	}
}

func TestPublisherForwardsToStreamAndPubSub(t *testing.T) {
	bus := newMemoryBus()
	pub := NewEventPublisher(bus, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = pub.Run(ctx); close(done) }()

	pub.Record(filledEvent("t-1"))
	pub.Record(domain.OrderCompletedEvent{
		Timestamp:     time.Now(),
		Exchange:      "binance",
		TradingPair:   domain.TradingPair("ETH-USDT"),
		ClientOrderID: "ord-1",
	})

	waitFor(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.stream) == 2 && len(bus.pubbed) == 2
	})

	cancel()
	<-done
}

func TestFillProcessorPersistsAndDedups(t *testing.T) {
	bus := newMemoryBus()
	fills := newMemoryFills()
	notifier := &capturingNotifier{}

	ctx := context.Background()
	for _, ev := range []domain.OrderEvent{
		filledEvent("t-1"),
		filledEvent("t-1"), // replay of the same trade id
		filledEvent("t-2"),
		domain.OrderCompletedEvent{
			Timestamp:     time.Now(),
			Exchange:      "binance",
			TradingPair:   domain.TradingPair("ETH-USDT"),
			TradeType:     domain.TradeTypeBuy,
			ClientOrderID: "ord-1",
			BaseAmount:    decimal.NewFromInt(1),
			QuoteAmount:   decimal.NewFromInt(3000),
		},
	} {
		data, err := encodeEvent(ev)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := bus.StreamAppend(ctx, OrderEventStream, data); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	proc := NewFillProcessor(bus, fills, notifier, "test-consumer", testLogger())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = proc.Run(runCtx); close(done) }()

	waitFor(t, func() bool { return bus.ackedCount() == 4 })
	cancel()
	<-done

	if got := fills.count(); got != 2 {
		t.Fatalf("expected 2 unique fills, got %d", got)
	}
	if fills.fills[0].FeeAsset != "USDT" || !fills.fills[0].FeeAmount.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("fee not carried: %+v", fills.fills[0])
	}
	if !fills.fills[0].QuoteAmount.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("quote amount not derived: %s", fills.fills[0].QuoteAmount)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 || notifier.events[0] != "order_completed" {
		t.Fatalf("expected one completion notification, got %v", notifier.events)
	}
}

type recordingCandleStore struct {
	mu      sync.Mutex
	batches [][]domain.Candle
	fail    bool
}

func (r *recordingCandleStore) InsertBatch(_ context.Context, candles []domain.Candle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return context.DeadlineExceeded
	}
	r.batches = append(r.batches, append([]domain.Candle(nil), candles...))
	return nil
}

func (r *recordingCandleStore) ListRange(context.Context, string, domain.TradingPair, domain.CandleInterval, time.Time, time.Time) ([]domain.Candle, error) {
	return nil, nil
}

func (r *recordingCandleStore) ListBefore(context.Context, time.Time) ([]domain.Candle, error) {
	return nil, nil
}

func TestCandlePersisterFlushes(t *testing.T) {
	store := &recordingCandleStore{}
	p := NewCandlePersister(store, testLogger())

	for i := 0; i < 3; i++ {
		p.Add(domain.Candle{Exchange: "binance", Close: float64(3000 + i), Closed: true})
	}
	p.Flush(context.Background())

	if p.Pending() != 0 {
		t.Fatalf("expected empty queue after flush, got %d", p.Pending())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 1 || len(store.batches[0]) != 3 {
		t.Fatalf("unexpected batches: %v", store.batches)
	}
}

func TestCandlePersisterRequeuesOnFailure(t *testing.T) {
	store := &recordingCandleStore{fail: true}
	p := NewCandlePersister(store, testLogger())

	p.Add(domain.Candle{Exchange: "binance", Closed: true})
	p.Flush(context.Background())

	if p.Pending() != 1 {
		t.Fatalf("failed flush should requeue, pending=%d", p.Pending())
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	p.Flush(context.Background())
	if p.Pending() != 0 {
		t.Fatalf("retry flush should drain, pending=%d", p.Pending())
	}
}

func TestNextCronTime(t *testing.T) {
	after := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 3 1 * *", time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)},
		{"0 * * * *", time.Date(2026, 2, 10, 15, 0, 0, 0, time.UTC)},
		{"45 14 * * *", time.Date(2026, 2, 10, 14, 45, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := nextCronTime(tc.expr, after)
		if err != nil {
			t.Errorf("nextCronTime(%q): %v", tc.expr, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("nextCronTime(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}

	if _, err := nextCronTime("bad cron", after); err == nil {
		t.Error("expected error for malformed expression")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	if _, err := decodeEvent([]byte(`{"kind":"mystery","payload":{}}`)); err == nil {
		t.Fatal("expected error for unknown event kind")
	}
}
