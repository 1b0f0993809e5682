package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

const (
	defaultFlushInterval = 10 * time.Second
	defaultFlushSize     = 200
)

// CandlePersister batches closed candles into the candle store. Add is the
// aggregator's onClosed callback, so it must stay cheap: it appends under a
// mutex and the Run loop does the writes.
type CandlePersister struct {
	store    domain.CandleStore
	interval time.Duration
	maxBatch int
	logger   *slog.Logger

	mu      sync.Mutex
	pending []domain.Candle
}

// NewCandlePersister builds the persister with the default flush cadence.
func NewCandlePersister(store domain.CandleStore, logger *slog.Logger) *CandlePersister {
	return &CandlePersister{
		store:    store,
		interval: defaultFlushInterval,
		maxBatch: defaultFlushSize,
		logger:   logger.With(slog.String("component", "candle_persister")),
	}
}

// Add queues one closed candle for the next flush.
func (p *CandlePersister) Add(c domain.Candle) {
	p.mu.Lock()
	p.pending = append(p.pending, c)
	p.mu.Unlock()
}

// Pending returns the queued, not yet flushed candle count.
func (p *CandlePersister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Run flushes on the cadence until the context is cancelled, then does a
// final flush with a short deadline so closed candles are not lost on
// shutdown.
func (p *CandlePersister) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.Flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush writes the queued candles in store-sized batches. On a failed
// insert the batch is requeued for the next pass.
func (p *CandlePersister) Flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	for start := 0; start < len(batch); start += p.maxBatch {
		end := start + p.maxBatch
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]
		if err := p.store.InsertBatch(ctx, chunk); err != nil {
			p.logger.Warn("candle flush failed, requeueing",
				slog.Int("count", len(chunk)),
				slog.Any("error", err),
			)
			p.mu.Lock()
			p.pending = append(p.pending, batch[start:]...)
			p.mu.Unlock()
			return
		}
	}
	p.logger.Debug("candles flushed", slog.Int("count", len(batch)))
}
