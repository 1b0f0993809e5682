// Package feed routes market data from venue connectors into the strategy
// engine, the candle aggregator, and the shared Redis mirrors. Connector
// stream handlers must not block, so the router is a buffered hand-off:
// handlers enqueue, Run pumps.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/domain"
)

// MidTickChannel carries throttled mid-price ticks for dashboard clients.
const MidTickChannel = "ticks:mid"

const (
	eventBuf = 1024
	// defaultEpsilonBps is the mid-price move that triggers a PriceChange
	// event toward strategies.
	defaultEpsilonBps = 1.0
	// mirrorInterval caps how often one pair's prices are written to Redis.
	mirrorInterval = 500 * time.Millisecond
)

// EngineSink receives routed market data. The strategy engine implements it.
type EngineSink interface {
	HandleBookUpdate(ctx context.Context, snap domain.OrderBookSnapshot)
	HandlePriceChange(ctx context.Context, change domain.PriceChange)
	HandleTrade(ctx context.Context, trade domain.PublicTrade)
}

// CandleSink receives public trades for OHLCV aggregation plus closed
// candles computed by the venue itself. The candle aggregator implements it.
type CandleSink interface {
	OnTrade(t domain.PublicTrade)
	AddClosedCandle(c domain.Candle)
}

// Router fans market data from any number of connectors out to the engine,
// the candle aggregator, and the price/book caches. Every sink is optional;
// a nil sink simply drops that leg.
type Router struct {
	engine  EngineSink
	candles CandleSink
	prices  domain.PriceCache
	books   domain.BookCache
	ticks   domain.EventBus
	logger  *slog.Logger

	epsilonBps float64
	eventCh    chan any
	dropped    atomic.Int64

	// Run-goroutine state, no locking needed.
	lastMid    map[string]float64
	lastMirror map[string]time.Time
}

// NewRouter creates a Router. Attach connectors before Run.
func NewRouter(engine EngineSink, candles CandleSink, prices domain.PriceCache, books domain.BookCache, logger *slog.Logger) *Router {
	return &Router{
		engine:     engine,
		candles:    candles,
		prices:     prices,
		books:      books,
		logger:     logger.With(slog.String("component", "feed_router")),
		epsilonBps: defaultEpsilonBps,
		eventCh:    make(chan any, eventBuf),
		lastMid:    make(map[string]float64),
		lastMirror: make(map[string]time.Time),
	}
}

// SetEpsilonBps adjusts the mid-move threshold for PriceChange events. Must
// be called before Run.
func (r *Router) SetEpsilonBps(bps float64) {
	if bps > 0 {
		r.epsilonBps = bps
	}
}

// SetTickBus enables publishing of mid-price ticks on MidTickChannel for the
// WebSocket hub. Must be called before Run.
func (r *Router) SetTickBus(bus domain.EventBus) {
	r.ticks = bus
}

// Attach registers the router's handlers on a connector's market streams.
// Must be called before the connector starts streaming.
func (r *Router) Attach(src connector.MarketStreams) {
	src.OnBookSnapshot(func(snap domain.OrderBookSnapshot) {
		r.enqueue(snap)
	})
	src.OnTopOfBook(func(top domain.TopOfBook) {
		r.enqueue(top)
	})
	src.OnPublicTrade(func(trade domain.PublicTrade) {
		r.enqueue(trade)
	})
	src.OnCandle(func(c domain.Candle) {
		r.enqueue(c)
	})
	r.logger.Info("connector attached", slog.String("exchange", src.Name()))
}

// enqueue is called from connector stream goroutines. Market data is
// refreshed continuously, so a full buffer drops the event rather than
// stalling the stream reader.
func (r *Router) enqueue(ev any) {
	select {
	case r.eventCh <- ev:
	default:
		if n := r.dropped.Add(1); n%1000 == 1 {
			r.logger.Warn("feed buffer full, dropping events", slog.Int64("dropped_total", n))
		}
	}
}

// Dropped returns the number of events dropped due to backpressure.
func (r *Router) Dropped() int64 { return r.dropped.Load() }

// Run pumps events until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("feed router started")
	defer r.logger.Info("feed router stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.eventCh:
			switch e := ev.(type) {
			case domain.OrderBookSnapshot:
				r.handleBook(ctx, e)
			case domain.TopOfBook:
				r.handleTop(ctx, e)
			case domain.PublicTrade:
				r.handleTrade(ctx, e)
			case domain.Candle:
				// Venue-computed candles bypass the aggregator's trade
				// folding and land directly as closed history.
				if r.candles != nil && e.Closed {
					r.candles.AddClosedCandle(e)
				}
			}
		}
	}
}

func (r *Router) handleBook(ctx context.Context, snap domain.OrderBookSnapshot) {
	if r.engine != nil {
		r.engine.HandleBookUpdate(ctx, snap)
	}
	r.trackMid(ctx, snap.Exchange, snap.TradingPair, snap.MidPrice, snap.BestBid, snap.BestAsk, snap.Timestamp)
}

func (r *Router) handleTop(ctx context.Context, top domain.TopOfBook) {
	r.trackMid(ctx, top.Exchange, top.TradingPair, top.Mid(), top.BidPrice, top.AskPrice, top.Timestamp)
}

func (r *Router) handleTrade(ctx context.Context, trade domain.PublicTrade) {
	if r.engine != nil {
		r.engine.HandleTrade(ctx, trade)
	}
	if r.candles != nil {
		r.candles.OnTrade(trade)
	}
}

// trackMid mirrors prices to Redis (throttled per pair) and raises a
// PriceChange toward strategies when the mid moved past the epsilon.
func (r *Router) trackMid(ctx context.Context, exchange string, pair domain.TradingPair, mid, bid, ask float64, ts time.Time) {
	if mid <= 0 {
		return
	}
	key := exchange + "|" + string(pair)

	prev, seen := r.lastMid[key]
	moved := !seen || prev <= 0 || absFloat(mid-prev)/prev*10000 >= r.epsilonBps
	if moved {
		r.lastMid[key] = mid
		if r.engine != nil && seen {
			r.engine.HandlePriceChange(ctx, domain.PriceChange{
				Exchange:    exchange,
				TradingPair: pair,
				MidPrice:    mid,
				PrevMid:     prev,
				BestBid:     bid,
				BestAsk:     ask,
				Timestamp:   ts,
			})
		}
	}

	if last, ok := r.lastMirror[key]; ok && ts.Sub(last) < mirrorInterval && !moved {
		return
	}
	r.lastMirror[key] = ts
	if r.prices != nil {
		if err := r.prices.SetMid(ctx, exchange, pair, mid, ts); err != nil {
			r.logger.Debug("price mirror failed", slog.String("pair", string(pair)), slog.String("error", err.Error()))
		}
	}
	if r.ticks != nil {
		tick, err := json.Marshal(map[string]any{
			"type":         "mid_tick",
			"exchange":     exchange,
			"trading_pair": string(pair),
			"mid":          mid,
			"best_bid":     bid,
			"best_ask":     ask,
			"timestamp":    ts.UTC().Format(time.RFC3339Nano),
		})
		if err == nil {
			if err := r.ticks.Publish(ctx, MidTickChannel, tick); err != nil {
				r.logger.Debug("tick publish failed", slog.String("pair", string(pair)), slog.String("error", err.Error()))
			}
		}
	}
	if r.books != nil && bid > 0 && ask > 0 {
		snap := domain.PriceSnapshot{
			Exchange:    exchange,
			TradingPair: pair,
			BestBid:     bid,
			BestAsk:     ask,
			MidPrice:    mid,
			Spread:      ask - bid,
			Time:        ts,
		}
		if err := r.books.SetTop(ctx, snap); err != nil {
			r.logger.Debug("top mirror failed", slog.String("pair", string(pair)), slog.String("error", err.Error()))
		}
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
