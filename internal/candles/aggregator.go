package candles

import (
	"log/slog"
	"sync"

	"github.com/coinalpha/hbot/internal/domain"
)

type seriesKey struct {
	pair     domain.TradingPair
	interval domain.CandleInterval
}

// Aggregator buckets one venue's public trades into OHLCV candles across
// a set of intervals. A candle closes when the first trade of the next
// bucket arrives; closed candles are appended to the pair's series and
// handed to the onClosed callback for persistence/fan-out.
type Aggregator struct {
	exchange  string
	intervals []domain.CandleInterval
	capacity  int
	onClosed  func(domain.Candle)
	logger    *slog.Logger

	mu     sync.Mutex
	series map[seriesKey]*Series
	open   map[seriesKey]*domain.Candle
}

// NewAggregator creates an aggregator for the given venue and intervals.
// onClosed may be nil.
func NewAggregator(exchange string, intervals []domain.CandleInterval, capacity int, onClosed func(domain.Candle), logger *slog.Logger) *Aggregator {
	if len(intervals) == 0 {
		intervals = []domain.CandleInterval{domain.Interval1m}
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		exchange:  exchange,
		intervals: intervals,
		capacity:  capacity,
		onClosed:  onClosed,
		logger:    logger.With(slog.String("component", "candle_aggregator"), slog.String("exchange", exchange)),
		series:    make(map[seriesKey]*Series),
		open:      make(map[seriesKey]*domain.Candle),
	}
}

// OnTrade folds one public trade into the building candle of every
// configured interval. Candles closed by the bucket rollover are handed
// to onClosed after the aggregator lock is released.
func (a *Aggregator) OnTrade(t domain.PublicTrade) {
	if t.Price <= 0 || t.Amount < 0 {
		return
	}

	var closed []domain.Candle
	a.mu.Lock()
	for _, interval := range a.intervals {
		if c, ok := a.fold(t, interval); ok {
			closed = append(closed, c)
		}
	}
	a.mu.Unlock()

	if a.onClosed != nil {
		for _, c := range closed {
			a.onClosed(c)
		}
	}
}

// fold merges the trade into one interval's building candle and reports
// the candle that rolled closed, if any. Caller holds a.mu.
func (a *Aggregator) fold(t domain.PublicTrade, interval domain.CandleInterval) (domain.Candle, bool) {
	key := seriesKey{pair: t.TradingPair, interval: interval}
	bucket := t.Timestamp.Truncate(interval.Duration())

	var rolled domain.Candle
	var hasRolled bool

	cur := a.open[key]
	switch {
	case cur == nil:
		// First trade for this pair+interval.

	case bucket.Equal(cur.OpenTime):
		if t.Price > cur.High {
			cur.High = t.Price
		}
		if t.Price < cur.Low {
			cur.Low = t.Price
		}
		cur.Close = t.Price
		cur.Volume += t.Amount
		cur.QuoteVolume += t.Price * t.Amount
		cur.TradeCount++
		a.seriesLocked(key).Append(*cur)
		return domain.Candle{}, false

	case bucket.Before(cur.OpenTime):
		a.logger.Debug("dropping out-of-order trade",
			slog.String("pair", string(t.TradingPair)),
			slog.Time("trade_time", t.Timestamp),
			slog.Time("bucket_open", cur.OpenTime))
		return domain.Candle{}, false

	default:
		cur.Closed = true
		a.seriesLocked(key).Append(*cur)
		delete(a.open, key)
		rolled, hasRolled = *cur, true
	}

	next := &domain.Candle{
		Exchange:    a.exchange,
		TradingPair: t.TradingPair,
		Interval:    interval,
		OpenTime:    bucket,
		Open:        t.Price,
		High:        t.Price,
		Low:         t.Price,
		Close:       t.Price,
		Volume:      t.Amount,
		QuoteVolume: t.Price * t.Amount,
		TradeCount:  1,
	}
	a.open[key] = next
	a.seriesLocked(key).Append(*next)
	return rolled, hasRolled
}

// AddClosedCandle folds an exchange-built candle (kline stream or REST
// history) directly into the series, bypassing trade aggregation. Only
// closed candles fire onClosed.
func (a *Aggregator) AddClosedCandle(c domain.Candle) {
	key := seriesKey{pair: c.TradingPair, interval: c.Interval}

	a.mu.Lock()
	a.seriesLocked(key).Append(c)
	a.mu.Unlock()

	if c.Closed && a.onClosed != nil {
		a.onClosed(c)
	}
}

func (a *Aggregator) seriesLocked(key seriesKey) *Series {
	s, ok := a.series[key]
	if !ok {
		s = NewSeries(a.capacity)
		a.series[key] = s
	}
	return s
}

// Series returns the history for a pair+interval, or false when no trade
// or candle has been seen for it yet.
func (a *Aggregator) Series(pair domain.TradingPair, interval domain.CandleInterval) (*Series, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.series[seriesKey{pair: pair, interval: interval}]
	return s, ok
}

// Tail returns the newest n candles for a pair+interval, oldest first.
func (a *Aggregator) Tail(pair domain.TradingPair, interval domain.CandleInterval, n int) []domain.Candle {
	s, ok := a.Series(pair, interval)
	if !ok {
		return nil
	}
	return s.Tail(n)
}
