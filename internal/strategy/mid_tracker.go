package strategy

import (
	"math"
	"sync"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// MidPoint records a single mid-price observation at a point in time.
type MidPoint struct {
	Mid  float64
	Time time.Time
}

type midKey struct {
	exchange string
	pair     domain.TradingPair
}

// MidTracker maintains a sliding window of recent mid prices per venue and
// pair. It is shared by all running strategies, so it locks.
type MidTracker struct {
	history    map[midKey][]MidPoint
	windowSize time.Duration
	mu         sync.RWMutex
}

// NewMidTracker creates a MidTracker. The windowSize parameter controls how
// far back the in-memory history extends; points older than the window are
// discarded on every Track call.
func NewMidTracker(windowSize time.Duration) *MidTracker {
	return &MidTracker{
		history:    make(map[midKey][]MidPoint),
		windowSize: windowSize,
	}
}

// Track records a new mid observation and trims points that have fallen
// outside the sliding window.
func (mt *MidTracker) Track(exchange string, pair domain.TradingPair, mid float64, ts time.Time) {
	if mid <= 0 {
		return
	}
	key := midKey{exchange, pair}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.history[key] = append(mt.history[key], MidPoint{Mid: mid, Time: ts})
	mt.trim(key, ts)
}

// Last returns the most recent tracked mid, or false when none is recorded.
func (mt *MidTracker) Last(exchange string, pair domain.TradingPair) (float64, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	pts := mt.history[midKey{exchange, pair}]
	if len(pts) == 0 {
		return 0, false
	}
	return pts[len(pts)-1].Mid, true
}

// History returns a copy of the windowed observations. Safe to mutate.
func (mt *MidTracker) History(exchange string, pair domain.TradingPair) []MidPoint {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	src := mt.history[midKey{exchange, pair}]
	if len(src) == 0 {
		return nil
	}
	out := make([]MidPoint, len(src))
	copy(out, src)
	return out
}

// Mean returns the arithmetic mean of the windowed mids, or 0 when empty.
func (mt *MidTracker) Mean(exchange string, pair domain.TradingPair) float64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	pts := mt.history[midKey{exchange, pair}]
	if len(pts) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pts {
		sum += p.Mid
	}
	return sum / float64(len(pts))
}

// Volatility returns the population standard deviation of the windowed mids.
// Fewer than two points yields 0.
func (mt *MidTracker) Volatility(exchange string, pair domain.TradingPair) float64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	pts := mt.history[midKey{exchange, pair}]
	if len(pts) < 2 {
		return 0
	}

	var sum float64
	for _, p := range pts {
		sum += p.Mid
	}
	mean := sum / float64(len(pts))

	var variance float64
	for _, p := range pts {
		d := p.Mid - mean
		variance += d * d
	}
	variance /= float64(len(pts))
	return math.Sqrt(variance)
}

// Dropped reports whether the latest mid sits more than threshold (a
// fraction, 0.10 for 10%) below the average of the earlier window. The
// current point is excluded from the average so it cannot drag it down.
// Market makers pause quoting on a true result.
func (mt *MidTracker) Dropped(exchange string, pair domain.TradingPair, threshold float64) bool {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	pts := mt.history[midKey{exchange, pair}]
	if len(pts) < 2 {
		return false
	}

	var sum float64
	n := len(pts) - 1
	for i := 0; i < n; i++ {
		sum += pts[i].Mid
	}
	avg := sum / float64(n)
	if avg == 0 {
		return false
	}

	current := pts[len(pts)-1].Mid
	drop := (avg - current) / avg
	return drop >= threshold
}

// trim removes all points older than windowSize relative to the reference
// time. The caller must hold mt.mu.
func (mt *MidTracker) trim(key midKey, now time.Time) {
	cutoff := now.Add(-mt.windowSize)
	pts := mt.history[key]

	i := 0
	for i < len(pts) && pts[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		mt.history[key] = pts[i:]
	}
}
