// Package candles aggregates public trades into OHLCV series and computes
// the indicators strategies consume.
package candles

import (
	"sync"

	"github.com/coinalpha/hbot/internal/domain"
)

// DefaultCapacity bounds how many candles a series retains.
const DefaultCapacity = 1000

// Series is a capacity-bounded, append-ordered candle history for one
// (pair, interval). Appending a candle with the OpenTime of the newest
// entry replaces it, so a building candle can be refreshed in place.
type Series struct {
	mu       sync.RWMutex
	capacity int
	candles  []domain.Candle
}

// NewSeries creates a series holding at most capacity candles.
func NewSeries(capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Series{capacity: capacity}
}

// Append adds a candle, replacing the newest entry when the open time
// matches, and trims history beyond capacity.
func (s *Series) Append(c domain.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.candles); n > 0 && s.candles[n-1].OpenTime.Equal(c.OpenTime) {
		s.candles[n-1] = c
		return
	}
	s.candles = append(s.candles, c)
	if len(s.candles) > s.capacity {
		s.candles = s.candles[len(s.candles)-s.capacity:]
	}
}

// Last returns the newest candle, or false when the series is empty.
func (s *Series) Last() (domain.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return domain.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// Len returns the number of retained candles.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

// Tail returns a copy of the newest n candles, oldest first. n <= 0
// returns the whole history.
func (s *Series) Tail(n int) []domain.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candles := s.candles
	if n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	out := make([]domain.Candle, len(candles))
	copy(out, candles)
	return out
}

// Closes returns the close prices of the newest n candles, oldest first.
func (s *Series) Closes(n int) []float64 {
	tail := s.Tail(n)
	out := make([]float64, len(tail))
	for i, c := range tail {
		out[i] = c.Close
	}
	return out
}
