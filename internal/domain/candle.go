package domain

import "time"

// CandleInterval is a supported OHLCV bucket width.
type CandleInterval time.Duration

const (
	Interval1m CandleInterval = CandleInterval(time.Minute)
	Interval5m CandleInterval = CandleInterval(5 * time.Minute)
	Interval1h CandleInterval = CandleInterval(time.Hour)
)

// Duration returns the interval as a time.Duration.
func (i CandleInterval) Duration() time.Duration { return time.Duration(i) }

// String renders the interval in exchange notation ("1m", "5m", "1h").
func (i CandleInterval) String() string {
	d := time.Duration(i)
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return itoa(int(d/time.Hour)) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return itoa(int(d/time.Minute)) + "m"
	default:
		return itoa(int(d/time.Second)) + "s"
	}
}

// ParseCandleInterval parses exchange notation back to an interval.
func ParseCandleInterval(s string) (CandleInterval, bool) {
	if len(s) < 2 {
		return 0, false
	}
	unit := s[len(s)-1]
	n := 0
	for _, c := range s[:len(s)-1] {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return 0, false
	}
	switch unit {
	case 's':
		return CandleInterval(time.Duration(n) * time.Second), true
	case 'm':
		return CandleInterval(time.Duration(n) * time.Minute), true
	case 'h':
		return CandleInterval(time.Duration(n) * time.Hour), true
	default:
		return 0, false
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Candle is one OHLCV bucket for (exchange, pair, interval). OpenTime is the
// inclusive bucket start; a candle is "closed" once its bucket has elapsed.
type Candle struct {
	Exchange    string
	TradingPair TradingPair
	Interval    CandleInterval
	OpenTime    time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
	TradeCount  int64
	Closed      bool
}
