package candles

import (
	"errors"
	"fmt"
	"math"

	"github.com/coinalpha/hbot/internal/domain"
)

// ErrNotEnoughData is returned when a series is shorter than an
// indicator's warm-up requirement.
var ErrNotEnoughData = errors.New("not enough data")

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("sma: period must be positive, got %d", period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("sma: need %d values, have %d: %w", period, len(values), ErrNotEnoughData)
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMA returns the exponential moving average of values with the standard
// smoothing factor 2/(period+1), seeded with the SMA of the first period
// values.
func EMA(values []float64, period int) (float64, error) {
	series, err := emaSeries(values, period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// emaSeries computes the EMA at every point from the seed onward. The
// result is aligned to the tail of values: series[i] corresponds to
// values[i+period-1].
func emaSeries(values []float64, period int) ([]float64, error) {
	if period <= 0 {
		return nil, fmt.Errorf("ema: period must be positive, got %d", period)
	}
	if len(values) < period {
		return nil, fmt.Errorf("ema: need %d values, have %d: %w", period, len(values), ErrNotEnoughData)
	}

	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	seed /= float64(period)

	k := 2.0 / float64(period+1)
	series := make([]float64, 0, len(values)-period+1)
	series = append(series, seed)
	prev := seed
	for _, v := range values[period:] {
		prev = (v-prev)*k + prev
		series = append(series, prev)
	}
	return series, nil
}

// RSI returns the relative strength index over the last period changes
// using Wilder's smoothing. 100 means every change was a gain, 0 every
// change a loss. Requires period+1 values.
func RSI(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("rsi: period must be positive, got %d", period)
	}
	if len(values) < period+1 {
		return 0, fmt.Errorf("rsi: need %d values, have %d: %w", period+1, len(values), ErrNotEnoughData)
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), nil
}

// MACD returns the moving average convergence/divergence line, its signal
// line, and the histogram (line - signal) at the newest value. Requires
// slow+signal-1 values.
func MACD(values []float64, fast, slow, signal int) (line, signalLine, histogram float64, err error) {
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return 0, 0, 0, fmt.Errorf("macd: invalid periods fast=%d slow=%d signal=%d", fast, slow, signal)
	}
	if len(values) < slow+signal-1 {
		return 0, 0, 0, fmt.Errorf("macd: need %d values, have %d: %w", slow+signal-1, len(values), ErrNotEnoughData)
	}

	fastSeries, err := emaSeries(values, fast)
	if err != nil {
		return 0, 0, 0, err
	}
	slowSeries, err := emaSeries(values, slow)
	if err != nil {
		return 0, 0, 0, err
	}

	// Both series end at the newest value; align tails.
	n := len(slowSeries)
	macdLine := make([]float64, n)
	offset := len(fastSeries) - n
	for i := 0; i < n; i++ {
		macdLine[i] = fastSeries[offset+i] - slowSeries[i]
	}

	signalSeries, err := emaSeries(macdLine, signal)
	if err != nil {
		return 0, 0, 0, err
	}

	line = macdLine[len(macdLine)-1]
	signalLine = signalSeries[len(signalSeries)-1]
	return line, signalLine, line - signalLine, nil
}

// Bollinger returns the upper/middle/lower bands over the last period
// values: middle is the SMA, the bands sit k population standard
// deviations away.
func Bollinger(values []float64, period int, k float64) (upper, middle, lower float64, err error) {
	middle, err = SMA(values, period)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bollinger: %w", err)
	}

	variance := 0.0
	for _, v := range values[len(values)-period:] {
		d := v - middle
		variance += d * d
	}
	std := math.Sqrt(variance / float64(period))
	return middle + k*std, middle, middle - k*std, nil
}

// ATR returns the average true range over the last period candles using
// Wilder's smoothing. Requires period+1 candles (the first true range
// needs a previous close).
func ATR(series []domain.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr: period must be positive, got %d", period)
	}
	if len(series) < period+1 {
		return 0, fmt.Errorf("atr: need %d candles, have %d: %w", period+1, len(series), ErrNotEnoughData)
	}

	trueRange := func(c domain.Candle, prevClose float64) float64 {
		tr := c.High - c.Low
		if hc := math.Abs(c.High - prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(c.Low - prevClose); lc > tr {
			tr = lc
		}
		return tr
	}

	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(series[i], series[i-1].Close)
	}
	atr /= float64(period)

	for i := period + 1; i < len(series); i++ {
		atr = (atr*float64(period-1) + trueRange(series[i], series[i-1].Close)) / float64(period)
	}
	return atr, nil
}
