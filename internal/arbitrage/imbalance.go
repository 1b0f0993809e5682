package arbitrage

import "github.com/coinalpha/hbot/internal/domain"

// ImbalanceConfig tunes the book-pressure gauge.
type ImbalanceConfig struct {
	RatioThreshold float64 // bid/ask notional ratio before pressure registers, e.g. 1.5
	MinNotional    float64 // minimum total (bid+ask) notional to consider
	MaxSkew        float64 // cap on the returned skew magnitude, e.g. 0.5
}

// ImbalanceGauge converts order book volume skew into a quote-skew signal.
// Market makers shade their quotes toward the pressured side: heavy bids
// mean the next move is likelier up, so bids tighten and asks back off.
type ImbalanceGauge struct {
	cfg ImbalanceConfig
}

// NewImbalanceGauge creates a gauge.
func NewImbalanceGauge(cfg ImbalanceConfig) *ImbalanceGauge {
	if cfg.RatioThreshold < 1 {
		cfg.RatioThreshold = 1
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 0.5
	}
	return &ImbalanceGauge{cfg: cfg}
}

// Skew returns a value in [-MaxSkew, MaxSkew]: positive for bid pressure
// (buyers dominating), negative for ask pressure, 0 when the book is thin
// or balanced. The magnitude grows with how far the notional ratio exceeds
// the threshold, saturating at one full threshold-multiple beyond it.
func (g *ImbalanceGauge) Skew(snap domain.OrderBookSnapshot) float64 {
	var bidVol, askVol float64
	for _, l := range snap.Bids {
		bidVol += l.Price * l.Size
	}
	for _, l := range snap.Asks {
		askVol += l.Price * l.Size
	}
	if bidVol <= 0 || askVol <= 0 || bidVol+askVol < g.cfg.MinNotional {
		return 0
	}

	ratio := bidVol / askVol
	sign := 1.0
	if ratio < 1 {
		ratio = 1 / ratio
		sign = -1
	}
	if ratio < g.cfg.RatioThreshold {
		return 0
	}

	excess := (ratio - g.cfg.RatioThreshold) / g.cfg.RatioThreshold
	if excess > 1 {
		excess = 1
	}
	return sign * excess * g.cfg.MaxSkew
}
