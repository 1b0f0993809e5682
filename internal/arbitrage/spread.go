package arbitrage

import "strings"

// FeeModel maps exchanges to their taker fee in basis points. Cross-venue
// edge is computed net of a taker fee on each leg; venues missing from the
// map fall back to DefaultBps.
type FeeModel struct {
	PerExchange map[string]float64
	DefaultBps  float64
}

// TakerBps returns the taker fee for the exchange in basis points.
func (m FeeModel) TakerBps(exchange string) float64 {
	if m.PerExchange != nil {
		if bps, ok := m.PerExchange[strings.ToLower(exchange)]; ok {
			return bps
		}
	}
	return m.DefaultBps
}

// SpreadBps returns the bid/ask spread of one venue in basis points of the
// mid, or 0 when either side is missing. Market-making strategies use it to
// decide whether a market is worth quoting.
func SpreadBps(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 || ask < bid {
		return 0
	}
	mid := (bid + ask) / 2
	if mid <= 0 {
		return 0
	}
	return (ask - bid) / mid * 10000
}

// EdgeBps returns the edge of selling at sellPrice what was bought at
// buyPrice, in basis points of the midpoint. Negative when the trade loses
// money before fees.
func EdgeBps(buyPrice, sellPrice float64) float64 {
	if buyPrice <= 0 || sellPrice <= 0 {
		return 0
	}
	mid := (buyPrice + sellPrice) / 2
	return (sellPrice - buyPrice) / mid * 10000
}
