// Package arbitrage holds the cross-venue dislocation math used by the
// cross-exchange strategy and the analytics surfaced over the status API.
// Everything here is pure computation over book tops; placing the resulting
// legs is the strategy's and executor's business.
package arbitrage

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coinalpha/hbot/internal/domain"
)

// TopQuote is one venue's best bid/ask for the pair under evaluation.
type TopQuote struct {
	Exchange string
	Bid      float64
	BidSize  float64
	Ask      float64
	AskSize  float64
	At       time.Time
}

// valid reports whether both sides carry a usable price.
func (q TopQuote) valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// DetectorConfig configures the cross-venue detector.
type DetectorConfig struct {
	MinNetEdgeBps float64       // discard opportunities below this after fees
	MaxAmount     float64       // base-amount cap per opportunity, 0 = book-limited only
	MaxQuoteAge   time.Duration // discard quotes older than this, 0 = no check
	Fees          FeeModel
}

// Detector finds executable price dislocations between two venues: the bid
// on one exceeding the ask on the other by more than the combined taker
// fees. Both directions are checked on every evaluation.
type Detector struct {
	cfg    DetectorConfig
	logger *slog.Logger
}

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig, logger *slog.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger.With(slog.String("component", "arb_detector"))}
}

// Detect evaluates both trade directions between quotes a and b and returns
// the opportunities whose net edge clears the configured minimum. The
// amount is capped by the thinner of the two touched levels so a single
// taker pass can fill both legs.
func (d *Detector) Detect(pair domain.TradingPair, a, b TopQuote) []domain.ArbOpportunity {
	if !a.valid() || !b.valid() {
		return nil
	}
	if d.cfg.MaxQuoteAge > 0 {
		if age := a.At.Sub(b.At); age > d.cfg.MaxQuoteAge || -age > d.cfg.MaxQuoteAge {
			return nil
		}
	}

	var opps []domain.ArbOpportunity
	// Buy on a, sell on b; then the reverse.
	if opp, ok := d.direction(pair, a, b); ok {
		opps = append(opps, opp)
	}
	if opp, ok := d.direction(pair, b, a); ok {
		opps = append(opps, opp)
	}
	return opps
}

// direction prices buying at buy.Ask and selling at sell.Bid.
func (d *Detector) direction(pair domain.TradingPair, buy, sell TopQuote) (domain.ArbOpportunity, bool) {
	if sell.Bid <= buy.Ask {
		return domain.ArbOpportunity{}, false
	}
	mid := (buy.Ask + sell.Bid) / 2
	grossBps := (sell.Bid - buy.Ask) / mid * 10000
	feeBps := d.cfg.Fees.TakerBps(buy.Exchange) + d.cfg.Fees.TakerBps(sell.Exchange)
	netBps := grossBps - feeBps
	if netBps < d.cfg.MinNetEdgeBps {
		return domain.ArbOpportunity{}, false
	}

	amount := buy.AskSize
	if sell.BidSize < amount {
		amount = sell.BidSize
	}
	if d.cfg.MaxAmount > 0 && amount > d.cfg.MaxAmount {
		amount = d.cfg.MaxAmount
	}
	if amount <= 0 {
		return domain.ArbOpportunity{}, false
	}

	at := buy.At
	if sell.At.After(at) {
		at = sell.At
	}
	opp := domain.ArbOpportunity{
		ID:           uuid.New().String(),
		TradingPair:  pair,
		BuyExchange:  buy.Exchange,
		BuyPrice:     buy.Ask,
		SellExchange: sell.Exchange,
		SellPrice:    sell.Bid,
		GrossEdgeBps: grossBps,
		EstFeeBps:    feeBps,
		NetEdgeBps:   netBps,
		MaxAmount:    amount,
		DetectedAt:   at,
	}
	d.logger.Debug("cross-venue opportunity",
		slog.String("pair", string(pair)),
		slog.String("buy", buy.Exchange),
		slog.String("sell", sell.Exchange),
		slog.Float64("net_edge_bps", netBps),
		slog.Float64("amount", amount),
	)
	return opp, true
}
