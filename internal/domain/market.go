package domain

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Exchange identifiers used throughout the bot. Connector names, cache key
// prefixes, and store columns all use these values.
const (
	ExchangeBinance = "binance"
	ExchangeKucoin  = "kucoin"
	ExchangeGateway = "gateway"
	ExchangePaper   = "paper"
)

// TradingPair is a market symbol in BASE-QUOTE form, e.g. "BTC-USDT".
// Per-exchange symbol formats (BTCUSDT, BTC-USDT, ...) are handled by the
// platform clients; everything above them speaks this canonical form.
type TradingPair string

// Base returns the base asset of the pair ("BTC" for "BTC-USDT").
func (p TradingPair) Base() string {
	if i := strings.IndexByte(string(p), '-'); i > 0 {
		return string(p)[:i]
	}
	return ""
}

// Quote returns the quote asset of the pair ("USDT" for "BTC-USDT").
func (p TradingPair) Quote() string {
	if i := strings.IndexByte(string(p), '-'); i >= 0 && i+1 < len(p) {
		return string(p)[i+1:]
	}
	return ""
}

// Valid reports whether the pair has both a base and a quote component.
func (p TradingPair) Valid() bool {
	return p.Base() != "" && p.Quote() != ""
}

// TradingRule carries the exchange-imposed constraints for a pair. Order
// prices and amounts must be quantized to these before submission.
type TradingRule struct {
	TradingPair   TradingPair
	MinOrderSize  decimal.Decimal // smallest base amount accepted
	MaxOrderSize  decimal.Decimal // zero means no cap
	TickSize      decimal.Decimal // price increment
	StepSize      decimal.Decimal // base amount increment
	MinNotional   decimal.Decimal // smallest price*amount accepted
	SupportsMaker bool            // venue accepts post-only orders
}

// QuantizePrice floors price to the rule's tick size.
func (r TradingRule) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	if r.TickSize.IsZero() {
		return price
	}
	return price.Div(r.TickSize).Floor().Mul(r.TickSize)
}

// QuantizeAmount floors amount to the rule's step size.
func (r TradingRule) QuantizeAmount(amount decimal.Decimal) decimal.Decimal {
	if r.StepSize.IsZero() {
		return amount
	}
	return amount.Div(r.StepSize).Floor().Mul(r.StepSize)
}

// MeetsMinimums reports whether a quantized order passes the rule's
// minimum size and notional checks.
func (r TradingRule) MeetsMinimums(price, amount decimal.Decimal) bool {
	if amount.LessThan(r.MinOrderSize) {
		return false
	}
	if !r.MinNotional.IsZero() && price.Mul(amount).LessThan(r.MinNotional) {
		return false
	}
	return true
}

// RateOracle resolves conversion rates between assets, used when fees or
// PnL must be expressed in a currency the trade pair does not quote in.
type RateOracle interface {
	// Rate returns how many units of quote one unit of base is worth.
	Rate(ctx context.Context, base, quote string) (float64, error)
}
