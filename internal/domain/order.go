package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeType indicates whether an order buys or sells the base asset.
type TradeType string

const (
	TradeTypeBuy  TradeType = "BUY"
	TradeTypeSell TradeType = "SELL"
)

// Opposite returns the other side.
func (t TradeType) Opposite() TradeType {
	if t == TradeTypeBuy {
		return TradeTypeSell
	}
	return TradeTypeBuy
}

// OrderType is the execution style requested from the venue.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeLimitMaker OrderType = "LIMIT_MAKER" // post-only
	OrderTypeMarket     OrderType = "MARKET"
)

// OrderState tracks an order through its lifecycle. The numeric ordering is
// part of the contract: open states precede terminal states.
type OrderState int

const (
	OrderStatePendingCreate OrderState = iota
	OrderStateOpen
	OrderStatePartiallyFilled
	OrderStatePendingCancel
	OrderStateCancelled
	OrderStateFilled
	OrderStateFailed
)

var orderStateNames = map[OrderState]string{
	OrderStatePendingCreate:   "PENDING_CREATE",
	OrderStateOpen:            "OPEN",
	OrderStatePartiallyFilled: "PARTIALLY_FILLED",
	OrderStatePendingCancel:   "PENDING_CANCEL",
	OrderStateCancelled:       "CANCELLED",
	OrderStateFilled:          "FILLED",
	OrderStateFailed:          "FAILED",
}

// String returns the canonical state name used in logs and persistence.
func (s OrderState) String() string {
	if name, ok := orderStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// ParseOrderState resolves a persisted state name back to its value.
func ParseOrderState(name string) (OrderState, error) {
	for state, n := range orderStateNames {
		if n == name {
			return state, nil
		}
	}
	return OrderStateFailed, fmt.Errorf("unknown order state %q", name)
}

// IsOpen reports whether the order can still receive fills.
func (s OrderState) IsOpen() bool {
	return s == OrderStatePendingCreate || s == OrderStateOpen || s == OrderStatePartiallyFilled
}

// IsDone reports whether the order reached a terminal state.
func (s OrderState) IsDone() bool {
	return s == OrderStateFilled || s == OrderStateCancelled || s == OrderStateFailed
}

// IsFilled reports whether the order completed by filling.
func (s OrderState) IsFilled() bool { return s == OrderStateFilled }

// IsCancelled reports whether the order was cancelled.
func (s OrderState) IsCancelled() bool { return s == OrderStateCancelled }

// IsFailure reports whether the order failed.
func (s OrderState) IsFailure() bool { return s == OrderStateFailed }

// IsPendingCancelConfirmation reports whether a cancel was requested but the
// venue has not yet confirmed it.
func (s OrderState) IsPendingCancelConfirmation() bool {
	return s == OrderStatePendingCancel
}

// TokenAmount is an asset/amount pair, used for flat fees.
type TokenAmount struct {
	Token  string
	Amount decimal.Decimal
}

// TradeFee describes the cost of a fill: a percentage of the traded base
// amount, flat per-asset amounts, or both.
type TradeFee struct {
	Percent  decimal.Decimal
	FlatFees []TokenAmount
}

// FeeAmount returns the total flat fee plus percent applied to baseAmount.
func (f TradeFee) FeeAmount(baseAmount decimal.Decimal) decimal.Decimal {
	total := f.Percent.Mul(baseAmount)
	for _, flat := range f.FlatFees {
		total = total.Add(flat.Amount)
	}
	return total
}

// OrderUpdate is a venue-reported change to an order's lifecycle state,
// arriving over the user stream or from REST status polls. Either the client
// order id or the exchange order id must be present.
//
// Some venues report fills only through order status payloads; for those the
// executed amounts here are cumulative and the consumer derives the per-fill
// delta. Venues with a dedicated fill feed leave the fill fields zero.
type OrderUpdate struct {
	TradingPair     TradingPair
	UpdateTimestamp time.Time
	NewState        OrderState
	ClientOrderID   string
	ExchangeOrderID string

	// Optional cumulative fill data.
	TradeID             string
	FillPrice           decimal.Decimal
	ExecutedAmountBase  decimal.Decimal
	ExecutedAmountQuote decimal.Decimal
	FeeAsset            string
	CumulativeFeePaid   decimal.Decimal
}

// HasFillData reports whether the update carries cumulative fill fields.
func (u OrderUpdate) HasFillData() bool {
	return u.TradeID != "" && !u.ExecutedAmountBase.IsZero()
}

// TradeUpdate is a single venue-reported fill. Amounts are incremental:
// each update describes one execution, identified by TradeID. The same
// TradeID may be delivered more than once (WS plus REST reconciliation)
// and must never be double counted.
type TradeUpdate struct {
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     TradingPair
	FillTimestamp   time.Time
	FillPrice       decimal.Decimal
	FillBaseAmount  decimal.Decimal
	FillQuoteAmount decimal.Decimal
	FeeAsset        string
	FeePaid         decimal.Decimal
}

// Fee returns the flat fee for this fill.
func (u TradeUpdate) Fee() TradeFee {
	if u.FeePaid.IsZero() {
		return TradeFee{}
	}
	return TradeFee{FlatFees: []TokenAmount{{Token: u.FeeAsset, Amount: u.FeePaid}}}
}

// LimitOrder is a display snapshot of a resting order, used by status
// surfaces and strategies inspecting their own open orders.
type LimitOrder struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     TradingPair
	IsBuy           bool
	Price           decimal.Decimal
	Amount          decimal.Decimal
	FilledAmount    decimal.Decimal
	CreatedAt       time.Time
	Age             time.Duration
}
