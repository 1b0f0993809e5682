// Package order implements the in-flight order record: the local state
// machine for an order from submission until it fills, cancels, or fails.
// Fills are deduplicated by venue trade id so that the same execution
// reported over both the user stream and REST reconciliation is counted
// exactly once.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// Params configures a new in-flight order. ClientOrderID, TradingPair,
// OrderType, TradeType, and Amount are required; Price may be zero for
// market orders. ExchangeOrderID may be set up front on venues that assign
// it synchronously at submission.
type Params struct {
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     domain.TradingPair
	OrderType       domain.OrderType
	TradeType       domain.TradeType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	InitialState    domain.OrderState // zero value is PENDING_CREATE
	CreatedAt       time.Time
	Leverage        int
	TradeFeePercent decimal.Decimal // fallback fee when fills carry no flat fee
}

// InFlightOrder tracks one of our orders on one venue. All methods are safe
// for concurrent use; the user-stream listener and the REST reconciliation
// poller both mutate the same record.
type InFlightOrder struct {
	mu sync.Mutex

	clientOrderID   string
	exchangeOrderID string
	exchangeIDKnown chan struct{} // closed once exchangeOrderID is set

	tradingPair     domain.TradingPair
	orderType       domain.OrderType
	tradeType       domain.TradeType
	price           decimal.Decimal
	amount          decimal.Decimal
	createdAt       time.Time
	leverage        int
	tradeFeePercent decimal.Decimal

	state         domain.OrderState
	executedBase  decimal.Decimal
	executedQuote decimal.Decimal
	feeAsset      string
	cumFeePaid    decimal.Decimal

	lastFillPrice  decimal.Decimal
	lastFillAmount decimal.Decimal
	lastFeePaid    decimal.Decimal
	lastTradeID    string
	lastUpdated    time.Time

	// fills is the dedup set: venue trade id -> recorded fill.
	fills map[string]domain.TradeUpdate
}

// New creates an in-flight order in its initial state.
func New(p Params) *InFlightOrder {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	o := &InFlightOrder{
		clientOrderID:   p.ClientOrderID,
		exchangeOrderID: p.ExchangeOrderID,
		exchangeIDKnown: make(chan struct{}),
		tradingPair:     p.TradingPair,
		orderType:       p.OrderType,
		tradeType:       p.TradeType,
		price:           p.Price,
		amount:          p.Amount,
		createdAt:       p.CreatedAt,
		leverage:        p.Leverage,
		tradeFeePercent: p.TradeFeePercent,
		state:           p.InitialState,
		lastUpdated:     p.CreatedAt,
		fills:           make(map[string]domain.TradeUpdate),
	}
	if o.exchangeOrderID != "" {
		close(o.exchangeIDKnown)
	}
	return o
}

// ClientOrderID returns the id we assigned at submission.
func (o *InFlightOrder) ClientOrderID() string { return o.clientOrderID }

// TradingPair returns the order's market.
func (o *InFlightOrder) TradingPair() domain.TradingPair { return o.tradingPair }

// OrderType returns the execution style.
func (o *InFlightOrder) OrderType() domain.OrderType { return o.orderType }

// TradeType returns buy or sell.
func (o *InFlightOrder) TradeType() domain.TradeType { return o.tradeType }

// Price returns the submitted limit price.
func (o *InFlightOrder) Price() decimal.Decimal { return o.price }

// Amount returns the submitted base amount.
func (o *InFlightOrder) Amount() decimal.Decimal { return o.amount }

// CreatedAt returns the submission time.
func (o *InFlightOrder) CreatedAt() time.Time { return o.createdAt }

// Leverage returns the configured leverage (0 or 1 for spot).
func (o *InFlightOrder) Leverage() int { return o.leverage }

// TradeFeePercent returns the percent-fee fallback, zero when the venue
// reports flat fees.
func (o *InFlightOrder) TradeFeePercent() decimal.Decimal { return o.tradeFeePercent }

// State returns the current lifecycle state.
func (o *InFlightOrder) State() domain.OrderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsOpen reports whether the order can still receive fills.
func (o *InFlightOrder) IsOpen() bool { return o.State().IsOpen() }

// IsDone reports whether the order reached a terminal state.
func (o *InFlightOrder) IsDone() bool { return o.State().IsDone() }

// IsFilled reports whether the order completed by filling.
func (o *InFlightOrder) IsFilled() bool { return o.State().IsFilled() }

// IsCancelled reports whether the order was cancelled.
func (o *InFlightOrder) IsCancelled() bool { return o.State().IsCancelled() }

// IsFailure reports whether the order failed.
func (o *InFlightOrder) IsFailure() bool { return o.State().IsFailure() }

// IsPendingCancelConfirmation reports whether a cancel awaits venue
// confirmation.
func (o *InFlightOrder) IsPendingCancelConfirmation() bool {
	return o.State().IsPendingCancelConfirmation()
}

// ExecutedAmountBase returns the cumulative filled base amount.
func (o *InFlightOrder) ExecutedAmountBase() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executedBase
}

// ExecutedAmountQuote returns the cumulative filled quote amount.
func (o *InFlightOrder) ExecutedAmountQuote() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executedQuote
}

// CumulativeFeePaid returns the total fee charged across fills.
func (o *InFlightOrder) CumulativeFeePaid() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cumFeePaid
}

// FeeAsset returns the asset fees were charged in, when known.
func (o *InFlightOrder) FeeAsset() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.feeAsset
}

// LastUpdated returns the timestamp of the most recent applied update.
func (o *InFlightOrder) LastUpdated() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUpdated
}

// FillCount returns the number of distinct fills recorded.
func (o *InFlightOrder) FillCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.fills)
}

// HasFill reports whether the given venue trade id was already recorded.
func (o *InFlightOrder) HasFill(tradeID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.fills[tradeID]
	return ok
}

// Fills returns a copy of the recorded fills keyed by trade id.
func (o *InFlightOrder) Fills() map[string]domain.TradeUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]domain.TradeUpdate, len(o.fills))
	for id, f := range o.fills {
		out[id] = f
	}
	return out
}

// LastFill returns the most recently recorded fill, if any.
func (o *InFlightOrder) LastFill() (domain.TradeUpdate, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastTradeID == "" {
		return domain.TradeUpdate{}, false
	}
	f, ok := o.fills[o.lastTradeID]
	return f, ok
}

// AverageExecutedPrice returns the fill-weighted average price:
// sum(price*base)/sum(base) over recorded fills. ok is false when the
// order has no fills yet.
func (o *InFlightOrder) AverageExecutedPrice() (decimal.Decimal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.fills) == 0 {
		return decimal.Zero, false
	}
	totalQuote := decimal.Zero
	totalBase := decimal.Zero
	for _, f := range o.fills {
		totalQuote = totalQuote.Add(f.FillPrice.Mul(f.FillBaseAmount))
		totalBase = totalBase.Add(f.FillBaseAmount)
	}
	if totalBase.IsZero() {
		return decimal.Zero, false
	}
	return totalQuote.Div(totalBase), true
}

// ExchangeOrderID returns the venue-assigned id without blocking.
func (o *InFlightOrder) ExchangeOrderID() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exchangeOrderID, o.exchangeOrderID != ""
}

// WaitExchangeOrderID blocks until the venue-assigned order id is known or
// the context expires. Cancel paths call this because most venues cancel by
// their own id, which is only learned from the first acknowledgement.
func (o *InFlightOrder) WaitExchangeOrderID(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.exchangeOrderID != "" {
		id := o.exchangeOrderID
		o.mu.Unlock()
		return id, nil
	}
	ch := o.exchangeIDKnown
	o.mu.Unlock()

	select {
	case <-ch:
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.exchangeOrderID, nil
	case <-ctx.Done():
		return "", fmt.Errorf("order %s: waiting for exchange order id: %w", o.clientOrderID, ctx.Err())
	}
}

// setExchangeOrderIDLocked records the venue id and wakes waiters.
// Caller holds o.mu.
func (o *InFlightOrder) setExchangeOrderIDLocked(id string) {
	if id == "" || o.exchangeOrderID != "" {
		return
	}
	o.exchangeOrderID = id
	close(o.exchangeIDKnown)
}

// ApplyOrderUpdate applies a venue-reported lifecycle change. It returns
// false, with no state modified, when the update does not belong to this
// order (neither id matches) or when the order is already terminal.
//
// When the update carries cumulative fill data with an unseen trade id, the
// delta against the current executed amounts is recorded as a fill; the
// update's new state governs the resulting lifecycle state either way.
func (o *InFlightOrder) ApplyOrderUpdate(u domain.OrderUpdate) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	matches := (u.ClientOrderID != "" && u.ClientOrderID == o.clientOrderID) ||
		(u.ExchangeOrderID != "" && u.ExchangeOrderID == o.exchangeOrderID)
	if !matches {
		return false
	}
	if o.state.IsDone() {
		return false
	}

	o.setExchangeOrderIDLocked(u.ExchangeOrderID)

	if u.HasFillData() {
		if _, seen := o.fills[u.TradeID]; !seen {
			deltaBase := u.ExecutedAmountBase.Sub(o.executedBase)
			deltaQuote := u.ExecutedAmountQuote.Sub(o.executedQuote)
			deltaFee := u.CumulativeFeePaid.Sub(o.cumFeePaid)
			if deltaBase.IsPositive() {
				fill := domain.TradeUpdate{
					TradeID:         u.TradeID,
					ClientOrderID:   o.clientOrderID,
					ExchangeOrderID: o.exchangeOrderID,
					TradingPair:     o.tradingPair,
					FillTimestamp:   u.UpdateTimestamp,
					FillPrice:       u.FillPrice,
					FillBaseAmount:  deltaBase,
					FillQuoteAmount: deltaQuote,
					FeeAsset:        u.FeeAsset,
					FeePaid:         deltaFee,
				}
				o.recordFillLocked(fill, deltaFee)
			}
		}
	}

	o.state = u.NewState
	if !u.UpdateTimestamp.IsZero() {
		o.lastUpdated = u.UpdateTimestamp
	}
	return true
}

// ApplyTradeUpdate applies a single venue-reported fill. It returns false,
// with nothing modified, when the trade id was already recorded or the fill
// belongs to a different order. Fill amounts are incremental.
//
// The effective fee is the fill's flat fee when present, otherwise the
// order's trade-fee-percent applied to the fill's base amount. A fill
// arriving after a terminal state is still recorded (late REST delivery of
// a pre-cancel execution) but cannot reopen the order.
func (o *InFlightOrder) ApplyTradeUpdate(u domain.TradeUpdate) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if u.ClientOrderID != o.clientOrderID {
		return false
	}
	if _, seen := o.fills[u.TradeID]; seen {
		return false
	}

	o.setExchangeOrderIDLocked(u.ExchangeOrderID)

	fee := u.FeePaid
	if fee.IsZero() && !o.tradeFeePercent.IsZero() {
		fee = o.tradeFeePercent.Mul(u.FillBaseAmount)
	}
	o.recordFillLocked(u, fee)

	if !u.FillTimestamp.IsZero() {
		o.lastUpdated = u.FillTimestamp
	}
	if !o.state.IsDone() {
		if o.executedBase.GreaterThanOrEqual(o.amount) {
			o.state = domain.OrderStateFilled
		} else {
			o.state = domain.OrderStatePartiallyFilled
		}
	}
	return true
}

// recordFillLocked accumulates a fill into the executed totals.
// Caller holds o.mu and has already checked the dedup set.
func (o *InFlightOrder) recordFillLocked(u domain.TradeUpdate, fee decimal.Decimal) {
	o.fills[u.TradeID] = u
	o.lastTradeID = u.TradeID
	o.executedBase = o.executedBase.Add(u.FillBaseAmount)
	o.executedQuote = o.executedQuote.Add(u.FillQuoteAmount)
	o.cumFeePaid = o.cumFeePaid.Add(fee)
	if u.FeeAsset != "" {
		o.feeAsset = u.FeeAsset
	}
	o.lastFillPrice = u.FillPrice
	o.lastFillAmount = u.FillBaseAmount
	o.lastFeePaid = fee
}

// MarkFailed forces the order into FAILED. Used when the venue repeatedly
// reports the order as unknown or the submission itself errored.
func (o *InFlightOrder) MarkFailed(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsDone() {
		return
	}
	o.state = domain.OrderStateFailed
	if !at.IsZero() {
		o.lastUpdated = at
	}
}

// MarkPendingCancel moves an open order into PENDING_CANCEL after a cancel
// request was submitted.
func (o *InFlightOrder) MarkPendingCancel(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsDone() {
		return
	}
	o.state = domain.OrderStatePendingCancel
	if !at.IsZero() {
		o.lastUpdated = at
	}
}

// ToLimitOrder renders the order for status surfaces.
func (o *InFlightOrder) ToLimitOrder() domain.LimitOrder {
	o.mu.Lock()
	defer o.mu.Unlock()
	return domain.LimitOrder{
		ClientOrderID:   o.clientOrderID,
		ExchangeOrderID: o.exchangeOrderID,
		TradingPair:     o.tradingPair,
		IsBuy:           o.tradeType == domain.TradeTypeBuy,
		Price:           o.price,
		Amount:          o.amount,
		FilledAmount:    o.executedBase,
		CreatedAt:       o.createdAt,
		Age:             time.Since(o.createdAt),
	}
}
