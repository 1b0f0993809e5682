package order

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// orderJSON is the persisted snapshot of an in-flight order. Decimals
// serialize as strings, timestamps as Unix milliseconds.
type orderJSON struct {
	ClientOrderID   string              `json:"client_order_id"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	TradingPair     string              `json:"trading_pair"`
	OrderType       string              `json:"order_type"`
	TradeType       string              `json:"trade_type"`
	Price           decimal.Decimal     `json:"price"`
	Amount          decimal.Decimal     `json:"amount"`
	ExecutedBase    decimal.Decimal     `json:"executed_amount_base"`
	ExecutedQuote   decimal.Decimal     `json:"executed_amount_quote"`
	FeeAsset        string              `json:"fee_asset,omitempty"`
	FeePaid         decimal.Decimal     `json:"fee_paid"`
	LastState       string              `json:"last_state"`
	Leverage        int                 `json:"leverage,omitempty"`
	TradeFeePercent decimal.Decimal     `json:"trade_fee_percent,omitempty"`
	CreatedAtMs     int64               `json:"created_at_ms"`
	LastUpdatedMs   int64               `json:"last_updated_ms"`
	Fills           map[string]fillJSON `json:"order_fills"`
}

type fillJSON struct {
	TradeID         string          `json:"trade_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	FillTimestampMs int64           `json:"fill_timestamp_ms"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	FillBaseAmount  decimal.Decimal `json:"fill_base_amount"`
	FillQuoteAmount decimal.Decimal `json:"fill_quote_amount"`
	FeeAsset        string          `json:"fee_asset,omitempty"`
	FeePaid         decimal.Decimal `json:"fee_paid"`
}

// MarshalJSON snapshots the full order state, including the fill map, so a
// restarted process can resume tracking without losing dedup history.
func (o *InFlightOrder) MarshalJSON() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := orderJSON{
		ClientOrderID:   o.clientOrderID,
		ExchangeOrderID: o.exchangeOrderID,
		TradingPair:     string(o.tradingPair),
		OrderType:       string(o.orderType),
		TradeType:       string(o.tradeType),
		Price:           o.price,
		Amount:          o.amount,
		ExecutedBase:    o.executedBase,
		ExecutedQuote:   o.executedQuote,
		FeeAsset:        o.feeAsset,
		FeePaid:         o.cumFeePaid,
		LastState:       o.state.String(),
		Leverage:        o.leverage,
		TradeFeePercent: o.tradeFeePercent,
		CreatedAtMs:     o.createdAt.UnixMilli(),
		LastUpdatedMs:   o.lastUpdated.UnixMilli(),
		Fills:           make(map[string]fillJSON, len(o.fills)),
	}
	for id, f := range o.fills {
		snap.Fills[id] = fillJSON{
			TradeID:         f.TradeID,
			ExchangeOrderID: f.ExchangeOrderID,
			FillTimestampMs: f.FillTimestamp.UnixMilli(),
			FillPrice:       f.FillPrice,
			FillBaseAmount:  f.FillBaseAmount,
			FillQuoteAmount: f.FillQuoteAmount,
			FeeAsset:        f.FeeAsset,
			FeePaid:         f.FeePaid,
		}
	}
	return json.Marshal(snap)
}

// UnmarshalJSON restores an order persisted by MarshalJSON.
func (o *InFlightOrder) UnmarshalJSON(data []byte) error {
	var snap orderJSON
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("order: decoding snapshot: %w", err)
	}
	state, err := domain.ParseOrderState(snap.LastState)
	if err != nil {
		return fmt.Errorf("order: decoding snapshot: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.clientOrderID = snap.ClientOrderID
	o.exchangeOrderID = snap.ExchangeOrderID
	o.tradingPair = domain.TradingPair(snap.TradingPair)
	o.orderType = domain.OrderType(snap.OrderType)
	o.tradeType = domain.TradeType(snap.TradeType)
	o.price = snap.Price
	o.amount = snap.Amount
	o.executedBase = snap.ExecutedBase
	o.executedQuote = snap.ExecutedQuote
	o.feeAsset = snap.FeeAsset
	o.cumFeePaid = snap.FeePaid
	o.state = state
	o.leverage = snap.Leverage
	o.tradeFeePercent = snap.TradeFeePercent
	o.createdAt = time.UnixMilli(snap.CreatedAtMs).UTC()
	o.lastUpdated = time.UnixMilli(snap.LastUpdatedMs).UTC()

	o.fills = make(map[string]domain.TradeUpdate, len(snap.Fills))
	for id, f := range snap.Fills {
		o.fills[id] = domain.TradeUpdate{
			TradeID:         f.TradeID,
			ClientOrderID:   snap.ClientOrderID,
			ExchangeOrderID: f.ExchangeOrderID,
			TradingPair:     domain.TradingPair(snap.TradingPair),
			FillTimestamp:   time.UnixMilli(f.FillTimestampMs).UTC(),
			FillPrice:       f.FillPrice,
			FillBaseAmount:  f.FillBaseAmount,
			FillQuoteAmount: f.FillQuoteAmount,
			FeeAsset:        f.FeeAsset,
			FeePaid:         f.FeePaid,
		}
	}

	o.exchangeIDKnown = make(chan struct{})
	if o.exchangeOrderID != "" {
		close(o.exchangeIDKnown)
	}
	return nil
}

// Restore rebuilds an in-flight order from a persisted snapshot.
func Restore(data []byte) (*InFlightOrder, error) {
	o := &InFlightOrder{fills: make(map[string]domain.TradeUpdate)}
	if err := o.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return o, nil
}
