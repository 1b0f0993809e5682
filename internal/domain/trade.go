package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is a persisted record of one execution of one of our own orders.
// TradeID is the venue's identifier and is unique per exchange; the fill
// store enforces that as the last line of dedup defense.
type Fill struct {
	ID              int64
	Exchange        string
	TradeID         string
	ClientOrderID   string
	ExchangeOrderID string
	TradingPair     TradingPair
	TradeType       TradeType
	OrderType       OrderType
	Price           decimal.Decimal
	Amount          decimal.Decimal
	QuoteAmount     decimal.Decimal
	FeeAsset        string
	FeeAmount       decimal.Decimal
	Strategy        string
	Timestamp       time.Time
}

// PublicTrade is a market trade observed on a venue's public feed. It is
// market data, not one of our executions; candles and strategies consume it.
type PublicTrade struct {
	Exchange     string
	TradingPair  TradingPair
	TradeID      string
	Price        float64
	Amount       float64
	IsBuyerMaker bool
	Timestamp    time.Time
}
