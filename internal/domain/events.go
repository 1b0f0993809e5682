package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind discriminates order lifecycle events on the bus.
type EventKind string

const (
	EventOrderCreated   EventKind = "order_created"
	EventOrderFilled    EventKind = "order_filled"
	EventOrderCompleted EventKind = "order_completed"
	EventOrderCancelled EventKind = "order_cancelled"
	EventOrderFailed    EventKind = "order_failed"
)

// OrderEvent is implemented by every order lifecycle event.
type OrderEvent interface {
	Kind() EventKind
	OrderID() string
	EventTime() time.Time
}

// OrderCreatedEvent fires when the venue acknowledges a new order.
type OrderCreatedEvent struct {
	Timestamp       time.Time
	Exchange        string
	TradingPair     TradingPair
	TradeType       TradeType
	OrderType       OrderType
	ClientOrderID   string
	ExchangeOrderID string
	Price           decimal.Decimal
	Amount          decimal.Decimal
}

func (e OrderCreatedEvent) Kind() EventKind      { return EventOrderCreated }
func (e OrderCreatedEvent) OrderID() string      { return e.ClientOrderID }
func (e OrderCreatedEvent) EventTime() time.Time { return e.Timestamp }

// OrderFilledEvent fires once per deduplicated fill.
type OrderFilledEvent struct {
	Timestamp     time.Time
	Exchange      string
	TradingPair   TradingPair
	TradeType     TradeType
	OrderType     OrderType
	ClientOrderID string
	TradeID       string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Fee           TradeFee
}

func (e OrderFilledEvent) Kind() EventKind      { return EventOrderFilled }
func (e OrderFilledEvent) OrderID() string      { return e.ClientOrderID }
func (e OrderFilledEvent) EventTime() time.Time { return e.Timestamp }

// OrderCompletedEvent fires when an order finishes by filling completely.
type OrderCompletedEvent struct {
	Timestamp       time.Time
	Exchange        string
	TradingPair     TradingPair
	TradeType       TradeType
	OrderType       OrderType
	ClientOrderID   string
	ExchangeOrderID string
	BaseAsset       string
	QuoteAsset      string
	BaseAmount      decimal.Decimal
	QuoteAmount     decimal.Decimal
	FeeAmount       decimal.Decimal
}

func (e OrderCompletedEvent) Kind() EventKind      { return EventOrderCompleted }
func (e OrderCompletedEvent) OrderID() string      { return e.ClientOrderID }
func (e OrderCompletedEvent) EventTime() time.Time { return e.Timestamp }

// OrderCancelledEvent fires when the venue confirms a cancellation.
type OrderCancelledEvent struct {
	Timestamp       time.Time
	Exchange        string
	TradingPair     TradingPair
	ClientOrderID   string
	ExchangeOrderID string
}

func (e OrderCancelledEvent) Kind() EventKind      { return EventOrderCancelled }
func (e OrderCancelledEvent) OrderID() string      { return e.ClientOrderID }
func (e OrderCancelledEvent) EventTime() time.Time { return e.Timestamp }

// OrderFailureEvent fires when an order is rejected or lost.
type OrderFailureEvent struct {
	Timestamp     time.Time
	Exchange      string
	TradingPair   TradingPair
	ClientOrderID string
	OrderType     OrderType
	Reason        string
}

func (e OrderFailureEvent) Kind() EventKind      { return EventOrderFailed }
func (e OrderFailureEvent) OrderID() string      { return e.ClientOrderID }
func (e OrderFailureEvent) EventTime() time.Time { return e.Timestamp }

// EventRecorder receives order lifecycle events from connectors. The
// in-process bus implements it; tests use a capturing stub.
type EventRecorder interface {
	Record(ev OrderEvent)
}
