// Package kucoin implements the REST and WebSocket clients for the KuCoin
// spot API.
package kucoin

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// successCode is the code KuCoin sets on successful responses.
const successCode = "200000"

// IntervalName converts a candle interval to KuCoin notation
// ("1min", "5min", "1hour").
func IntervalName(interval domain.CandleInterval) string {
	d := interval.Duration()
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "hour"
	default:
		return strconv.Itoa(int(d/time.Minute)) + "min"
	}
}

// ParseIntervalName converts KuCoin notation back to a candle interval.
func ParseIntervalName(name string) (domain.CandleInterval, bool) {
	unit := time.Minute
	num := name
	switch {
	case strings.HasSuffix(name, "hour"):
		unit = time.Hour
		num = strings.TrimSuffix(name, "hour")
	case strings.HasSuffix(name, "min"):
		num = strings.TrimSuffix(name, "min")
	default:
		return 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil || n <= 0 {
		return 0, false
	}
	return domain.CandleInterval(time.Duration(n) * unit), true
}

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// APIEnvelope is the outer wrapper of every KuCoin REST response.
type APIEnvelope struct {
	Code string `json:"code"`
	Msg  string `json:"msg,omitempty"`
}

// APISymbol is one entry of GET /api/v2/symbols. KuCoin symbols already
// use the BASE-QUOTE form, so no separate pair mapping is needed.
type APISymbol struct {
	Symbol         string `json:"symbol"`
	BaseCurrency   string `json:"baseCurrency"`
	QuoteCurrency  string `json:"quoteCurrency"`
	BaseMinSize    string `json:"baseMinSize"`
	BaseMaxSize    string `json:"baseMaxSize"`
	BaseIncrement  string `json:"baseIncrement"`
	PriceIncrement string `json:"priceIncrement"`
	MinFunds       string `json:"minFunds"`
	EnableTrading  bool   `json:"enableTrading"`
}

// Pair returns the symbol as a trading pair.
func (s *APISymbol) Pair() domain.TradingPair {
	return domain.TradingPair(s.Symbol)
}

// ToTradingRule converts the symbol's limits to a domain.TradingRule.
func (s *APISymbol) ToTradingRule() domain.TradingRule {
	return domain.TradingRule{
		TradingPair:   s.Pair(),
		MinOrderSize:  parseDecimal(s.BaseMinSize),
		MaxOrderSize:  parseDecimal(s.BaseMaxSize),
		StepSize:      parseDecimal(s.BaseIncrement),
		TickSize:      parseDecimal(s.PriceIncrement),
		MinNotional:   parseDecimal(s.MinFunds),
		SupportsMaker: true,
	}
}

// APIOrderBook is the data of GET /api/v1/market/orderbook/level2_100.
// Bids are sorted best-first, asks likewise.
type APIOrderBook struct {
	Sequence string      `json:"sequence"`
	Time     int64       `json:"time"`
	Bids     [][2]string `json:"bids"`
	Asks     [][2]string `json:"asks"`
}

// ToDomainSnapshot converts an order book response.
func (b *APIOrderBook) ToDomainSnapshot(pair domain.TradingPair) domain.OrderBookSnapshot {
	seq, _ := strconv.ParseInt(b.Sequence, 10, 64)
	snap := domain.OrderBookSnapshot{
		Exchange:    domain.ExchangeKucoin,
		TradingPair: pair,
		SeqNum:      seq,
		Timestamp:   time.UnixMilli(b.Time),
	}
	snap.Bids = levelsFromPairs(b.Bids)
	snap.Asks = levelsFromPairs(b.Asks)
	if len(snap.Bids) > 0 {
		snap.BestBid = snap.Bids[0].Price
	}
	if len(snap.Asks) > 0 {
		snap.BestAsk = snap.Asks[0].Price
	}
	if snap.BestBid > 0 && snap.BestAsk > 0 {
		snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
	}
	return snap
}

// APIOrderAck is the data of POST /api/v1/orders.
type APIOrderAck struct {
	OrderID string `json:"orderId"`
}

// APIOrder is the data of GET /api/v1/order/client-order/{clientOid}.
type APIOrder struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	DealFunds   string `json:"dealFunds"` // cumulative quote filled
	DealSize    string `json:"dealSize"`  // cumulative base filled
	Fee         string `json:"fee"`
	FeeCurrency string `json:"feeCurrency"`
	IsActive    bool   `json:"isActive"`
	CancelExist bool   `json:"cancelExist"`
	ClientOid   string `json:"clientOid"`
	CreatedAt   int64  `json:"createdAt"`
}

// State derives the order state KuCoin does not report directly: active
// orders are open or partially filled by deal size; finished orders are
// cancelled when a cancellation exists, filled otherwise.
func (o *APIOrder) State() domain.OrderState {
	dealSize := parseDecimal(o.DealSize)
	if o.IsActive {
		if dealSize.IsPositive() {
			return domain.OrderStatePartiallyFilled
		}
		return domain.OrderStateOpen
	}
	if o.CancelExist {
		return domain.OrderStateCancelled
	}
	return domain.OrderStateFilled
}

// ToOrderUpdate converts a polled order to a domain.OrderUpdate with
// cumulative fill data attached.
func (o *APIOrder) ToOrderUpdate(at time.Time) domain.OrderUpdate {
	return domain.OrderUpdate{
		TradingPair:         domain.TradingPair(o.Symbol),
		UpdateTimestamp:     at,
		NewState:            o.State(),
		ClientOrderID:       o.ClientOid,
		ExchangeOrderID:     o.ID,
		ExecutedAmountBase:  parseDecimal(o.DealSize),
		ExecutedAmountQuote: parseDecimal(o.DealFunds),
		FeeAsset:            o.FeeCurrency,
		CumulativeFeePaid:   parseDecimal(o.Fee),
	}
}

// APIFill is one entry of GET /api/v1/fills.
type APIFill struct {
	Symbol      string `json:"symbol"`
	TradeID     string `json:"tradeId"`
	OrderID     string `json:"orderId"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Funds       string `json:"funds"`
	Fee         string `json:"fee"`
	FeeCurrency string `json:"feeCurrency"`
	CreatedAt   int64  `json:"createdAt"`
}

// ToTradeUpdate converts a fill. The client order id is resolved by the
// caller from the exchange order id.
func (f *APIFill) ToTradeUpdate(clientOrderID string) domain.TradeUpdate {
	return domain.TradeUpdate{
		TradeID:         f.TradeID,
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: f.OrderID,
		TradingPair:     domain.TradingPair(f.Symbol),
		FillTimestamp:   time.UnixMilli(f.CreatedAt),
		FillPrice:       parseDecimal(f.Price),
		FillBaseAmount:  parseDecimal(f.Size),
		FillQuoteAmount: parseDecimal(f.Funds),
		FeeAsset:        f.FeeCurrency,
		FeePaid:         parseDecimal(f.Fee),
	}
}

// APIAccount is one entry of GET /api/v1/accounts.
type APIAccount struct {
	Currency  string `json:"currency"`
	Type      string `json:"type"` // "main", "trade", "margin"
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Holds     string `json:"holds"`
}

// ToDomainBalance converts a trade account entry.
func (a *APIAccount) ToDomainBalance(at time.Time) domain.Balance {
	return domain.Balance{
		Exchange:  domain.ExchangeKucoin,
		Asset:     a.Currency,
		Total:     parseDecimal(a.Balance),
		Available: parseDecimal(a.Available),
		UpdatedAt: at,
	}
}

// APIBulletToken is the data of POST /api/v1/bullet-public or
// bullet-private: the WebSocket token and connect endpoints.
type APIBulletToken struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		PingInterval int64  `json:"pingInterval"` // milliseconds
		PingTimeout  int64  `json:"pingTimeout"`
	} `json:"instanceServers"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSMessage is the outer frame of every KuCoin WebSocket message.
type WSMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"` // "welcome", "ack", "pong", "message", "error"
	Topic   string          `json:"topic,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WSTicker is the data of /market/ticker:<symbol>.
type WSTicker struct {
	Sequence    string `json:"sequence"`
	BestBid     string `json:"bestBid"`
	BestBidSize string `json:"bestBidSize"`
	BestAsk     string `json:"bestAsk"`
	BestAskSize string `json:"bestAskSize"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Time        int64  `json:"time"`
}

// ToDomainTop converts a ticker to a top-of-book snapshot.
func (t *WSTicker) ToDomainTop(pair domain.TradingPair) domain.TopOfBook {
	seq, _ := strconv.ParseInt(t.Sequence, 10, 64)
	top := domain.TopOfBook{
		Exchange:    domain.ExchangeKucoin,
		TradingPair: pair,
		SeqNum:      seq,
		Timestamp:   time.UnixMilli(t.Time),
	}
	top.BidPrice, _ = strconv.ParseFloat(t.BestBid, 64)
	top.BidSize, _ = strconv.ParseFloat(t.BestBidSize, 64)
	top.AskPrice, _ = strconv.ParseFloat(t.BestAsk, 64)
	top.AskSize, _ = strconv.ParseFloat(t.BestAskSize, 64)
	return top
}

// WSLevel2Update is the data of /market/level2:<symbol>. Change entries
// are ["price", "size", "sequence"]; size 0 removes the level.
type WSLevel2Update struct {
	SequenceStart int64  `json:"sequenceStart"`
	SequenceEnd   int64  `json:"sequenceEnd"`
	Symbol        string `json:"symbol"`
	Changes       struct {
		Asks [][3]string `json:"asks"`
		Bids [][3]string `json:"bids"`
	} `json:"changes"`
}

// ToDomainDiff converts a level2 update to an orderbook diff.
func (l *WSLevel2Update) ToDomainDiff(at time.Time) domain.OrderBookDiff {
	return domain.OrderBookDiff{
		Exchange:      domain.ExchangeKucoin,
		TradingPair:   domain.TradingPair(l.Symbol),
		FirstUpdateID: l.SequenceStart,
		FinalUpdateID: l.SequenceEnd,
		Bids:          levelsFromTriples(l.Changes.Bids),
		Asks:          levelsFromTriples(l.Changes.Asks),
		Timestamp:     at,
	}
}

// WSMatch is the data of /market/match:<symbol>: one public trade.
type WSMatch struct {
	Symbol  string `json:"symbol"`
	TradeID string `json:"tradeId"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // taker side
	Time    string `json:"time"` // nanoseconds since epoch
}

// ToDomainTrade converts a match event. KuCoin reports the taker side, so
// a "sell" taker means the buyer was the maker.
func (m *WSMatch) ToDomainTrade() domain.PublicTrade {
	price, _ := strconv.ParseFloat(m.Price, 64)
	size, _ := strconv.ParseFloat(m.Size, 64)
	ns, _ := strconv.ParseInt(m.Time, 10, 64)
	return domain.PublicTrade{
		Exchange:     domain.ExchangeKucoin,
		TradingPair:  domain.TradingPair(m.Symbol),
		TradeID:      m.TradeID,
		Price:        price,
		Amount:       size,
		IsBuyerMaker: m.Side == "sell",
		Timestamp:    time.Unix(0, ns),
	}
}

// WSCandles is the data of /market/candles:<symbol>_<interval>. The
// candles array is [time, open, close, high, low, volume, turnover].
type WSCandles struct {
	Symbol  string    `json:"symbol"`
	Candles [7]string `json:"candles"`
	Time    int64     `json:"time"` // nanoseconds
}

// ToDomainCandle converts a candle event. closed marks whether this is the
// final update for the bucket (subject "trade.candles.add").
func (c *WSCandles) ToDomainCandle(interval domain.CandleInterval, closed bool) domain.Candle {
	openTime, _ := strconv.ParseInt(c.Candles[0], 10, 64)
	candle := domain.Candle{
		Exchange:    domain.ExchangeKucoin,
		TradingPair: domain.TradingPair(c.Symbol),
		Interval:    interval,
		OpenTime:    time.Unix(openTime, 0),
		Closed:      closed,
	}
	candle.Open, _ = strconv.ParseFloat(c.Candles[1], 64)
	candle.Close, _ = strconv.ParseFloat(c.Candles[2], 64)
	candle.High, _ = strconv.ParseFloat(c.Candles[3], 64)
	candle.Low, _ = strconv.ParseFloat(c.Candles[4], 64)
	candle.Volume, _ = strconv.ParseFloat(c.Candles[5], 64)
	candle.QuoteVolume, _ = strconv.ParseFloat(c.Candles[6], 64)
	return candle
}

// WSOrderChange is the data of /spotMarket/tradeOrdersV2: a private order
// lifecycle event.
type WSOrderChange struct {
	Symbol     string `json:"symbol"`
	OrderType  string `json:"orderType"`
	Side       string `json:"side"`
	OrderID    string `json:"orderId"`
	Type       string `json:"type"`      // "open", "match", "filled", "canceled", "update"
	OrderTime  int64  `json:"orderTime"` // nanoseconds
	Size       string `json:"size"`
	FilledSize string `json:"filledSize"`
	Price      string `json:"price"`
	ClientOid  string `json:"clientOid"`
	RemainSize string `json:"remainSize"`
	Status     string `json:"status"` // "open", "match", "done"
	MatchPrice string `json:"matchPrice"`
	MatchSize  string `json:"matchSize"`
	TradeID    string `json:"tradeId"`
	Ts         int64  `json:"ts"` // nanoseconds
}

// ToOrderUpdate converts an order change to a domain.OrderUpdate. Returns
// false for event types that carry no state transition.
func (w *WSOrderChange) ToOrderUpdate() (domain.OrderUpdate, bool) {
	var state domain.OrderState
	switch w.Type {
	case "open":
		state = domain.OrderStateOpen
	case "match":
		state = domain.OrderStatePartiallyFilled
	case "filled":
		state = domain.OrderStateFilled
	case "canceled":
		state = domain.OrderStateCancelled
	default:
		return domain.OrderUpdate{}, false
	}
	return domain.OrderUpdate{
		TradingPair:     domain.TradingPair(w.Symbol),
		UpdateTimestamp: time.Unix(0, w.Ts),
		NewState:        state,
		ClientOrderID:   w.ClientOid,
		ExchangeOrderID: w.OrderID,
	}, true
}

// ToTradeUpdate converts a match or fill event's trade leg. Returns false
// when the event carries no trade.
func (w *WSOrderChange) ToTradeUpdate() (domain.TradeUpdate, bool) {
	if w.TradeID == "" {
		return domain.TradeUpdate{}, false
	}
	price := parseDecimal(w.MatchPrice)
	size := parseDecimal(w.MatchSize)
	return domain.TradeUpdate{
		TradeID:         w.TradeID,
		ClientOrderID:   w.ClientOid,
		ExchangeOrderID: w.OrderID,
		TradingPair:     domain.TradingPair(w.Symbol),
		FillTimestamp:   time.Unix(0, w.Ts),
		FillPrice:       price,
		FillBaseAmount:  size,
		FillQuoteAmount: price.Mul(size),
	}, true
}

// WSBalanceChange is the data of /account/balance.
type WSBalanceChange struct {
	Currency  string `json:"currency"`
	Total     string `json:"total"`
	Available string `json:"available"`
	Hold      string `json:"hold"`
	Time      string `json:"time"` // milliseconds as string
}

// ToDomainBalance converts a balance change event.
func (b *WSBalanceChange) ToDomainBalance() domain.Balance {
	ms, _ := strconv.ParseInt(b.Time, 10, 64)
	return domain.Balance{
		Exchange:  domain.ExchangeKucoin,
		Asset:     b.Currency,
		Total:     parseDecimal(b.Total),
		Available: parseDecimal(b.Available),
		UpdatedAt: time.UnixMilli(ms),
	}
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

// parseDecimal parses a decimal string, returning zero on malformed input.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// levelsFromPairs converts [["price","size"],...] arrays to book levels.
func levelsFromPairs(pairs [][2]string) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(pairs))
	for _, pq := range pairs {
		price, err := strconv.ParseFloat(pq[0], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(pq[1], 64)
		if err != nil {
			continue
		}
		out = append(out, domain.BookLevel{Price: price, Size: size})
	}
	return out
}

// levelsFromTriples converts [["price","size","sequence"],...] arrays.
func levelsFromTriples(triples [][3]string) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(triples))
	for _, pqs := range triples {
		price, err := strconv.ParseFloat(pqs[0], 64)
		if err != nil || price == 0 {
			continue
		}
		size, err := strconv.ParseFloat(pqs[1], 64)
		if err != nil {
			continue
		}
		out = append(out, domain.BookLevel{Price: price, Size: size})
	}
	return out
}
