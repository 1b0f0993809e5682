// Package binance implements the REST and WebSocket clients for the
// Binance spot API.
package binance

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// SymbolFromPair converts a trading pair like "BTC-USDT" to the Binance
// symbol "BTCUSDT".
func SymbolFromPair(pair domain.TradingPair) string {
	return strings.ToUpper(strings.ReplaceAll(string(pair), "-", ""))
}

// orderStateFromStatus maps a Binance order status to the tracker's order
// state. EXPIRED orders behave like cancellations.
func orderStateFromStatus(status string) (domain.OrderState, bool) {
	switch status {
	case "NEW":
		return domain.OrderStateOpen, true
	case "PARTIALLY_FILLED":
		return domain.OrderStatePartiallyFilled, true
	case "FILLED":
		return domain.OrderStateFilled, true
	case "PENDING_CANCEL":
		return domain.OrderStatePendingCancel, true
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStateCancelled, true
	case "REJECTED":
		return domain.OrderStateFailed, true
	default:
		return 0, false
	}
}

// --------------------------------------------------------------------------
// REST DTOs
// --------------------------------------------------------------------------

// APIError is the error envelope Binance returns on non-2xx responses.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIExchangeInfo is the response of GET /api/v3/exchangeInfo.
type APIExchangeInfo struct {
	Timezone   string      `json:"timezone"`
	ServerTime int64       `json:"serverTime"`
	Symbols    []APISymbol `json:"symbols"`
}

// APISymbol describes one listed symbol with its trading filters.
type APISymbol struct {
	Symbol     string      `json:"symbol"`
	Status     string      `json:"status"` // "TRADING" when live
	BaseAsset  string      `json:"baseAsset"`
	QuoteAsset string      `json:"quoteAsset"`
	Filters    []APIFilter `json:"filters"`
}

// APIFilter is a single symbol filter. Only the fields for the filter
// types we use are populated.
type APIFilter struct {
	FilterType  string `json:"filterType"`
	MinPrice    string `json:"minPrice,omitempty"`
	MaxPrice    string `json:"maxPrice,omitempty"`
	TickSize    string `json:"tickSize,omitempty"`
	MinQty      string `json:"minQty,omitempty"`
	MaxQty      string `json:"maxQty,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// Pair returns the trading pair for the symbol, e.g. "BTC-USDT".
func (s *APISymbol) Pair() domain.TradingPair {
	return domain.TradingPair(s.BaseAsset + "-" + s.QuoteAsset)
}

// Tradable reports whether the symbol currently accepts orders.
func (s *APISymbol) Tradable() bool {
	return s.Status == "TRADING"
}

// ToTradingRule converts the symbol's filters to a domain.TradingRule.
func (s *APISymbol) ToTradingRule() domain.TradingRule {
	rule := domain.TradingRule{
		TradingPair:   s.Pair(),
		SupportsMaker: true,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			rule.TickSize = parseDecimal(f.TickSize)
		case "LOT_SIZE":
			rule.StepSize = parseDecimal(f.StepSize)
			rule.MinOrderSize = parseDecimal(f.MinQty)
			rule.MaxOrderSize = parseDecimal(f.MaxQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			rule.MinNotional = parseDecimal(f.MinNotional)
		}
	}
	return rule
}

// APIOrderAck is the response of POST /api/v3/order (full response type).
type APIOrderAck struct {
	Symbol              string         `json:"symbol"`
	OrderID             int64          `json:"orderId"`
	ClientOrderID       string         `json:"clientOrderId"`
	TransactTime        int64          `json:"transactTime"`
	Price               string         `json:"price"`
	OrigQty             string         `json:"origQty"`
	ExecutedQty         string         `json:"executedQty"`
	CummulativeQuoteQty string         `json:"cummulativeQuoteQty"`
	Status              string         `json:"status"`
	Fills               []APIOrderFill `json:"fills,omitempty"`
}

// ToOrderUpdate converts a placement acknowledgement to a
// domain.OrderUpdate. Immediate fills arrive separately through
// executionReport events, so only the state transition is mapped here.
func (a *APIOrderAck) ToOrderUpdate(pair domain.TradingPair) (domain.OrderUpdate, bool) {
	state, ok := orderStateFromStatus(a.Status)
	if !ok {
		return domain.OrderUpdate{}, false
	}
	return domain.OrderUpdate{
		TradingPair:     pair,
		UpdateTimestamp: time.UnixMilli(a.TransactTime),
		NewState:        state,
		ClientOrderID:   a.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(a.OrderID, 10),
	}, true
}

// APIOrderFill is an immediate fill reported inside an order ack.
type APIOrderFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	TradeID         int64  `json:"tradeId"`
}

// ToTradeUpdates converts the immediate fills of a placement ack. The same
// trade ids are redelivered as executionReport events; fill dedup by trade
// id makes processing both harmless.
func (a *APIOrderAck) ToTradeUpdates(pair domain.TradingPair) []domain.TradeUpdate {
	if len(a.Fills) == 0 {
		return nil
	}
	at := time.UnixMilli(a.TransactTime)
	out := make([]domain.TradeUpdate, 0, len(a.Fills))
	for _, f := range a.Fills {
		price := parseDecimal(f.Price)
		qty := parseDecimal(f.Qty)
		out = append(out, domain.TradeUpdate{
			TradeID:         strconv.FormatInt(f.TradeID, 10),
			ClientOrderID:   a.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(a.OrderID, 10),
			TradingPair:     pair,
			FillTimestamp:   at,
			FillPrice:       price,
			FillBaseAmount:  qty,
			FillQuoteAmount: price.Mul(qty),
			FeeAsset:        f.CommissionAsset,
			FeePaid:         parseDecimal(f.Commission),
		})
	}
	return out
}

// APIOrderStatus is the response of GET /api/v3/order.
type APIOrderStatus struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

// ToOrderUpdate converts a polled order status to a domain.OrderUpdate.
// The executed amounts are cumulative; the tracker derives deltas.
func (o *APIOrderStatus) ToOrderUpdate(pair domain.TradingPair) (domain.OrderUpdate, bool) {
	state, ok := orderStateFromStatus(o.Status)
	if !ok {
		return domain.OrderUpdate{}, false
	}
	return domain.OrderUpdate{
		TradingPair:     pair,
		UpdateTimestamp: time.UnixMilli(o.UpdateTime),
		NewState:        state,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
	}, true
}

// APITrade is one entry of GET /api/v3/myTrades.
type APITrade struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
	IsMaker         bool   `json:"isMaker"`
}

// ToTradeUpdate converts an account trade to a domain.TradeUpdate. The
// client order id is not part of the myTrades payload, so callers resolve
// it from the exchange order id.
func (t *APITrade) ToTradeUpdate(pair domain.TradingPair, clientOrderID string) domain.TradeUpdate {
	return domain.TradeUpdate{
		TradeID:         strconv.FormatInt(t.ID, 10),
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: strconv.FormatInt(t.OrderID, 10),
		TradingPair:     pair,
		FillTimestamp:   time.UnixMilli(t.Time),
		FillPrice:       parseDecimal(t.Price),
		FillBaseAmount:  parseDecimal(t.Qty),
		FillQuoteAmount: parseDecimal(t.QuoteQty),
		FeeAsset:        t.CommissionAsset,
		FeePaid:         parseDecimal(t.Commission),
	}
}

// APIAccount is the response of GET /api/v3/account.
type APIAccount struct {
	CanTrade  bool         `json:"canTrade"`
	Balances  []APIBalance `json:"balances"`
	UpdatedAt int64        `json:"updateTime"`
}

// APIBalance is one asset balance inside an account response.
type APIBalance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// ToDomainBalance converts an account balance entry.
func (b *APIBalance) ToDomainBalance(at time.Time) domain.Balance {
	free := parseDecimal(b.Free)
	locked := parseDecimal(b.Locked)
	return domain.Balance{
		Exchange:  domain.ExchangeBinance,
		Asset:     b.Asset,
		Total:     free.Add(locked),
		Available: free,
		UpdatedAt: at,
	}
}

// APIDepth is the response of GET /api/v3/depth.
type APIDepth struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// ToDomainSnapshot converts a depth response to an orderbook snapshot.
func (d *APIDepth) ToDomainSnapshot(pair domain.TradingPair, at time.Time) domain.OrderBookSnapshot {
	snap := domain.OrderBookSnapshot{
		Exchange:    domain.ExchangeBinance,
		TradingPair: pair,
		SeqNum:      d.LastUpdateID,
		Timestamp:   at,
	}
	snap.Bids = levelsFromPairs(d.Bids)
	snap.Asks = levelsFromPairs(d.Asks)
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

// ParseKline converts one kline array entry from GET /api/v3/klines:
//
//	[openTime, open, high, low, close, volume, closeTime, quoteVolume, ...]
func ParseKline(raw []json.RawMessage, pair domain.TradingPair, interval domain.CandleInterval) (domain.Candle, bool) {
	if len(raw) < 8 {
		return domain.Candle{}, false
	}
	var openTime int64
	var open, high, low, closeP, volume, quoteVolume string
	if json.Unmarshal(raw[0], &openTime) != nil ||
		json.Unmarshal(raw[1], &open) != nil ||
		json.Unmarshal(raw[2], &high) != nil ||
		json.Unmarshal(raw[3], &low) != nil ||
		json.Unmarshal(raw[4], &closeP) != nil ||
		json.Unmarshal(raw[5], &volume) != nil ||
		json.Unmarshal(raw[7], &quoteVolume) != nil {
		return domain.Candle{}, false
	}
	c := domain.Candle{
		Exchange:    domain.ExchangeBinance,
		TradingPair: pair,
		Interval:    interval,
		OpenTime:    time.UnixMilli(openTime),
		Closed:      true,
	}
	c.Open, _ = strconv.ParseFloat(open, 64)
	c.High, _ = strconv.ParseFloat(high, 64)
	c.Low, _ = strconv.ParseFloat(low, 64)
	c.Close, _ = strconv.ParseFloat(closeP, 64)
	c.Volume, _ = strconv.ParseFloat(volume, 64)
	c.QuoteVolume, _ = strconv.ParseFloat(quoteVolume, 64)
	return c, true
}

// APIListenKey is the response of POST /api/v3/userDataStream.
type APIListenKey struct {
	ListenKey string `json:"listenKey"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSEnvelope is the outer frame of a combined-stream message:
// {"stream":"btcusdt@depth","data":{...}}.
type WSEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// WSDepthUpdate is an incremental depth event from <symbol>@depth.
// Updates apply in sequence: FirstUpdateID..FinalUpdateID stitch onto a
// REST snapshot's lastUpdateId.
type WSDepthUpdate struct {
	EventType     string      `json:"e"` // "depthUpdate"
	EventTime     int64       `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID int64       `json:"U"`
	FinalUpdateID int64       `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

// ToDomainDiff converts a depth update to an orderbook diff.
func (d *WSDepthUpdate) ToDomainDiff(pair domain.TradingPair) domain.OrderBookDiff {
	return domain.OrderBookDiff{
		Exchange:      domain.ExchangeBinance,
		TradingPair:   pair,
		FirstUpdateID: d.FirstUpdateID,
		FinalUpdateID: d.FinalUpdateID,
		Bids:          levelsFromPairs(d.Bids),
		Asks:          levelsFromPairs(d.Asks),
		Timestamp:     time.UnixMilli(d.EventTime),
	}
}

// WSTrade is a public trade event from <symbol>@trade.
type WSTrade struct {
	EventType    string `json:"e"` // "trade"
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// ToDomainTrade converts a public trade event.
func (t *WSTrade) ToDomainTrade(pair domain.TradingPair) domain.PublicTrade {
	price, _ := strconv.ParseFloat(t.Price, 64)
	qty, _ := strconv.ParseFloat(t.Quantity, 64)
	return domain.PublicTrade{
		Exchange:     domain.ExchangeBinance,
		TradingPair:  pair,
		TradeID:      strconv.FormatInt(t.TradeID, 10),
		Price:        price,
		Amount:       qty,
		IsBuyerMaker: t.IsBuyerMaker,
		Timestamp:    time.UnixMilli(t.TradeTime),
	}
}

// WSBookTicker is a best bid/ask event from <symbol>@bookTicker.
type WSBookTicker struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	BidQty   string `json:"B"`
	AskPrice string `json:"a"`
	AskQty   string `json:"A"`
}

// ToDomainTop converts a book ticker to a top-of-book snapshot.
func (t *WSBookTicker) ToDomainTop(pair domain.TradingPair, at time.Time) domain.TopOfBook {
	top := domain.TopOfBook{
		Exchange:    domain.ExchangeBinance,
		TradingPair: pair,
		SeqNum:      t.UpdateID,
		Timestamp:   at,
	}
	top.BidPrice, _ = strconv.ParseFloat(t.BidPrice, 64)
	top.BidSize, _ = strconv.ParseFloat(t.BidQty, 64)
	top.AskPrice, _ = strconv.ParseFloat(t.AskPrice, 64)
	top.AskSize, _ = strconv.ParseFloat(t.AskQty, 64)
	return top
}

// WSKline is a candle event from <symbol>@kline_<interval>.
type WSKline struct {
	EventType string        `json:"e"` // "kline"
	EventTime int64         `json:"E"`
	Symbol    string        `json:"s"`
	Kline     WSKlineDetail `json:"k"`
}

// WSKlineDetail carries the candle fields inside a kline event.
type WSKlineDetail struct {
	OpenTime    int64  `json:"t"`
	CloseTime   int64  `json:"T"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	QuoteVolume string `json:"q"`
	Closed      bool   `json:"x"`
}

// ToDomainCandle converts a kline event.
func (k *WSKline) ToDomainCandle(pair domain.TradingPair, interval domain.CandleInterval) domain.Candle {
	c := domain.Candle{
		Exchange:    domain.ExchangeBinance,
		TradingPair: pair,
		Interval:    interval,
		OpenTime:    time.UnixMilli(k.Kline.OpenTime),
		Closed:      k.Kline.Closed,
	}
	c.Open, _ = strconv.ParseFloat(k.Kline.Open, 64)
	c.High, _ = strconv.ParseFloat(k.Kline.High, 64)
	c.Low, _ = strconv.ParseFloat(k.Kline.Low, 64)
	c.Close, _ = strconv.ParseFloat(k.Kline.Close, 64)
	c.Volume, _ = strconv.ParseFloat(k.Kline.Volume, 64)
	c.QuoteVolume, _ = strconv.ParseFloat(k.Kline.QuoteVolume, 64)
	return c
}

// WSExecutionReport is an order event from the user data stream.
type WSExecutionReport struct {
	EventType         string `json:"e"` // "executionReport"
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	Side              string `json:"S"`
	OrderType         string `json:"o"`
	Quantity          string `json:"q"`
	Price             string `json:"p"`
	ExecutionType     string `json:"x"` // NEW, TRADE, CANCELED, REJECTED, EXPIRED
	OrderStatus       string `json:"X"`
	RejectReason      string `json:"r"`
	OrderID           int64  `json:"i"`
	LastExecutedQty   string `json:"l"`
	CumulativeQty     string `json:"z"`
	LastExecutedPrice string `json:"L"`
	Commission        string `json:"n"`
	CommissionAsset   string `json:"N"`
	TransactTime      int64  `json:"T"`
	TradeID           int64  `json:"t"`
	IsMaker           bool   `json:"m"`
	OrigClientOrderID string `json:"C"` // set on cancels; the id we placed with
	CumulativeQuote   string `json:"Z"`
	LastQuoteQty      string `json:"Y"`
}

// EffectiveClientOrderID returns the client order id the report refers to.
// On cancels Binance moves the placed id into C and puts the cancel id in c.
func (r *WSExecutionReport) EffectiveClientOrderID() string {
	if r.OrigClientOrderID != "" && r.OrigClientOrderID != "null" {
		return r.OrigClientOrderID
	}
	return r.ClientOrderID
}

// ToOrderUpdate converts an execution report to a domain.OrderUpdate.
func (r *WSExecutionReport) ToOrderUpdate(pair domain.TradingPair) (domain.OrderUpdate, bool) {
	state, ok := orderStateFromStatus(r.OrderStatus)
	if !ok {
		return domain.OrderUpdate{}, false
	}
	return domain.OrderUpdate{
		TradingPair:     pair,
		UpdateTimestamp: time.UnixMilli(r.TransactTime),
		NewState:        state,
		ClientOrderID:   r.EffectiveClientOrderID(),
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
	}, true
}

// ToTradeUpdate converts a TRADE execution report to a domain.TradeUpdate.
// Returns false for reports that carry no fill.
func (r *WSExecutionReport) ToTradeUpdate(pair domain.TradingPair) (domain.TradeUpdate, bool) {
	if r.ExecutionType != "TRADE" || r.TradeID <= 0 {
		return domain.TradeUpdate{}, false
	}
	return domain.TradeUpdate{
		TradeID:         strconv.FormatInt(r.TradeID, 10),
		ClientOrderID:   r.EffectiveClientOrderID(),
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		TradingPair:     pair,
		FillTimestamp:   time.UnixMilli(r.TransactTime),
		FillPrice:       parseDecimal(r.LastExecutedPrice),
		FillBaseAmount:  parseDecimal(r.LastExecutedQty),
		FillQuoteAmount: parseDecimal(r.LastQuoteQty),
		FeeAsset:        r.CommissionAsset,
		FeePaid:         parseDecimal(r.Commission),
	}, true
}

// WSAccountPosition is a balance event from the user data stream.
type WSAccountPosition struct {
	EventType string `json:"e"` // "outboundAccountPosition"
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// ToDomainBalances converts the changed balances in an account event.
func (p *WSAccountPosition) ToDomainBalances() []domain.Balance {
	at := time.UnixMilli(p.EventTime)
	out := make([]domain.Balance, 0, len(p.Balances))
	for _, b := range p.Balances {
		free := parseDecimal(b.Free)
		locked := parseDecimal(b.Locked)
		out = append(out, domain.Balance{
			Exchange:  domain.ExchangeBinance,
			Asset:     b.Asset,
			Total:     free.Add(locked),
			Available: free,
			UpdatedAt: at,
		})
	}
	return out
}

// --------------------------------------------------------------------------
// Conversion helpers
// --------------------------------------------------------------------------

// parseDecimal parses a decimal string, returning zero on malformed input.
// Binance omits or zero-fills numeric fields depending on the endpoint.
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

// levelsFromPairs converts [["price","qty"],...] arrays to book levels,
// keeping the exchange's ordering.
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
