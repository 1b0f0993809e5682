package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/crypto"
	"github.com/coinalpha/hbot/internal/domain"
)

const (
	// DefaultBaseURL is the Binance spot REST root.
	DefaultBaseURL = "https://api.binance.com"

	// requestWeightLimit is the spot API per-minute weight budget.
	requestWeightLimit = 6000

	// weightKey is the rate limiter bucket for REST request weight.
	weightKey = "binance:rest:weight"
)

// RestClient is the REST client for the Binance spot API. It handles
// market data, order placement, cancellation, account queries, and the
// user data stream listen key lifecycle.
type RestClient struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.BinanceAuth
	limiter    domain.RateLimiter // nil disables client-side limiting
}

// NewRestClient creates a Binance REST client. auth may be nil for
// public-data-only use; limiter may be nil to disable request weighting.
func NewRestClient(baseURL string, auth *crypto.BinanceAuth, limiter domain.RateLimiter) *RestClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &RestClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth:    auth,
		limiter: limiter,
	}
}

// Ping checks REST connectivity.
func (c *RestClient) Ping(ctx context.Context) error {
	_, err := c.doPublic(ctx, http.MethodGet, "/api/v3/ping", nil, 1)
	if err != nil {
		return fmt.Errorf("binance/rest: ping: %w", err)
	}
	return nil
}

// ServerTime returns the exchange clock, used to detect local drift before
// signing requests.
func (c *RestClient) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := c.doPublic(ctx, http.MethodGet, "/api/v3/time", nil, 1)
	if err != nil {
		return time.Time{}, fmt.Errorf("binance/rest: server time: %w", err)
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, fmt.Errorf("binance/rest: decode server time: %w", err)
	}
	return time.UnixMilli(resp.ServerTime), nil
}

// ExchangeInfo returns the listed symbols and their trading filters.
func (c *RestClient) ExchangeInfo(ctx context.Context) (APIExchangeInfo, error) {
	body, err := c.doPublic(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, 20)
	if err != nil {
		return APIExchangeInfo{}, fmt.Errorf("binance/rest: exchange info: %w", err)
	}
	var info APIExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return APIExchangeInfo{}, fmt.Errorf("binance/rest: decode exchange info: %w", err)
	}
	return info, nil
}

// Depth returns an order book snapshot for a symbol. Valid limits are
// 5-5000; the request weight scales with the limit.
func (c *RestClient) Depth(ctx context.Context, symbol string, limit int) (APIDepth, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.doPublic(ctx, http.MethodGet, "/api/v3/depth", q, depthWeight(limit))
	if err != nil {
		return APIDepth{}, fmt.Errorf("binance/rest: depth %s: %w", symbol, err)
	}
	var depth APIDepth
	if err := json.Unmarshal(body, &depth); err != nil {
		return APIDepth{}, fmt.Errorf("binance/rest: decode depth: %w", err)
	}
	return depth, nil
}

// Klines returns historical candles for a symbol, newest last. Each entry
// is the raw kline array; decode with ParseKline.
func (c *RestClient) Klines(ctx context.Context, symbol, interval string, limit int) ([][]json.RawMessage, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.doPublic(ctx, http.MethodGet, "/api/v3/klines", q, 2)
	if err != nil {
		return nil, fmt.Errorf("binance/rest: klines %s %s: %w", symbol, interval, err)
	}
	var klines [][]json.RawMessage
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, fmt.Errorf("binance/rest: decode klines: %w", err)
	}
	return klines, nil
}

// NewOrderParams are the parameters for placing a spot order.
type NewOrderParams struct {
	Symbol        string
	Side          string // "BUY" or "SELL"
	Type          string // "LIMIT", "LIMIT_MAKER", "MARKET"
	TimeInForce   string // "GTC" for plain limit orders
	Quantity      decimal.Decimal
	Price         decimal.Decimal // ignored for market orders
	ClientOrderID string
}

// NewOrder places an order and returns the full acknowledgement, including
// any immediate fills.
func (c *RestClient) NewOrder(ctx context.Context, p NewOrderParams) (APIOrderAck, error) {
	q := url.Values{}
	q.Set("symbol", p.Symbol)
	q.Set("side", p.Side)
	q.Set("type", p.Type)
	q.Set("quantity", p.Quantity.String())
	if p.Type == "LIMIT" {
		tif := p.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		q.Set("timeInForce", tif)
	}
	if p.Type != "MARKET" {
		q.Set("price", p.Price.String())
	}
	if p.ClientOrderID != "" {
		q.Set("newClientOrderId", p.ClientOrderID)
	}
	q.Set("newOrderRespType", "FULL")

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", q, 1)
	if err != nil {
		return APIOrderAck{}, fmt.Errorf("binance/rest: new order %s: %w", p.ClientOrderID, err)
	}
	var ack APIOrderAck
	if err := json.Unmarshal(body, &ack); err != nil {
		return APIOrderAck{}, fmt.Errorf("binance/rest: decode order ack: %w", err)
	}
	return ack, nil
}

// CancelOrder cancels an order by the client order id it was placed with.
func (c *RestClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("origClientOrderId", clientOrderID)

	if _, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", q, 1); err != nil {
		return fmt.Errorf("binance/rest: cancel order %s: %w", clientOrderID, err)
	}
	return nil
}

// QueryOrder retrieves a single order's current status by client order id.
func (c *RestClient) QueryOrder(ctx context.Context, symbol, clientOrderID string) (APIOrderStatus, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("origClientOrderId", clientOrderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", q, 4)
	if err != nil {
		return APIOrderStatus{}, fmt.Errorf("binance/rest: query order %s: %w", clientOrderID, err)
	}
	var status APIOrderStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return APIOrderStatus{}, fmt.Errorf("binance/rest: decode order status: %w", err)
	}
	return status, nil
}

// OpenOrders returns the open orders for a symbol.
func (c *RestClient) OpenOrders(ctx context.Context, symbol string) ([]APIOrderStatus, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", q, 6)
	if err != nil {
		return nil, fmt.Errorf("binance/rest: open orders %s: %w", symbol, err)
	}
	var orders []APIOrderStatus
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, fmt.Errorf("binance/rest: decode open orders: %w", err)
	}
	return orders, nil
}

// MyTrades returns the account's fills for one order.
func (c *RestClient) MyTrades(ctx context.Context, symbol string, orderID int64) ([]APITrade, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if orderID > 0 {
		q.Set("orderId", strconv.FormatInt(orderID, 10))
	}

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/myTrades", q, 20)
	if err != nil {
		return nil, fmt.Errorf("binance/rest: my trades %s: %w", symbol, err)
	}
	var trades []APITrade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, fmt.Errorf("binance/rest: decode trades: %w", err)
	}
	return trades, nil
}

// Account returns balances and trading permissions.
func (c *RestClient) Account(ctx context.Context) (APIAccount, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", nil, 20)
	if err != nil {
		return APIAccount{}, fmt.Errorf("binance/rest: account: %w", err)
	}
	var acct APIAccount
	if err := json.Unmarshal(body, &acct); err != nil {
		return APIAccount{}, fmt.Errorf("binance/rest: decode account: %w", err)
	}
	return acct, nil
}

// CreateListenKey opens a user data stream and returns its listen key.
// The key expires unless kept alive every 30 minutes.
func (c *RestClient) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/api/v3/userDataStream", nil, 2)
	if err != nil {
		return "", fmt.Errorf("binance/rest: create listen key: %w", err)
	}
	var resp APIListenKey
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("binance/rest: decode listen key: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's validity.
func (c *RestClient) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	q := url.Values{}
	q.Set("listenKey", listenKey)
	if _, err := c.doKeyed(ctx, http.MethodPut, "/api/v3/userDataStream", q, 2); err != nil {
		return fmt.Errorf("binance/rest: keepalive listen key: %w", err)
	}
	return nil
}

// CloseListenKey closes the user data stream.
func (c *RestClient) CloseListenKey(ctx context.Context, listenKey string) error {
	q := url.Values{}
	q.Set("listenKey", listenKey)
	if _, err := c.doKeyed(ctx, http.MethodDelete, "/api/v3/userDataStream", q, 2); err != nil {
		return fmt.Errorf("binance/rest: close listen key: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doPublic sends an unauthenticated request.
func (c *RestClient) doPublic(ctx context.Context, method, path string, q url.Values, weight int) ([]byte, error) {
	rawQuery := ""
	if q != nil {
		rawQuery = q.Encode()
	}
	return c.do(ctx, method, path, rawQuery, nil, weight)
}

// doKeyed sends a request that needs the API key header but no signature
// (the user data stream endpoints).
func (c *RestClient) doKeyed(ctx context.Context, method, path string, q url.Values, weight int) ([]byte, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("no API credentials: %w", domain.ErrUnauthorized)
	}
	rawQuery := ""
	if q != nil {
		rawQuery = q.Encode()
	}
	return c.do(ctx, method, path, rawQuery, c.auth.Headers(), weight)
}

// doSigned sends a request with the HMAC signature appended to the query.
func (c *RestClient) doSigned(ctx context.Context, method, path string, q url.Values, weight int) ([]byte, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("no API credentials: %w", domain.ErrUnauthorized)
	}
	rawQuery := ""
	if q != nil {
		rawQuery = q.Encode()
	}
	return c.do(ctx, method, path, c.auth.SignQuery(rawQuery), c.auth.Headers(), weight)
}

// do builds, sends, and reads one HTTP request. It returns the raw
// response body.
func (c *RestClient) do(ctx context.Context, method, path, rawQuery string, headers map[string]string, weight int) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, weightKey, weight, requestWeightLimit, time.Minute); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	u := c.baseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// depthWeight maps a depth limit to its documented request weight.
func depthWeight(limit int) int {
	switch {
	case limit <= 100:
		return 5
	case limit <= 500:
		return 25
	case limit <= 1000:
		return 50
	default:
		return 250
	}
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
// Binance reports the reason in a {"code":-NNNN,"msg":"..."} body.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr APIError
	_ = json.Unmarshal(body, &apiErr)

	// -2013: order does not exist; -2011: cancel rejected (unknown order).
	if apiErr.Code == -2013 || apiErr.Code == -2011 {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, apiErr.Msg)
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, string(body))
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, string(body))
	case http.StatusTooManyRequests, 418:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
	default:
		if apiErr.Msg != "" {
			return fmt.Errorf("HTTP %d (code %d): %s", statusCode, apiErr.Code, apiErr.Msg)
		}
		return fmt.Errorf("HTTP %d: %s", statusCode, string(body))
	}
}
