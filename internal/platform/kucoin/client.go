package kucoin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/crypto"
	"github.com/coinalpha/hbot/internal/domain"
)

const (
	// DefaultBaseURL is the KuCoin spot REST root.
	DefaultBaseURL = "https://api.kucoin.com"

	// requestLimit is a conservative per-10s request budget for the spot
	// endpoints we hit.
	requestLimit = 100

	// limiterKey is the rate limiter bucket for REST requests.
	limiterKey = "kucoin:rest"
)

// Client is the REST client for the KuCoin spot API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.KucoinAuth
	limiter    domain.RateLimiter // nil disables client-side limiting
}

// NewClient creates a KuCoin REST client. auth may be nil for public-data
// use; limiter may be nil to disable request budgeting.
func NewClient(baseURL string, auth *crypto.KucoinAuth, limiter domain.RateLimiter) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth:    auth,
		limiter: limiter,
	}
}

// Symbols returns the listed symbols and their trading limits.
func (c *Client) Symbols(ctx context.Context) ([]APISymbol, error) {
	body, err := c.doPublic(ctx, http.MethodGet, "/api/v2/symbols", nil)
	if err != nil {
		return nil, fmt.Errorf("kucoin: get symbols: %w", err)
	}
	var symbols []APISymbol
	if err := decodeData(body, &symbols); err != nil {
		return nil, fmt.Errorf("kucoin: decode symbols: %w", err)
	}
	return symbols, nil
}

// OrderBook returns a 100-level book snapshot for a symbol.
func (c *Client) OrderBook(ctx context.Context, symbol string) (APIOrderBook, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	body, err := c.doPublic(ctx, http.MethodGet, "/api/v1/market/orderbook/level2_100?"+q.Encode(), nil)
	if err != nil {
		return APIOrderBook{}, fmt.Errorf("kucoin: get orderbook %s: %w", symbol, err)
	}
	var book APIOrderBook
	if err := decodeData(body, &book); err != nil {
		return APIOrderBook{}, fmt.Errorf("kucoin: decode orderbook: %w", err)
	}
	return book, nil
}

// PlaceOrderParams are the parameters for placing a spot order.
type PlaceOrderParams struct {
	ClientOid string
	Symbol    string
	Side      string // "buy" or "sell"
	Type      string // "limit" or "market"
	Price     decimal.Decimal
	Size      decimal.Decimal
	PostOnly  bool
}

// PlaceOrder submits a new order and returns the exchange order id.
func (c *Client) PlaceOrder(ctx context.Context, p PlaceOrderParams) (string, error) {
	reqBody := map[string]any{
		"clientOid": p.ClientOid,
		"side":      p.Side,
		"symbol":    p.Symbol,
		"type":      p.Type,
		"size":      p.Size.String(),
	}
	if p.Type == "limit" {
		reqBody["price"] = p.Price.String()
		if p.PostOnly {
			reqBody["postOnly"] = true
		}
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v1/orders", reqBody)
	if err != nil {
		return "", fmt.Errorf("kucoin: place order %s: %w", p.ClientOid, err)
	}
	var ack APIOrderAck
	if err := decodeData(body, &ack); err != nil {
		return "", fmt.Errorf("kucoin: decode order ack: %w", err)
	}
	return ack.OrderID, nil
}

// CancelOrderByClientOid cancels an order by the client oid it was placed
// with.
func (c *Client) CancelOrderByClientOid(ctx context.Context, clientOid string) error {
	path := fmt.Sprintf("/api/v1/order/client-order/%s", url.PathEscape(clientOid))
	if _, err := c.doSigned(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("kucoin: cancel order %s: %w", clientOid, err)
	}
	return nil
}

// GetOrderByClientOid retrieves an order's current status by client oid.
func (c *Client) GetOrderByClientOid(ctx context.Context, clientOid string) (APIOrder, error) {
	path := fmt.Sprintf("/api/v1/order/client-order/%s", url.PathEscape(clientOid))

	body, err := c.doSigned(ctx, http.MethodGet, path, nil)
	if err != nil {
		return APIOrder{}, fmt.Errorf("kucoin: get order %s: %w", clientOid, err)
	}
	var order APIOrder
	if err := decodeData(body, &order); err != nil {
		return APIOrder{}, fmt.Errorf("kucoin: decode order: %w", err)
	}
	return order, nil
}

// Fills returns the account's fills for one exchange order id.
func (c *Client) Fills(ctx context.Context, orderID string) ([]APIFill, error) {
	q := url.Values{}
	q.Set("orderId", orderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/fills?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kucoin: get fills %s: %w", orderID, err)
	}
	var page struct {
		Items []APIFill `json:"items"`
	}
	if err := decodeData(body, &page); err != nil {
		return nil, fmt.Errorf("kucoin: decode fills: %w", err)
	}
	return page.Items, nil
}

// Accounts returns the trade account balances.
func (c *Client) Accounts(ctx context.Context) ([]APIAccount, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v1/accounts?type=trade", nil)
	if err != nil {
		return nil, fmt.Errorf("kucoin: get accounts: %w", err)
	}
	var accounts []APIAccount
	if err := decodeData(body, &accounts); err != nil {
		return nil, fmt.Errorf("kucoin: decode accounts: %w", err)
	}
	return accounts, nil
}

// BulletPublic requests a public WebSocket token and endpoint list.
func (c *Client) BulletPublic(ctx context.Context) (APIBulletToken, error) {
	body, err := c.doPublic(ctx, http.MethodPost, "/api/v1/bullet-public", nil)
	if err != nil {
		return APIBulletToken{}, fmt.Errorf("kucoin: bullet-public: %w", err)
	}
	var token APIBulletToken
	if err := decodeData(body, &token); err != nil {
		return APIBulletToken{}, fmt.Errorf("kucoin: decode bullet token: %w", err)
	}
	return token, nil
}

// BulletPrivate requests a private WebSocket token, required for order and
// balance topics.
func (c *Client) BulletPrivate(ctx context.Context) (APIBulletToken, error) {
	body, err := c.doSigned(ctx, http.MethodPost, "/api/v1/bullet-private", nil)
	if err != nil {
		return APIBulletToken{}, fmt.Errorf("kucoin: bullet-private: %w", err)
	}
	var token APIBulletToken
	if err := decodeData(body, &token); err != nil {
		return APIBulletToken{}, fmt.Errorf("kucoin: decode bullet token: %w", err)
	}
	return token, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doPublic sends an unauthenticated request. path carries any query string.
func (c *Client) doPublic(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	return c.do(ctx, method, path, reqBody, false)
}

// doSigned sends a request with KC-API-* authentication headers.
func (c *Client) doSigned(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("no API credentials: %w", domain.ErrUnauthorized)
	}
	return c.do(ctx, method, path, reqBody, true)
}

// do builds, optionally signs, sends, and reads one HTTP request.
func (c *Client) do(ctx context.Context, method, path string, reqBody any, signed bool) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, limiterKey, 1, requestLimit, 10*time.Second); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	var bodyReader io.Reader
	var bodyStr string
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// The signature covers the path including its query string.
	if signed {
		for k, v := range c.auth.Headers(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
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

	if err := checkResponse(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// decodeData unwraps the {"code","data"} envelope into out.
func decodeData(body []byte, out any) error {
	var wrapper struct {
		Code string          `json:"code"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return err
	}
	return json.Unmarshal(wrapper.Data, out)
}

// checkResponse maps HTTP and envelope error codes to domain errors.
// KuCoin reports failures both ways: a non-2xx status and a non-200000
// envelope code.
func checkResponse(statusCode int, body []byte) error {
	var env APIEnvelope
	_ = json.Unmarshal(body, &env)

	if statusCode >= 200 && statusCode < 300 && (env.Code == "" || env.Code == successCode) {
		return nil
	}

	// 400100 with an "order not exist" message covers unknown client oids.
	if env.Code == "400100" || statusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, env.Msg)
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, env.Msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, env.Msg)
	default:
		if env.Msg != "" {
			return fmt.Errorf("HTTP %d (code %s): %s", statusCode, env.Code, env.Msg)
		}
		return fmt.Errorf("HTTP %d: %s", statusCode, string(body))
	}
}
