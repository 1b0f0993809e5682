package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/coinalpha/hbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// defaultPingInterval is used until the bullet handshake reports the
	// server's interval.
	defaultPingInterval = 18 * time.Second

	// defaultPingTimeout pads the read deadline past the ping interval.
	defaultPingTimeout = 10 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TickerHandler is called for every best bid/ask ticker event.
type TickerHandler func(symbol string, t WSTicker)

// Level2Handler is called for every incremental book event.
type Level2Handler func(WSLevel2Update)

// MatchHandler is called for every public trade event.
type MatchHandler func(WSMatch)

// CandleHandler is called for every candle event. intervalName is the
// venue notation from the topic ("1min", "1hour"); closed marks the final
// update of a bucket.
type CandleHandler func(c WSCandles, intervalName string, closed bool)

// OrderChangeHandler is called for every private order event.
type OrderChangeHandler func(WSOrderChange)

// BalanceChangeHandler is called for every private balance event.
type BalanceChangeHandler func(WSBalanceChange)

// wsCommand is the JSON payload for subscription management and pings.
type wsCommand struct {
	ID             string `json:"id"`
	Type           string `json:"type"` // "subscribe", "unsubscribe", "ping"
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel,omitempty"`
	Response       bool   `json:"response,omitempty"`
}

// WSClient is a WebSocket client for the KuCoin streams. Connecting first
// requests a bullet token over REST, then dials the endpoint the token
// names. Private mode uses bullet-private and unlocks the order and
// balance topics.
type WSClient struct {
	rest    *Client
	private bool
	conn    *websocket.Conn

	mu     sync.RWMutex
	closed bool
	nextID int64

	pingInterval time.Duration
	pingTimeout  time.Duration

	// Topics to restore on reconnect, with their private flag.
	subscriptions map[string]bool

	// Handlers
	tickerHandlers  []TickerHandler
	l2Handlers      []Level2Handler
	matchHandlers   []MatchHandler
	candleHandlers  []CandleHandler
	orderHandlers   []OrderChangeHandler
	balanceHandlers []BalanceChangeHandler
	handlerMu       sync.RWMutex

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a KuCoin WebSocket client on top of the REST client
// that issues its bullet tokens.
func NewWSClient(rest *Client, private bool) *WSClient {
	return &WSClient{
		rest:          rest,
		private:       private,
		pingInterval:  defaultPingInterval,
		pingTimeout:   defaultPingTimeout,
		subscriptions: make(map[string]bool),
		done:          make(chan struct{}),
	}
}

// Connect requests a bullet token and establishes the WebSocket
// connection.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("kucoin/ws: %w", domain.ErrWSDisconnect)
	}

	var token APIBulletToken
	var err error
	if w.private {
		token, err = w.rest.BulletPrivate(ctx)
	} else {
		token, err = w.rest.BulletPublic(ctx)
	}
	if err != nil {
		return fmt.Errorf("kucoin/ws: bullet token: %w", err)
	}
	if len(token.InstanceServers) == 0 {
		return fmt.Errorf("kucoin/ws: bullet token has no instance servers")
	}

	server := token.InstanceServers[0]
	if server.PingInterval > 0 {
		w.pingInterval = time.Duration(server.PingInterval) * time.Millisecond
	}
	if server.PingTimeout > 0 {
		w.pingTimeout = time.Duration(server.PingTimeout) * time.Millisecond
	}

	connectID := strings.ReplaceAll(uuid.NewString(), "-", "")
	wsURL := fmt.Sprintf("%s?token=%s&connectId=%s", server.Endpoint, token.Token, connectID)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("kucoin/ws: connect: %w", err)
	}

	// The server opens with a welcome frame.
	conn.SetReadDeadline(time.Now().Add(w.pingInterval + w.pingTimeout))
	var welcome WSMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return fmt.Errorf("kucoin/ws: read welcome: %w", err)
	}
	if welcome.Type != "welcome" {
		conn.Close()
		return fmt.Errorf("kucoin/ws: unexpected handshake frame %q", welcome.Type)
	}

	w.conn = conn

	// Start the read loop and ping loop.
	go w.readLoop()
	go w.pingLoop()

	// Restore any previous subscriptions after reconnect.
	for topic, private := range w.subscriptions {
		if err := w.sendCommand(wsCommand{
			ID:             w.commandID(),
			Type:           "subscribe",
			Topic:          topic,
			PrivateChannel: private,
			Response:       true,
		}); err != nil {
			return fmt.Errorf("kucoin/ws: restore subscription %s: %w", topic, err)
		}
	}

	return nil
}

// Subscribe subscribes to a topic, e.g. "/market/ticker:BTC-USDT" or
// "/spotMarket/tradeOrdersV2" (private).
func (w *WSClient) Subscribe(ctx context.Context, topic string, private bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("kucoin/ws: not connected")
	}

	if err := w.sendCommand(wsCommand{
		ID:             w.commandID(),
		Type:           "subscribe",
		Topic:          topic,
		PrivateChannel: private,
		Response:       true,
	}); err != nil {
		return fmt.Errorf("kucoin/ws: subscribe to %s: %w", topic, err)
	}

	// Track subscription for reconnection.
	w.subscriptions[topic] = private
	return nil
}

// Unsubscribe removes a topic subscription.
func (w *WSClient) Unsubscribe(ctx context.Context, topic string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("kucoin/ws: not connected")
	}

	if err := w.sendCommand(wsCommand{
		ID:    w.commandID(),
		Type:  "unsubscribe",
		Topic: topic,
	}); err != nil {
		return fmt.Errorf("kucoin/ws: unsubscribe from %s: %w", topic, err)
	}

	delete(w.subscriptions, topic)
	return nil
}

// Close shuts down the WebSocket connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// OnTicker registers a handler for ticker events.
func (w *WSClient) OnTicker(handler TickerHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.tickerHandlers = append(w.tickerHandlers, handler)
}

// OnLevel2 registers a handler for incremental book events.
func (w *WSClient) OnLevel2(handler Level2Handler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.l2Handlers = append(w.l2Handlers, handler)
}

// OnMatch registers a handler for public trade events.
func (w *WSClient) OnMatch(handler MatchHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.matchHandlers = append(w.matchHandlers, handler)
}

// OnCandle registers a handler for candle events.
func (w *WSClient) OnCandle(handler CandleHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.candleHandlers = append(w.candleHandlers, handler)
}

// OnOrderChange registers a handler for private order events.
func (w *WSClient) OnOrderChange(handler OrderChangeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.orderHandlers = append(w.orderHandlers, handler)
}

// OnBalanceChange registers a handler for private balance events.
func (w *WSClient) OnBalanceChange(handler BalanceChangeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.balanceHandlers = append(w.balanceHandlers, handler)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// commandID returns a fresh id for a command. Caller must hold w.mu.
func (w *WSClient) commandID() string {
	w.nextID++
	return strconv.FormatInt(w.nextID, 10)
}

// sendCommand sends a JSON command to the WebSocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd wsCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop continuously reads messages from the WebSocket and dispatches
// them to the appropriate handlers. KuCoin answers our application-level
// pings with pong frames, so every received message refreshes the read
// deadline. On disconnect, it attempts to reconnect with exponential
// backoff (which re-requests a bullet token).
func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		deadline := w.pingInterval + w.pingTimeout
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(deadline))
		_, message, err := conn.ReadMessage()
		if err != nil {
			// Check if we've been shut down.
			select {
			case <-w.done:
				return
			default:
			}

			// Attempt reconnection.
			w.reconnect()
			return // readLoop restarts via reconnect -> Connect
		}

		w.handleMessage(message)
	}
}

// pingLoop sends application-level ping frames at the server's interval.
func (w *WSClient) pingLoop() {
	w.mu.RLock()
	interval := w.pingInterval
	w.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.conn == nil {
				w.mu.Unlock()
				return
			}
			err := w.sendCommand(wsCommand{ID: w.commandID(), Type: "ping"})
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage parses a frame and routes message payloads by subject.
func (w *WSClient) handleMessage(raw []byte) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return // Silently drop unparseable messages.
	}
	if msg.Type != "message" {
		return // welcome/ack/pong frames carry no payload.
	}

	switch msg.Subject {
	case "trade.ticker":
		var ticker WSTicker
		if err := json.Unmarshal(msg.Data, &ticker); err != nil {
			return
		}
		symbol := topicSymbol(msg.Topic)

		w.handlerMu.RLock()
		handlers := w.tickerHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(symbol, ticker)
		}

	case "trade.l2update":
		var update WSLevel2Update
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			return
		}

		w.handlerMu.RLock()
		handlers := w.l2Handlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(update)
		}

	case "trade.l3match":
		var match WSMatch
		if err := json.Unmarshal(msg.Data, &match); err != nil {
			return
		}

		w.handlerMu.RLock()
		handlers := w.matchHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(match)
		}

	case "trade.candles.update", "trade.candles.add":
		var candles WSCandles
		if err := json.Unmarshal(msg.Data, &candles); err != nil {
			return
		}
		closed := msg.Subject == "trade.candles.add"
		intervalName := topicCandleInterval(msg.Topic)

		w.handlerMu.RLock()
		handlers := w.candleHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(candles, intervalName, closed)
		}

	case "orderChange":
		var change WSOrderChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			return
		}

		w.handlerMu.RLock()
		handlers := w.orderHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(change)
		}

	case "account.balance":
		var balance WSBalanceChange
		if err := json.Unmarshal(msg.Data, &balance); err != nil {
			return
		}

		w.handlerMu.RLock()
		handlers := w.balanceHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(balance)
		}
	}
}

// topicSymbol extracts the symbol from a topic like
// "/market/ticker:BTC-USDT".
func topicSymbol(topic string) string {
	if i := strings.LastIndexByte(topic, ':'); i >= 0 {
		return topic[i+1:]
	}
	return ""
}

// topicCandleInterval extracts the interval notation from a candle topic
// like "/market/candles:BTC-USDT_1min".
func topicCandleInterval(topic string) string {
	suffix := topicSymbol(topic)
	if i := strings.LastIndexByte(suffix, '_'); i >= 0 {
		return suffix[i+1:]
	}
	return ""
}

// reconnect attempts to re-establish the WebSocket connection with
// exponential backoff. It blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		// Exponential backoff.
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
