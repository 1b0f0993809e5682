package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coinalpha/hbot/internal/domain"
)

const (
	// DefaultWSURL is the combined-stream endpoint for spot market data.
	DefaultWSURL = "wss://stream.binance.com:9443/stream"

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// StreamName builds a combined-stream name, e.g. "btcusdt@depth@100ms".
func StreamName(symbol, channel string) string {
	return strings.ToLower(symbol) + "@" + channel
}

// DepthHandler is called for every incremental depth event.
type DepthHandler func(WSDepthUpdate)

// TradeHandler is called for every public trade event.
type TradeHandler func(WSTrade)

// BookTickerHandler is called for every best bid/ask event.
type BookTickerHandler func(WSBookTicker)

// KlineHandler is called for every candle event.
type KlineHandler func(WSKline)

// wsCommand is the JSON payload for live subscription management.
type wsCommand struct {
	Method string   `json:"method"` // "SUBSCRIBE" or "UNSUBSCRIBE"
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// WSClient is a WebSocket client for the Binance combined market data
// streams. It manages the connection lifecycle, subscriptions, and
// dispatches messages to registered handlers.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool
	nextID int64

	// Stream names to restore on reconnect.
	subscriptions []string

	// Handlers
	depthHandlers  []DepthHandler
	tradeHandlers  []TradeHandler
	tickerHandlers []BookTickerHandler
	klineHandlers  []KlineHandler
	handlerMu      sync.RWMutex

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a market data WebSocket client. wsURL defaults to
// the production combined-stream endpoint when empty.
func NewWSClient(wsURL string) *WSClient {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &WSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("binance/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}

	w.conn = conn

	// Keep-alive: refresh the read deadline on pongs and on the server's
	// own pings (Binance pings every few minutes).
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	w.conn.SetPingHandler(func(appData string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return w.conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	// Start the read loop and ping loop.
	go w.readLoop()
	go w.pingLoop()

	// Restore any previous subscriptions after reconnect.
	if len(w.subscriptions) > 0 {
		if err := w.sendCommand(wsCommand{
			Method: "SUBSCRIBE",
			Params: w.subscriptions,
			ID:     w.commandID(),
		}); err != nil {
			return fmt.Errorf("binance/ws: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to the given stream names, e.g.
// []string{"btcusdt@depth@100ms", "btcusdt@trade"}.
func (w *WSClient) Subscribe(ctx context.Context, streams []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("binance/ws: not connected")
	}

	if err := w.sendCommand(wsCommand{
		Method: "SUBSCRIBE",
		Params: streams,
		ID:     w.commandID(),
	}); err != nil {
		return fmt.Errorf("binance/ws: subscribe: %w", err)
	}

	// Track subscriptions for reconnection.
	w.subscriptions = append(w.subscriptions, streams...)
	return nil
}

// Unsubscribe removes the given stream names.
func (w *WSClient) Unsubscribe(ctx context.Context, streams []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("binance/ws: not connected")
	}

	if err := w.sendCommand(wsCommand{
		Method: "UNSUBSCRIBE",
		Params: streams,
		ID:     w.commandID(),
	}); err != nil {
		return fmt.Errorf("binance/ws: unsubscribe: %w", err)
	}

	drop := make(map[string]struct{}, len(streams))
	for _, s := range streams {
		drop[s] = struct{}{}
	}
	filtered := w.subscriptions[:0]
	for _, s := range w.subscriptions {
		if _, found := drop[s]; !found {
			filtered = append(filtered, s)
		}
	}
	w.subscriptions = filtered

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

// OnDepthUpdate registers a handler for incremental depth events.
func (w *WSClient) OnDepthUpdate(handler DepthHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.depthHandlers = append(w.depthHandlers, handler)
}

// OnTrade registers a handler for public trade events.
func (w *WSClient) OnTrade(handler TradeHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.tradeHandlers = append(w.tradeHandlers, handler)
}

// OnBookTicker registers a handler for best bid/ask events.
func (w *WSClient) OnBookTicker(handler BookTickerHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.tickerHandlers = append(w.tickerHandlers, handler)
}

// OnKline registers a handler for candle events.
func (w *WSClient) OnKline(handler KlineHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.klineHandlers = append(w.klineHandlers, handler)
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// commandID returns a fresh id for a subscription command. Caller must
// hold w.mu.
func (w *WSClient) commandID() int64 {
	w.nextID++
	return w.nextID
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
// them to the appropriate handlers. It runs in its own goroutine.
// On disconnect, it attempts to reconnect with exponential backoff.
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
		w.mu.RUnlock()

		if conn == nil {
			return
		}

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

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a combined-stream frame and routes the payload to
// the appropriate handler based on the stream name.
func (w *WSClient) handleMessage(raw []byte) {
	var envelope WSEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // Silently drop unparseable messages.
	}
	if envelope.Stream == "" {
		return // Subscription acks have no stream field.
	}

	// Stream names look like "btcusdt@depth@100ms" or "btcusdt@kline_1m".
	parts := strings.SplitN(envelope.Stream, "@", 3)
	if len(parts) < 2 {
		return
	}
	channel := parts[1]

	switch {
	case channel == "depth":
		var depth WSDepthUpdate
		if err := json.Unmarshal(envelope.Data, &depth); err != nil {
			return
		}

		w.handlerMu.RLock()
		handlers := w.depthHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(depth)
		}

	case channel == "trade":
		var trade WSTrade
		if err := json.Unmarshal(envelope.Data, &trade); err != nil {
			return
		}

		w.handlerMu.RLock()
		handlers := w.tradeHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(trade)
		}

	case channel == "bookTicker":
		var ticker WSBookTicker
		if err := json.Unmarshal(envelope.Data, &ticker); err != nil {
			return
		}

		w.handlerMu.RLock()
		handlers := w.tickerHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(ticker)
		}

	case strings.HasPrefix(channel, "kline_"):
		var kline WSKline
		if err := json.Unmarshal(envelope.Data, &kline); err != nil {
			return
		}

		w.handlerMu.RLock()
		handlers := w.klineHandlers
		w.handlerMu.RUnlock()

		for _, h := range handlers {
			h(kline)
		}
	}
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
