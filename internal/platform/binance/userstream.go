package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultUserWSURL is the raw-stream endpoint user data sockets attach to.
	DefaultUserWSURL = "wss://stream.binance.com:9443/ws"

	// listenKeyKeepAlive is how often the listen key is refreshed. Binance
	// expires keys after 60 minutes without a keepalive.
	listenKeyKeepAlive = 30 * time.Minute
)

// ExecutionReportHandler is called for every order event on the user stream.
type ExecutionReportHandler func(WSExecutionReport)

// AccountPositionHandler is called for every balance event on the user stream.
type AccountPositionHandler func(WSAccountPosition)

// UserStream pumps the Binance user data stream: it owns the listen key
// lifecycle and dispatches order and balance events to registered handlers.
type UserStream struct {
	rest   *RestClient
	wsBase string

	execHandlers []ExecutionReportHandler
	acctHandlers []AccountPositionHandler
	handlerMu    sync.RWMutex
}

// NewUserStream creates a user data stream client. wsBase defaults to the
// production raw-stream endpoint when empty.
func NewUserStream(rest *RestClient, wsBase string) *UserStream {
	if wsBase == "" {
		wsBase = DefaultUserWSURL
	}
	return &UserStream{rest: rest, wsBase: wsBase}
}

// OnExecutionReport registers a handler for order events.
func (u *UserStream) OnExecutionReport(handler ExecutionReportHandler) {
	u.handlerMu.Lock()
	defer u.handlerMu.Unlock()
	u.execHandlers = append(u.execHandlers, handler)
}

// OnAccountPosition registers a handler for balance events.
func (u *UserStream) OnAccountPosition(handler AccountPositionHandler) {
	u.handlerMu.Lock()
	defer u.handlerMu.Unlock()
	u.acctHandlers = append(u.acctHandlers, handler)
}

// Run connects and pumps the user stream until ctx is cancelled,
// re-acquiring the listen key and reconnecting with exponential backoff
// after failures. It always returns ctx.Err() on shutdown.
func (u *UserStream) Run(ctx context.Context) error {
	delay := reconnectDelay

	for {
		started := time.Now()
		err := u.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = err

		// A session that survived a while earns a fresh backoff.
		if time.Since(started) > time.Minute {
			delay = reconnectDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// runOnce holds one listen key and one socket until either fails.
func (u *UserStream) runOnce(ctx context.Context) error {
	listenKey, err := u.rest.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("binance/userstream: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = u.rest.CloseListenKey(closeCtx, listenKey)
	}()

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.wsBase+"/"+listenKey, nil)
	if err != nil {
		return fmt.Errorf("binance/userstream: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	// Keepalive and liveness pings run until the session ends.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		keepalive := time.NewTicker(listenKeyKeepAlive)
		defer keepalive.Stop()
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-keepalive.C:
				_ = u.rest.KeepAliveListenKey(sessionCtx, listenKey)
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Unblock the read loop on cancellation.
	go func() {
		<-sessionCtx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("binance/userstream: read: %w", err)
		}
		u.handleMessage(message)
	}
}

// handleMessage routes a user stream event by its "e" type tag.
func (u *UserStream) handleMessage(raw []byte) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // Silently drop unparseable messages.
	}

	switch envelope.EventType {
	case "executionReport":
		var report WSExecutionReport
		if err := json.Unmarshal(raw, &report); err != nil {
			return
		}

		u.handlerMu.RLock()
		handlers := u.execHandlers
		u.handlerMu.RUnlock()

		for _, h := range handlers {
			h(report)
		}

	case "outboundAccountPosition":
		var position WSAccountPosition
		if err := json.Unmarshal(raw, &position); err != nil {
			return
		}

		u.handlerMu.RLock()
		handlers := u.acctHandlers
		u.handlerMu.RUnlock()

		for _, h := range handlers {
			h(position)
		}
	}
}
