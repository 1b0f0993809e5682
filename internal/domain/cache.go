package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest mid prices per venue.
type PriceCache interface {
	SetMid(ctx context.Context, exchange string, pair TradingPair, price float64, ts time.Time) error
	GetMid(ctx context.Context, exchange string, pair TradingPair) (float64, time.Time, error)
	GetMids(ctx context.Context, exchange string, pairs []TradingPair) (map[TradingPair]float64, error)
}

// BookCache stores live top-of-book state with a short TTL.
type BookCache interface {
	SetTop(ctx context.Context, snap PriceSnapshot) error
	GetTop(ctx context.Context, exchange string, pair TradingPair) (PriceSnapshot, error)
}

// RateLimiter provides distributed rate limiting. Binance-style venues
// weight each endpoint, so Allow takes the request's weight against the
// window budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string, weight, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, weight, limit int, window time.Duration) error
}

// LockManager provides distributed locking. A running bot holds an
// instance lock per account so two processes never trade it concurrently.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus provides pub/sub fan-out and durable streams for order events.
// Group reads hand each stream entry to exactly one consumer in the group
// and must be acknowledged once processed.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
	StreamReadGroup(ctx context.Context, stream, group, consumer string, count int) ([]StreamMessage, error)
	StreamAck(ctx context.Context, stream, group string, ids ...string) error
}
