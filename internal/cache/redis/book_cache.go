package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coinalpha/hbot/internal/domain"
)

// topTTL bounds how long a published top survives without refresh. A
// stale top is worse than a missing one for anything sizing an order
// against it.
const topTTL = 10 * time.Second

// BookCache implements domain.BookCache using JSON-serialized snapshots
// at "hbot:top:{exchange}:{pair}" with a short TTL. Full depth stays in
// process; only the touch is shared across processes.
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func topKey(exchange string, pair domain.TradingPair) string {
	return "hbot:top:" + exchange + ":" + string(pair)
}

// SetTop publishes the current top-of-book for a venue pair.
func (bc *BookCache) SetTop(ctx context.Context, snap domain.PriceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal top %s %s: %w", snap.Exchange, snap.TradingPair, err)
	}
	if err := bc.rdb.Set(ctx, topKey(snap.Exchange, snap.TradingPair), data, topTTL).Err(); err != nil {
		return fmt.Errorf("redis: set top %s %s: %w", snap.Exchange, snap.TradingPair, err)
	}
	return nil
}

// GetTop retrieves the last published top for a venue pair. It returns
// domain.ErrNotFound when no top is cached or the entry has expired.
func (bc *BookCache) GetTop(ctx context.Context, exchange string, pair domain.TradingPair) (domain.PriceSnapshot, error) {
	data, err := bc.rdb.Get(ctx, topKey(exchange, pair)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PriceSnapshot{}, domain.ErrNotFound
		}
		return domain.PriceSnapshot{}, fmt.Errorf("redis: get top %s %s: %w", exchange, pair, err)
	}

	var snap domain.PriceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("redis: unmarshal top %s %s: %w", exchange, pair, err)
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
