package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coinalpha/hbot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each venue
// mid price is stored at "hbot:mid:{exchange}:{pair}" with fields "mid"
// and "ts" (Unix nanosecond timestamp), so other processes (dashboards,
// a second instance in record mode) see the same prices the bot trades
// on.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func midKey(exchange string, pair domain.TradingPair) string {
	return "hbot:mid:" + exchange + ":" + string(pair)
}

// SetMid stores the latest mid price for a venue pair.
func (pc *PriceCache) SetMid(ctx context.Context, exchange string, pair domain.TradingPair, price float64, ts time.Time) error {
	fields := map[string]interface{}{
		"mid": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":  strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, midKey(exchange, pair), fields).Err(); err != nil {
		return fmt.Errorf("redis: set mid %s %s: %w", exchange, pair, err)
	}
	return nil
}

// GetMid retrieves the latest mid price and its timestamp for a venue
// pair. It returns domain.ErrNotFound when no price has been published.
func (pc *PriceCache) GetMid(ctx context.Context, exchange string, pair domain.TradingPair) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, midKey(exchange, pair)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get mid %s %s: %w", exchange, pair, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	midStr, ok := vals["mid"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	mid, err := strconv.ParseFloat(midStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse mid %s %s: %w", exchange, pair, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse mid ts %s %s: %w", exchange, pair, err)
	}

	return mid, time.Unix(0, tsNano), nil
}

// GetMids retrieves the latest mids for multiple pairs on one venue using
// a pipeline. Pairs with no published price are omitted from the result.
func (pc *PriceCache) GetMids(ctx context.Context, exchange string, pairs []domain.TradingPair) (map[domain.TradingPair]float64, error) {
	if len(pairs) == 0 {
		return map[domain.TradingPair]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[domain.TradingPair]*redis.MapStringStringCmd, len(pairs))
	for _, pair := range pairs {
		cmds[pair] = pipe.HGetAll(ctx, midKey(exchange, pair))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get mids %s: %w", exchange, err)
	}

	result := make(map[domain.TradingPair]float64, len(pairs))
	for pair, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		midStr, ok := vals["mid"]
		if !ok {
			continue
		}
		mid, err := strconv.ParseFloat(midStr, 64)
		if err != nil {
			continue
		}
		result[pair] = mid
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
