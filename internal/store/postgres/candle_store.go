package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinalpha/hbot/internal/domain"
)

// CandleStore implements domain.CandleStore using PostgreSQL.
//
// Only closed candles are persisted; the table key is the bucket identity
// (exchange, pair, interval, open time) and re-persisting after a backfill
// overwrites in place.
type CandleStore struct {
	pool *pgxpool.Pool
}

// NewCandleStore creates a new CandleStore backed by the given connection pool.
func NewCandleStore(pool *pgxpool.Pool) *CandleStore {
	return &CandleStore{pool: pool}
}

const candleSelectCols = `exchange, trading_pair, interval_sec, open_time,
	open, high, low, close, volume, quote_volume, trade_count`

func scanCandleRows(rows pgx.Rows) ([]domain.Candle, error) {
	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var pair string
		var intervalSec int64
		if err := rows.Scan(
			&c.Exchange, &pair, &intervalSec, &c.OpenTime,
			&c.Open, &c.High, &c.Low, &c.Close,
			&c.Volume, &c.QuoteVolume, &c.TradeCount,
		); err != nil {
			return nil, err
		}
		c.TradingPair = domain.TradingPair(pair)
		c.Interval = domain.CandleInterval(time.Duration(intervalSec) * time.Second)
		c.Closed = true
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// InsertBatch writes multiple closed candles in a single batch. Rewriting an
// existing bucket replaces it, so a backfill after reconnect is safe to
// persist unconditionally.
func (s *CandleStore) InsertBatch(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO candles (
			exchange, trading_pair, interval_sec, open_time,
			open, high, low, close, volume, quote_volume, trade_count
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (exchange, trading_pair, interval_sec, open_time) DO UPDATE SET
			open         = EXCLUDED.open,
			high         = EXCLUDED.high,
			low          = EXCLUDED.low,
			close        = EXCLUDED.close,
			volume       = EXCLUDED.volume,
			quote_volume = EXCLUDED.quote_volume,
			trade_count  = EXCLUDED.trade_count`

	for _, c := range candles {
		batch.Queue(query,
			c.Exchange, string(c.TradingPair),
			int64(time.Duration(c.Interval)/time.Second), c.OpenTime,
			c.Open, c.High, c.Low, c.Close,
			c.Volume, c.QuoteVolume, c.TradeCount,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range candles {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert candle batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListRange returns the candles of one series inside [from, to], oldest first.
func (s *CandleStore) ListRange(
	ctx context.Context,
	exchange string,
	pair domain.TradingPair,
	interval domain.CandleInterval,
	from, to time.Time,
) ([]domain.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candleSelectCols+` FROM candles
		 WHERE exchange = $1 AND trading_pair = $2 AND interval_sec = $3
		   AND open_time >= $4 AND open_time <= $5
		 ORDER BY open_time ASC`,
		exchange, string(pair), int64(time.Duration(interval)/time.Second), from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candle range: %w", err)
	}
	defer rows.Close()

	candles, err := scanCandleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan candle range: %w", err)
	}
	return candles, nil
}

// ListBefore returns all candles whose bucket opened strictly before the
// given time (for archiving).
func (s *CandleStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candleSelectCols+` FROM candles WHERE open_time < $1 ORDER BY open_time ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candles before: %w", err)
	}
	defer rows.Close()
	return scanCandleRows(rows)
}
