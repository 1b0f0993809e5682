package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// RuleStore implements domain.RuleStore using PostgreSQL. It is the durable
// copy of each venue's trading rules; the live copy sits inside the
// connector and is refreshed by the market service sync loop.
type RuleStore struct {
	pool *pgxpool.Pool
}

// NewRuleStore creates a new RuleStore backed by the given connection pool.
func NewRuleStore(pool *pgxpool.Pool) *RuleStore {
	return &RuleStore{pool: pool}
}

// UpsertBatch writes one exchange's rule set in a single batch.
func (s *RuleStore) UpsertBatch(ctx context.Context, exchange string, rules []domain.TradingRule) error {
	if len(rules) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trading_rules (
			exchange, trading_pair, min_order_size, max_order_size,
			tick_size, step_size, min_notional, supports_maker, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, NOW()
		)
		ON CONFLICT (exchange, trading_pair) DO UPDATE SET
			min_order_size = EXCLUDED.min_order_size,
			max_order_size = EXCLUDED.max_order_size,
			tick_size      = EXCLUDED.tick_size,
			step_size      = EXCLUDED.step_size,
			min_notional   = EXCLUDED.min_notional,
			supports_maker = EXCLUDED.supports_maker,
			updated_at     = NOW()`

	for _, r := range rules {
		batch.Queue(query,
			exchange, string(r.TradingPair),
			r.MinOrderSize.String(), r.MaxOrderSize.String(),
			r.TickSize.String(), r.StepSize.String(),
			r.MinNotional.String(), r.SupportsMaker,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range rules {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert rule batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListByExchange returns all persisted rules for one exchange.
func (s *RuleStore) ListByExchange(ctx context.Context, exchange string) ([]domain.TradingRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT trading_pair, min_order_size::text, max_order_size::text,
		        tick_size::text, step_size::text, min_notional::text, supports_maker
		 FROM trading_rules WHERE exchange = $1 ORDER BY trading_pair`, exchange)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rules for %s: %w", exchange, err)
	}
	defer rows.Close()

	var rules []domain.TradingRule
	for rows.Next() {
		var r domain.TradingRule
		var pair string
		var minSize, maxSize, tick, step, notional string

		if err := rows.Scan(&pair, &minSize, &maxSize, &tick, &step, &notional, &r.SupportsMaker); err != nil {
			return nil, fmt.Errorf("postgres: scan rule: %w", err)
		}

		r.TradingPair = domain.TradingPair(pair)
		for _, col := range []struct {
			dst *decimal.Decimal
			raw string
		}{
			{&r.MinOrderSize, minSize},
			{&r.MaxOrderSize, maxSize},
			{&r.TickSize, tick},
			{&r.StepSize, step},
			{&r.MinNotional, notional},
		} {
			d, err := decimal.NewFromString(col.raw)
			if err != nil {
				return nil, fmt.Errorf("postgres: parse rule decimal %q: %w", col.raw, err)
			}
			*col.dst = d
		}

		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rules rows: %w", err)
	}
	return rules, nil
}
