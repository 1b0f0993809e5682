package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinalpha/hbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
//
// One row per tracked order, keyed by (exchange, client_order_id). The
// snapshot column carries the full in-flight order as JSON so a restart can
// rebuild tracking state; the flat columns exist only for filtering.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `exchange, client_order_id, trading_pair, state,
	strategy, snapshot, created_at, updated_at`

func scanTrackedOrderFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.TrackedOrderRecord, error) {
	var rec domain.TrackedOrderRecord
	var pair string

	err := scanner.Scan(
		&rec.Exchange, &rec.ClientOrderID, &pair, &rec.State,
		&rec.Strategy, &rec.Snapshot, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return domain.TrackedOrderRecord{}, err
	}

	rec.TradingPair = domain.TradingPair(pair)
	return rec, nil
}

func scanTrackedOrderRows(rows pgx.Rows) ([]domain.TrackedOrderRecord, error) {
	var recs []domain.TrackedOrderRecord
	for rows.Next() {
		rec, err := scanTrackedOrderFromRow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Upsert writes the latest snapshot of a tracked order. Every tracker state
// transition calls this, so the ON CONFLICT branch is the common path.
func (s *OrderStore) Upsert(ctx context.Context, rec domain.TrackedOrderRecord) error {
	const query = `
		INSERT INTO orders (
			exchange, client_order_id, trading_pair, state,
			strategy, snapshot, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, NOW()
		)
		ON CONFLICT (exchange, client_order_id) DO UPDATE SET
			state      = EXCLUDED.state,
			snapshot   = EXCLUDED.snapshot,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		rec.Exchange, rec.ClientOrderID, string(rec.TradingPair), rec.State,
		rec.Strategy, rec.Snapshot, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", rec.ClientOrderID, err)
	}
	return nil
}

// Get retrieves a single tracked order.
func (s *OrderStore) Get(ctx context.Context, exchange, clientOrderID string) (domain.TrackedOrderRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE exchange = $1 AND client_order_id = $2`,
		exchange, clientOrderID)

	rec, err := scanTrackedOrderFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.TrackedOrderRecord{}, domain.ErrNotFound
		}
		return domain.TrackedOrderRecord{}, fmt.Errorf("postgres: get order %s: %w", clientOrderID, err)
	}
	return rec, nil
}

// ListActive returns the orders still in a live state for one exchange.
// This is the startup recovery query: the tracker replays these snapshots
// before the connector reconciles them against the venue.
func (s *OrderStore) ListActive(ctx context.Context, exchange string) ([]domain.TrackedOrderRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE exchange = $1
		   AND state IN ('PENDING_CREATE', 'OPEN', 'PARTIALLY_FILLED', 'PENDING_CANCEL')
		 ORDER BY created_at ASC`, exchange)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active orders: %w", err)
	}
	defer rows.Close()

	recs, err := scanTrackedOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active orders: %w", err)
	}
	return recs, nil
}

// ListBefore returns terminal orders last touched strictly before the given
// cutoff (for archiving). Live orders are never listed regardless of age.
func (s *OrderStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TrackedOrderRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders
		 WHERE state IN ('FILLED', 'CANCELLED', 'FAILED') AND updated_at < $1
		 ORDER BY updated_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders before: %w", err)
	}
	defer rows.Close()

	recs, err := scanTrackedOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders before: %w", err)
	}
	return recs, nil
}

// Delete removes a tracked order row.
func (s *OrderStore) Delete(ctx context.Context, exchange, clientOrderID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM orders WHERE exchange = $1 AND client_order_id = $2`,
		exchange, clientOrderID)
	if err != nil {
		return fmt.Errorf("postgres: delete order %s: %w", clientOrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
