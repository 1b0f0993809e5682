package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
//
// The fills table carries a unique index on (exchange, trade_id); Insert
// surfaces a conflict as domain.ErrAlreadyExists so callers can tell a
// replayed fill from a new one without a prior read.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Decimal columns are selected as text and parsed in the scan helper, the
// same way amounts are written (as their canonical string form).
const fillSelectCols = `id, exchange, trade_id, client_order_id, exchange_order_id,
	trading_pair, trade_type, order_type,
	price::text, amount::text, quote_amount::text,
	fee_asset, fee_amount::text, strategy, timestamp`

func scanFillFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Fill, error) {
	var f domain.Fill
	var pair, tradeType, orderType string
	var price, amount, quoteAmount, feeAmount string

	err := scanner.Scan(
		&f.ID, &f.Exchange, &f.TradeID, &f.ClientOrderID, &f.ExchangeOrderID,
		&pair, &tradeType, &orderType,
		&price, &amount, &quoteAmount,
		&f.FeeAsset, &feeAmount, &f.Strategy, &f.Timestamp,
	)
	if err != nil {
		return domain.Fill{}, err
	}

	f.TradingPair = domain.TradingPair(pair)
	f.TradeType = domain.TradeType(tradeType)
	f.OrderType = domain.OrderType(orderType)

	for _, col := range []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&f.Price, price},
		{&f.Amount, amount},
		{&f.QuoteAmount, quoteAmount},
		{&f.FeeAmount, feeAmount},
	} {
		d, err := decimal.NewFromString(col.raw)
		if err != nil {
			return domain.Fill{}, fmt.Errorf("parse decimal %q: %w", col.raw, err)
		}
		*col.dst = d
	}

	return f, nil
}

func scanFillRows(rows pgx.Rows) ([]domain.Fill, error) {
	var fills []domain.Fill
	for rows.Next() {
		f, err := scanFillFromRow(rows)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Insert records one trade fill. A fill whose (exchange, trade_id) was seen
// before is not written and reported as domain.ErrAlreadyExists.
func (s *FillStore) Insert(ctx context.Context, fill domain.Fill) error {
	const query = `
		INSERT INTO fills (
			exchange, trade_id, client_order_id, exchange_order_id,
			trading_pair, trade_type, order_type,
			price, amount, quote_amount,
			fee_asset, fee_amount, strategy, timestamp
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14
		) ON CONFLICT (exchange, trade_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		fill.Exchange, fill.TradeID, fill.ClientOrderID, fill.ExchangeOrderID,
		string(fill.TradingPair), string(fill.TradeType), string(fill.OrderType),
		fill.Price.String(), fill.Amount.String(), fill.QuoteAmount.String(),
		fill.FeeAsset, fill.FeeAmount.String(), fill.Strategy, fill.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fill %s/%s: %w", fill.Exchange, fill.TradeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// ListByOrder returns all fills for one client order, oldest first.
func (s *FillStore) ListByOrder(ctx context.Context, clientOrderID string) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills
		 WHERE client_order_id = $1
		 ORDER BY timestamp ASC, id ASC`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills by order: %w", err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills by order: %w", err)
	}
	return fills, nil
}

// ListRecent returns fills newest first with pagination and optional time filtering.
func (s *FillStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Fill, error) {
	query := `SELECT ` + fillSelectCols + ` FROM fills WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent fills: %w", err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent fills: %w", err)
	}
	return fills, nil
}

// ListBefore returns all fills with timestamp strictly before the given time (for archiving).
func (s *FillStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fills WHERE timestamp < $1 ORDER BY timestamp ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills before: %w", err)
	}
	defer rows.Close()
	return scanFillRows(rows)
}

// SumQuoteVolume returns the total quote notional traded since the given time.
// The risk service uses this for session volume limits; float64 precision is
// fine for a threshold check.
func (s *FillStore) SumQuoteVolume(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quote_amount), 0)::float8 FROM fills WHERE timestamp >= $1`,
		since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum quote volume: %w", err)
	}
	return total, nil
}
