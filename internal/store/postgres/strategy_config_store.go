package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coinalpha/hbot/internal/domain"
)

// StrategyConfigStore implements domain.StrategyConfigStore using PostgreSQL.
// Parameters live in a JSONB column so each strategy can carry its own shape
// without schema churn; enabled is flat because activation flips it alone.
type StrategyConfigStore struct {
	pool *pgxpool.Pool
}

// NewStrategyConfigStore creates a new StrategyConfigStore backed by the given connection pool.
func NewStrategyConfigStore(pool *pgxpool.Pool) *StrategyConfigStore {
	return &StrategyConfigStore{pool: pool}
}

const strategyConfigSelectCols = `name, config_json, enabled, updated_at`

func scanStrategyConfigFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.StrategyConfig, error) {
	var cfg domain.StrategyConfig
	var configJSON []byte

	if err := scanner.Scan(&cfg.Name, &configJSON, &cfg.Enabled, &cfg.UpdatedAt); err != nil {
		return domain.StrategyConfig{}, err
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &cfg.Config); err != nil {
			return domain.StrategyConfig{}, fmt.Errorf("unmarshal strategy config: %w", err)
		}
	}
	return cfg, nil
}

// Get retrieves a single strategy configuration by name.
func (s *StrategyConfigStore) Get(ctx context.Context, name string) (domain.StrategyConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategyConfigSelectCols+` FROM strategy_configs WHERE name = $1`, name)

	cfg, err := scanStrategyConfigFromRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.StrategyConfig{}, domain.ErrNotFound
		}
		return domain.StrategyConfig{}, fmt.Errorf("postgres: get strategy config %s: %w", name, err)
	}
	return cfg, nil
}

// Upsert inserts or updates a strategy configuration.
func (s *StrategyConfigStore) Upsert(ctx context.Context, cfg domain.StrategyConfig) error {
	configJSON, err := json.Marshal(cfg.Config)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy config %s: %w", cfg.Name, err)
	}

	const query = `
		INSERT INTO strategy_configs (name, config_json, enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name) DO UPDATE SET
			config_json = EXCLUDED.config_json,
			enabled     = EXCLUDED.enabled,
			updated_at  = NOW()`

	_, err = s.pool.Exec(ctx, query, cfg.Name, configJSON, cfg.Enabled)
	if err != nil {
		return fmt.Errorf("postgres: upsert strategy config %s: %w", cfg.Name, err)
	}
	return nil
}

// SetEnabled flips the enabled flag without touching parameters, so
// activating a strategy cannot race a concurrent parameter edit.
func (s *StrategyConfigStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategy_configs SET enabled = $1, updated_at = NOW() WHERE name = $2`,
		enabled, name)
	if err != nil {
		return fmt.Errorf("postgres: set strategy %s enabled: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns all strategy configurations ordered by name.
func (s *StrategyConfigStore) List(ctx context.Context) ([]domain.StrategyConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategyConfigSelectCols+` FROM strategy_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategy configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.StrategyConfig
	for rows.Next() {
		cfg, err := scanStrategyConfigFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategy configs rows: %w", err)
	}
	return configs, nil
}
