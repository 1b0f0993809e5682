// Package postgres implements domain store interfaces using PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ClientConfig holds connection parameters for the PostgreSQL client.
type ClientConfig struct {
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN builds a PostgreSQL connection string from the given config.
func DSN(cfg ClientConfig) string {
	if strings.TrimSpace(cfg.DSN) != "" {
		return cfg.DSN
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, port, cfg.Database, sslMode,
	)
}

// Client wraps a pgxpool.Pool and owns the schema.
type Client struct {
	pool *pgxpool.Pool
}

// New creates a new Client with a connection pool configured from cfg.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	dsn := DSN(cfg)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	// Prefer IPv4 when possible, but gracefully handle IPv6-only endpoints
	// (for example Supabase hosts that resolve to AAAA records).
	poolCfg.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("postgres: split host/port %q: %w", addr, err)
		}

		dialer := &net.Dialer{}

		// If pgx already passed an IP literal, dial with the matching family.
		if ip := net.ParseIP(host); ip != nil {
			if ip.To4() != nil {
				return dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port))
			}
			return dialer.DialContext(ctx, "tcp6", net.JoinHostPort(ip.String(), port))
		}

		// Prefer IPv4 first.
		ipv4s, err4 := net.DefaultResolver.LookupIP(ctx, "ip4", host)
		for _, ip := range ipv4s {
			conn, dialErr := dialer.DialContext(ctx, "tcp4", net.JoinHostPort(ip.String(), port))
			if dialErr == nil {
				return conn, nil
			}
		}

		// Fallback: let the system resolver/dialer handle dual-stack targets.
		conn, err := dialer.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}

		if err4 != nil {
			return nil, fmt.Errorf("postgres: dial %q failed (ipv4 lookup=%v, fallback=%w)", addr, err4, err)
		}
		return nil, fmt.Errorf("postgres: dial %q failed: %w", addr, errors.Join(err4, err))
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Client{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close shuts down the connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// schemaDDL holds the full schema as idempotent statements. Every statement
// uses IF NOT EXISTS so EnsureSchema can run unconditionally on startup;
// column changes still need a manual migration, additions here are free.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		exchange        TEXT        NOT NULL,
		client_order_id TEXT        NOT NULL,
		trading_pair    TEXT        NOT NULL,
		state           TEXT        NOT NULL,
		strategy        TEXT        NOT NULL DEFAULT '',
		snapshot        JSONB       NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (exchange, client_order_id)
	)`,
	`CREATE INDEX IF NOT EXISTS orders_state_idx ON orders (exchange, state)`,
	`CREATE INDEX IF NOT EXISTS orders_updated_idx ON orders (updated_at)`,

	`CREATE TABLE IF NOT EXISTS fills (
		id                BIGSERIAL   PRIMARY KEY,
		exchange          TEXT        NOT NULL,
		trade_id          TEXT        NOT NULL,
		client_order_id   TEXT        NOT NULL,
		exchange_order_id TEXT        NOT NULL DEFAULT '',
		trading_pair      TEXT        NOT NULL,
		trade_type        TEXT        NOT NULL,
		order_type        TEXT        NOT NULL,
		price             NUMERIC     NOT NULL,
		amount            NUMERIC     NOT NULL,
		quote_amount      NUMERIC     NOT NULL,
		fee_asset         TEXT        NOT NULL DEFAULT '',
		fee_amount        NUMERIC     NOT NULL DEFAULT 0,
		strategy          TEXT        NOT NULL DEFAULT '',
		timestamp         TIMESTAMPTZ NOT NULL
	)`,
	// The unique index is the last line of fill dedup defense: an exchange
	// replaying a trade over REST and WS lands on the same (exchange,
	// trade_id) and the second insert is a no-op.
	`CREATE UNIQUE INDEX IF NOT EXISTS fills_trade_idx ON fills (exchange, trade_id)`,
	`CREATE INDEX IF NOT EXISTS fills_order_idx ON fills (client_order_id)`,
	`CREATE INDEX IF NOT EXISTS fills_timestamp_idx ON fills (timestamp)`,

	`CREATE TABLE IF NOT EXISTS candles (
		exchange     TEXT             NOT NULL,
		trading_pair TEXT             NOT NULL,
		interval_sec BIGINT           NOT NULL,
		open_time    TIMESTAMPTZ      NOT NULL,
		open         DOUBLE PRECISION NOT NULL,
		high         DOUBLE PRECISION NOT NULL,
		low          DOUBLE PRECISION NOT NULL,
		close        DOUBLE PRECISION NOT NULL,
		volume       DOUBLE PRECISION NOT NULL,
		quote_volume DOUBLE PRECISION NOT NULL,
		trade_count  BIGINT           NOT NULL DEFAULT 0,
		PRIMARY KEY (exchange, trading_pair, interval_sec, open_time)
	)`,

	`CREATE TABLE IF NOT EXISTS trading_rules (
		exchange       TEXT        NOT NULL,
		trading_pair   TEXT        NOT NULL,
		min_order_size NUMERIC     NOT NULL,
		max_order_size NUMERIC     NOT NULL DEFAULT 0,
		tick_size      NUMERIC     NOT NULL,
		step_size      NUMERIC     NOT NULL,
		min_notional   NUMERIC     NOT NULL,
		supports_maker BOOLEAN     NOT NULL DEFAULT FALSE,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (exchange, trading_pair)
	)`,

	`CREATE TABLE IF NOT EXISTS strategy_configs (
		name        TEXT        PRIMARY KEY,
		config_json JSONB       NOT NULL DEFAULT '{}',
		enabled     BOOLEAN     NOT NULL DEFAULT FALSE,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS audit_log (
		id         BIGSERIAL   PRIMARY KEY,
		event      TEXT        NOT NULL,
		detail     JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_created_idx ON audit_log (created_at)`,
}

// EnsureSchema creates any missing tables and indexes. Call once on startup
// before handing the pool to the stores.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := c.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}
