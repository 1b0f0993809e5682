// Package config defines the top-level configuration for the trading bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by HBOT_* environment variables.
type Config struct {
	App        AppConfig                  `toml:"app"`
	Binance    BinanceConfig              `toml:"binance"`
	Kucoin     KucoinConfig               `toml:"kucoin"`
	Gateway    GatewayConfig              `toml:"gateway"`
	Paper      PaperConfig                `toml:"paper"`
	Pairs      map[string][]string        `toml:"pairs"`
	Strategies map[string]StrategyConfig  `toml:"strategy"`
	Risk       RiskConfig                 `toml:"risk"`
	Postgres   PostgresConfig             `toml:"postgres"`
	Redis      RedisConfig                `toml:"redis"`
	S3         S3Config                   `toml:"s3"`
	Recorder   RecorderConfig             `toml:"recorder"`
	Oracle     OracleConfig               `toml:"oracle"`
	Server     ServerConfig               `toml:"server"`
	Notify     NotifyConfig               `toml:"notify"`
	Vault      VaultConfig                `toml:"vault"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	// Mode selects which subsystems run: trade, paper, monitor, record, full.
	Mode string `toml:"mode"`

	// InstanceID names this process for the distributed instance lock and
	// audit trail. Empty means the hostname.
	InstanceID string `toml:"instance_id"`

	LogLevel string `toml:"log_level"`

	// ActiveStrategies are the strategy names started at boot. Empty means
	// no strategy runs until one is activated over the API.
	ActiveStrategies []string `toml:"active_strategies"`
}

// BinanceConfig holds the Binance connector settings.
type BinanceConfig struct {
	Enabled   bool   `toml:"enabled"`
	ApiKey    string `toml:"api_key"`
	ApiSecret string `toml:"api_secret"`

	// RestURL, WSURL, and UserWSURL override the production endpoints,
	// e.g. for the spot testnet.
	RestURL   string `toml:"rest_url"`
	WSURL     string `toml:"ws_url"`
	UserWSURL string `toml:"user_ws_url"`

	PollInterval    duration `toml:"poll_interval"`
	BalanceInterval duration `toml:"balance_interval"`
	RuleInterval    duration `toml:"rule_interval"`
	SnapshotDepth   int      `toml:"snapshot_depth"`
}

// KucoinConfig holds the KuCoin connector settings.
type KucoinConfig struct {
	Enabled       bool   `toml:"enabled"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`

	RestURL string `toml:"rest_url"`

	PollInterval    duration `toml:"poll_interval"`
	BalanceInterval duration `toml:"balance_interval"`
	RuleInterval    duration `toml:"rule_interval"`

	// CandleIntervals subscribes the venue's own kline topics, e.g. ["1m"].
	CandleIntervals []string `toml:"candle_intervals"`

	// TakerFeePercent estimates fees for fills the private socket reports
	// without one. Zero means the venue base rate.
	TakerFeePercent float64 `toml:"taker_fee_percent"`
}

// GatewayConfig holds the on-chain AMM connector settings.
type GatewayConfig struct {
	Enabled bool   `toml:"enabled"`
	RPCURL  string `toml:"rpc_url"`
	ChainID int64  `toml:"chain_id"`

	// PrivateKey is the hex wallet key. Leave empty to resolve it from the
	// vault instead.
	PrivateKey string `toml:"private_key"`

	Pools []GatewayPoolConfig `toml:"pools"`
}

// GatewayPoolConfig describes one AMM pool the gateway connector trades.
type GatewayPoolConfig struct {
	TradingPair   string `toml:"trading_pair"`
	Address       string `toml:"address"`
	Router        string `toml:"router"`
	BaseAddress   string `toml:"base_address"`
	BaseDecimals  int    `toml:"base_decimals"`
	QuoteAddress  string `toml:"quote_address"`
	QuoteDecimals int    `toml:"quote_decimals"`
	BaseIsToken0  bool   `toml:"base_is_token0"`
	FeeBps        int    `toml:"fee_bps"`
}

// PaperConfig holds the simulated venue settings for paper mode.
type PaperConfig struct {
	// Source is the real venue whose market data feeds the simulation.
	Source string `toml:"source"`

	Latency         duration           `toml:"latency"`
	FeePercent      float64            `toml:"fee_percent"`
	InitialBalances map[string]float64 `toml:"initial_balances"`
}

// StrategyConfig holds one strategy's settings; the TOML table name is the
// strategy name, e.g. [strategy.pure_market_making].
type StrategyConfig struct {
	Exchange    string         `toml:"exchange"`
	TradingPair string         `toml:"trading_pair"`
	OrderAmount float64        `toml:"order_amount"`
	Params      map[string]any `toml:"params"`
}

// RiskConfig holds the pre-trade limits and the loss kill switch.
type RiskConfig struct {
	MaxOpenOrdersPerPair int     `toml:"max_open_orders_per_pair"`
	MaxOrderNotional     float64 `toml:"max_order_notional"`
	MaxSessionLossQuote  float64 `toml:"max_session_loss_quote"`

	// FeeBufferBps widens budget checks so taker fees never overdraw the
	// quote balance.
	FeeBufferBps float64 `toml:"fee_buffer_bps"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RecorderConfig holds the persistence pipeline settings.
type RecorderConfig struct {
	// CandleIntervals are the OHLCV series the aggregator folds from trades.
	CandleIntervals []string `toml:"candle_intervals"`

	// CandleCapacity caps the in-memory ring per series.
	CandleCapacity int `toml:"candle_capacity"`

	RuleSyncInterval     duration `toml:"rule_sync_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveCron          string   `toml:"archive_cron"`
}

// OracleConfig holds the fiat/crypto rate oracle settings.
type OracleConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
	ApiKey  string `toml:"api_key"`

	// ReportAsset is the asset PnL summaries are denominated in.
	ReportAsset string `toml:"report_asset"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`

	// APIKey protects mutating routes; empty disables auth.
	APIKey string `toml:"api_key"`

	// RateLimit is the per-IP request budget per window; zero disables it.
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// VaultConfig points at the encrypted credential vault. When Path is set,
// venue API keys left empty in their sections are resolved from the vault.
type VaultConfig struct {
	Path     string `toml:"path"`
	Password string `toml:"password"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		App: AppConfig{
			Mode:     "full",
			LogLevel: "info",
		},
		Binance: BinanceConfig{
			PollInterval:    duration{10 * time.Second},
			BalanceInterval: duration{30 * time.Second},
			RuleInterval:    duration{10 * time.Minute},
			SnapshotDepth:   1000,
		},
		Kucoin: KucoinConfig{
			PollInterval:    duration{10 * time.Second},
			BalanceInterval: duration{30 * time.Second},
			RuleInterval:    duration{10 * time.Minute},
			CandleIntervals: []string{"1m"},
		},
		Paper: PaperConfig{
			Source:     "binance",
			FeePercent: 0.1,
			InitialBalances: map[string]float64{
				"USDT": 10_000,
			},
		},
		Pairs: map[string][]string{},
		Strategies: map[string]StrategyConfig{
			"pure_market_making": {
				Exchange:    "binance",
				TradingPair: "ETH-USDT",
				OrderAmount: 0.05,
				Params:      map[string]any{},
			},
		},
		Risk: RiskConfig{
			MaxOpenOrdersPerPair: 10,
			MaxOrderNotional:     5_000,
			MaxSessionLossQuote:  500,
			FeeBufferBps:         10,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "hbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "hbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Recorder: RecorderConfig{
			CandleIntervals:      []string{"1m", "5m", "1h"},
			CandleCapacity:       1440,
			RuleSyncInterval:     duration{10 * time.Minute},
			ArchiveRetentionDays: 90,
			ArchiveCron:          "0 3 1 * *",
		},
		Oracle: OracleConfig{
			Enabled:     true,
			ReportAsset: "USDT",
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       50,
			RateLimitWindow: duration{time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"order_completed", "order_failed", "kill_switch", "error"},
		},
	}
}

// validModes enumerates the accepted values for AppConfig.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"paper":   true,
	"monitor": true,
	"record":  true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for AppConfig.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// TradesLive reports whether the mode places real orders on real venues.
func (c *Config) TradesLive() bool {
	m := strings.ToLower(c.App.Mode)
	return m == "trade" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.App.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("app: unknown mode %q (valid: trade, paper, monitor, record, full)", c.App.Mode))
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app: unknown log_level %q (valid: debug, info, warn, error)", c.App.LogLevel))
	}

	// Live trading needs at least one venue with credentials, either inline
	// or resolvable from the vault.
	if c.TradesLive() {
		anyVenue := c.Binance.Enabled || c.Kucoin.Enabled || c.Gateway.Enabled
		if !anyVenue {
			errs = append(errs, "at least one venue must be enabled for mode "+mode)
		}
		vaulted := c.Vault.Path != ""
		if c.Binance.Enabled && !vaulted && (c.Binance.ApiKey == "" || c.Binance.ApiSecret == "") {
			errs = append(errs, "binance: api_key and api_secret are required (or set vault.path)")
		}
		if c.Kucoin.Enabled && !vaulted && (c.Kucoin.ApiKey == "" || c.Kucoin.ApiSecret == "" || c.Kucoin.ApiPassphrase == "") {
			errs = append(errs, "kucoin: api_key, api_secret, and api_passphrase are required (or set vault.path)")
		}
		if c.Gateway.Enabled {
			if c.Gateway.RPCURL == "" {
				errs = append(errs, "gateway: rpc_url must not be empty")
			}
			if c.Gateway.ChainID <= 0 {
				errs = append(errs, "gateway: chain_id must be positive")
			}
			if c.Gateway.PrivateKey == "" && !vaulted {
				errs = append(errs, "gateway: private_key is required (or set vault.path)")
			}
			if len(c.Gateway.Pools) == 0 {
				errs = append(errs, "gateway: at least one pool must be configured")
			}
		}
	}

	if c.Vault.Path != "" && c.Vault.Password == "" {
		errs = append(errs, "vault: password is required when path is set")
	}

	// Every enabled venue needs pairs to stream.
	for _, venue := range []struct {
		name    string
		enabled bool
	}{
		{"binance", c.Binance.Enabled},
		{"kucoin", c.Kucoin.Enabled},
	} {
		if venue.enabled && mode != "record" && len(c.Pairs[venue.name]) == 0 {
			errs = append(errs, fmt.Sprintf("pairs: no trading pairs configured for enabled venue %q", venue.name))
		}
	}

	for name, s := range c.Strategies {
		if s.Exchange == "" {
			errs = append(errs, fmt.Sprintf("strategy.%s: exchange must not be empty", name))
		}
		if s.TradingPair == "" {
			errs = append(errs, fmt.Sprintf("strategy.%s: trading_pair must not be empty", name))
		}
		if s.OrderAmount <= 0 {
			errs = append(errs, fmt.Sprintf("strategy.%s: order_amount must be > 0", name))
		}
	}
	for _, active := range c.App.ActiveStrategies {
		if _, ok := c.Strategies[active]; !ok {
			errs = append(errs, fmt.Sprintf("app: active strategy %q has no [strategy.%s] table", active, active))
		}
	}

	if c.Risk.FeeBufferBps < 0 {
		errs = append(errs, "risk: fee_buffer_bps must be >= 0")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	if c.Recorder.ArchiveRetentionDays < 1 {
		errs = append(errs, "recorder: archive_retention_days must be >= 1")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
