package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration from the given TOML file (if it exists), applies
// environment variable overrides, and validates the result. A missing file is
// not an error; defaults plus environment variables are used instead.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, fmt.Errorf("decode config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	// Best effort; a missing .env file is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides mutates cfg with values from HBOT_* environment
// variables. Only variables that are set and non-empty take effect.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.App.Mode, "HBOT_MODE")
	setStr(&cfg.App.InstanceID, "HBOT_INSTANCE_ID")
	setStr(&cfg.App.LogLevel, "HBOT_LOG_LEVEL")
	setStringSlice(&cfg.App.ActiveStrategies, "HBOT_ACTIVE_STRATEGIES")

	setBool(&cfg.Binance.Enabled, "HBOT_BINANCE_ENABLED")
	setStr(&cfg.Binance.ApiKey, "HBOT_BINANCE_API_KEY")
	setStr(&cfg.Binance.ApiSecret, "HBOT_BINANCE_API_SECRET")
	setStr(&cfg.Binance.RestURL, "HBOT_BINANCE_REST_URL")
	setStr(&cfg.Binance.WSURL, "HBOT_BINANCE_WS_URL")
	setStr(&cfg.Binance.UserWSURL, "HBOT_BINANCE_USER_WS_URL")
	setDuration(&cfg.Binance.PollInterval, "HBOT_BINANCE_POLL_INTERVAL")

	setBool(&cfg.Kucoin.Enabled, "HBOT_KUCOIN_ENABLED")
	setStr(&cfg.Kucoin.ApiKey, "HBOT_KUCOIN_API_KEY")
	setStr(&cfg.Kucoin.ApiSecret, "HBOT_KUCOIN_API_SECRET")
	setStr(&cfg.Kucoin.ApiPassphrase, "HBOT_KUCOIN_API_PASSPHRASE")
	setStr(&cfg.Kucoin.RestURL, "HBOT_KUCOIN_REST_URL")
	setDuration(&cfg.Kucoin.PollInterval, "HBOT_KUCOIN_POLL_INTERVAL")

	setBool(&cfg.Gateway.Enabled, "HBOT_GATEWAY_ENABLED")
	setStr(&cfg.Gateway.RPCURL, "HBOT_GATEWAY_RPC_URL")
	setInt64(&cfg.Gateway.ChainID, "HBOT_GATEWAY_CHAIN_ID")
	setStr(&cfg.Gateway.PrivateKey, "HBOT_GATEWAY_PRIVATE_KEY")

	setStr(&cfg.Vault.Path, "HBOT_VAULT_PATH")
	setStr(&cfg.Vault.Password, "HBOT_VAULT_PASSWORD")

	setInt(&cfg.Risk.MaxOpenOrdersPerPair, "HBOT_RISK_MAX_OPEN_ORDERS_PER_PAIR")
	setFloat64(&cfg.Risk.MaxOrderNotional, "HBOT_RISK_MAX_ORDER_NOTIONAL")
	setFloat64(&cfg.Risk.MaxSessionLossQuote, "HBOT_RISK_MAX_SESSION_LOSS_QUOTE")

	setStr(&cfg.Postgres.DSN, "HBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "HBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "HBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "HBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "HBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "HBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "HBOT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "HBOT_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "HBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "HBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "HBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "HBOT_REDIS_TLS_ENABLED")

	setStr(&cfg.S3.Endpoint, "HBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "HBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "HBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "HBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "HBOT_S3_SECRET_KEY")

	setInt(&cfg.Recorder.ArchiveRetentionDays, "HBOT_RECORDER_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Recorder.ArchiveCron, "HBOT_RECORDER_ARCHIVE_CRON")

	setBool(&cfg.Oracle.Enabled, "HBOT_ORACLE_ENABLED")
	setStr(&cfg.Oracle.BaseURL, "HBOT_ORACLE_BASE_URL")
	setStr(&cfg.Oracle.ApiKey, "HBOT_ORACLE_API_KEY")
	setStr(&cfg.Oracle.ReportAsset, "HBOT_ORACLE_REPORT_ASSET")

	setBool(&cfg.Server.Enabled, "HBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "HBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "HBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "HBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "HBOT_SERVER_RATE_LIMIT")

	setStr(&cfg.Notify.TelegramToken, "HBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "HBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "HBOT_NOTIFY_DISCORD_WEBHOOK_URL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
