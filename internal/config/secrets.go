package config

import (
	"github.com/coinalpha/hbot/internal/crypto"
	"github.com/coinalpha/hbot/internal/domain"
)

// ResolveSecrets fills venue credentials left empty in the config from the
// encrypted vault at Vault.Path. Inline values in the config always win over
// vault entries. A config without a vault path is returned unchanged.
func ResolveSecrets(cfg *Config) error {
	if cfg.Vault.Path == "" {
		return nil
	}
	v, err := crypto.LoadVault(cfg.Vault.Path, cfg.Vault.Password)
	if err != nil {
		return err
	}

	if creds, ok := v.Lookup(domain.ExchangeBinance); ok {
		if cfg.Binance.ApiKey == "" {
			cfg.Binance.ApiKey = creds.Key
		}
		if cfg.Binance.ApiSecret == "" {
			cfg.Binance.ApiSecret = creds.Secret
		}
	}
	if creds, ok := v.Lookup(domain.ExchangeKucoin); ok {
		if cfg.Kucoin.ApiKey == "" {
			cfg.Kucoin.ApiKey = creds.Key
		}
		if cfg.Kucoin.ApiSecret == "" {
			cfg.Kucoin.ApiSecret = creds.Secret
		}
		if cfg.Kucoin.ApiPassphrase == "" {
			cfg.Kucoin.ApiPassphrase = creds.Passphrase
		}
	}
	if cfg.Gateway.PrivateKey == "" && v.WalletKey != "" {
		key, err := crypto.LoadWalletKey(crypto.WalletConfig{
			VaultPath:     cfg.Vault.Path,
			VaultPassword: cfg.Vault.Password,
		})
		if err != nil {
			return err
		}
		cfg.Gateway.PrivateKey = key
	}
	return nil
}

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Binance.ApiKey)
	redact(&out.Binance.ApiSecret)

	redact(&out.Kucoin.ApiKey)
	redact(&out.Kucoin.ApiSecret)
	redact(&out.Kucoin.ApiPassphrase)

	redact(&out.Gateway.PrivateKey)

	redact(&out.Vault.Password)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Oracle.ApiKey)
	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.App.ActiveStrategies = copySlice(cfg.App.ActiveStrategies)
	out.Kucoin.CandleIntervals = copySlice(cfg.Kucoin.CandleIntervals)
	out.Recorder.CandleIntervals = copySlice(cfg.Recorder.CandleIntervals)
	out.Server.CORSOrigins = copySlice(cfg.Server.CORSOrigins)
	out.Notify.Events = copySlice(cfg.Notify.Events)
	out.Gateway.Pools = copySlice(cfg.Gateway.Pools)

	if cfg.Pairs != nil {
		out.Pairs = make(map[string][]string, len(cfg.Pairs))
		for k, v := range cfg.Pairs {
			out.Pairs[k] = copySlice(v)
		}
	}
	if cfg.Paper.InitialBalances != nil {
		out.Paper.InitialBalances = make(map[string]float64, len(cfg.Paper.InitialBalances))
		for k, v := range cfg.Paper.InitialBalances {
			out.Paper.InitialBalances[k] = v
		}
	}
	if cfg.Strategies != nil {
		out.Strategies = make(map[string]StrategyConfig, len(cfg.Strategies))
		for name, s := range cfg.Strategies {
			cp := s
			if s.Params != nil {
				cp.Params = make(map[string]any, len(s.Params))
				for k, v := range s.Params {
					cp.Params[k] = v
				}
			}
			out.Strategies[name] = cp
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func copySlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
