package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TrackedOrderRecord is the persisted form of an in-flight order: a JSON
// snapshot of the full order state, plus the columns queries filter on.
// Active records are reloaded on startup so tracking survives a restart.
type TrackedOrderRecord struct {
	Exchange      string
	ClientOrderID string
	TradingPair   TradingPair
	State         string
	Strategy      string
	Snapshot      []byte // InFlightOrder JSON
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderStore persists tracked-order snapshots.
type OrderStore interface {
	Upsert(ctx context.Context, rec TrackedOrderRecord) error
	Get(ctx context.Context, exchange, clientOrderID string) (TrackedOrderRecord, error)
	ListActive(ctx context.Context, exchange string) ([]TrackedOrderRecord, error)
	ListBefore(ctx context.Context, before time.Time) ([]TrackedOrderRecord, error)
	Delete(ctx context.Context, exchange, clientOrderID string) error
}

// FillStore persists deduplicated trade fills. Insert returns
// ErrAlreadyExists when the (exchange, trade id) pair was seen before.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) error
	ListByOrder(ctx context.Context, clientOrderID string) ([]Fill, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Fill, error)
	ListBefore(ctx context.Context, before time.Time) ([]Fill, error)
	SumQuoteVolume(ctx context.Context, since time.Time) (float64, error)
}

// CandleStore persists closed OHLCV candles.
type CandleStore interface {
	InsertBatch(ctx context.Context, candles []Candle) error
	ListRange(ctx context.Context, exchange string, pair TradingPair, interval CandleInterval, from, to time.Time) ([]Candle, error)
	ListBefore(ctx context.Context, before time.Time) ([]Candle, error)
}

// RuleStore persists the trading rules the sync loop fetches from each
// venue, so a restart can quantize orders before the first refresh lands.
type RuleStore interface {
	UpsertBatch(ctx context.Context, exchange string, rules []TradingRule) error
	ListByExchange(ctx context.Context, exchange string) ([]TradingRule, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// StrategyConfig is a named strategy configuration blob.
type StrategyConfig struct {
	Name      string
	Config    map[string]any
	Enabled   bool
	UpdatedAt time.Time
}

// StrategyConfigStore persists strategy configurations.
type StrategyConfigStore interface {
	Get(ctx context.Context, name string) (StrategyConfig, error)
	Upsert(ctx context.Context, cfg StrategyConfig) error
	SetEnabled(ctx context.Context, name string, enabled bool) error
	List(ctx context.Context) ([]StrategyConfig, error)
}
