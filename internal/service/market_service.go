package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/domain"
)

// MarketService keeps the trading-rule store in step with what the
// connectors learn from their venues, and answers pair and rule queries
// for the HTTP surface. Persisted rules let a restarted bot quantize
// orders before the first exchange-info refresh lands.
type MarketService struct {
	connectors map[string]connector.Connector
	pairs      map[string][]domain.TradingPair // exchange -> configured pairs
	rules      domain.RuleStore
	interval   time.Duration
	logger     *slog.Logger
}

// NewMarketService builds the service over the wired connectors and their
// configured pairs. The rule store may be nil in modes without Postgres;
// sync then becomes a no-op and queries serve live state only.
func NewMarketService(
	connectors map[string]connector.Connector,
	pairs map[string][]domain.TradingPair,
	rules domain.RuleStore,
	interval time.Duration,
	logger *slog.Logger,
) *MarketService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &MarketService{
		connectors: connectors,
		pairs:      pairs,
		rules:      rules,
		interval:   interval,
		logger:     logger,
	}
}

// Run persists rule snapshots on the configured cadence until the context
// is cancelled.
func (s *MarketService) Run(ctx context.Context) error {
	if s.rules == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "market_service: rule sync failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// SyncOnce snapshots the current per-pair rules from every connector into
// the store. Venues that have not loaded a rule yet are skipped, not
// overwritten.
func (s *MarketService) SyncOnce(ctx context.Context) error {
	if s.rules == nil {
		return nil
	}
	var firstErr error
	for name, conn := range s.connectors {
		batch := make([]domain.TradingRule, 0, len(s.pairs[name]))
		for _, pair := range s.pairs[name] {
			if rule, ok := conn.TradingRule(pair); ok {
				batch = append(batch, rule)
			}
		}
		if len(batch) == 0 {
			continue
		}
		if err := s.rules.UpsertBatch(ctx, name, batch); err != nil {
			s.logger.WarnContext(ctx, "market_service: rule upsert failed",
				slog.String("exchange", name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("market_service: upsert rules for %s: %w", name, err)
			}
			continue
		}
		s.logger.DebugContext(ctx, "market_service: rules synced",
			slog.String("exchange", name),
			slog.Int("count", len(batch)),
		)
	}
	return firstErr
}

// Rules returns the trading rules for one exchange: live connector state
// first, persisted snapshots for pairs the connector has not loaded yet.
func (s *MarketService) Rules(ctx context.Context, exchange string) ([]domain.TradingRule, error) {
	conn, ok := s.connectors[exchange]
	if !ok {
		return nil, fmt.Errorf("market_service: exchange %q not wired: %w", exchange, domain.ErrNotFound)
	}

	out := make([]domain.TradingRule, 0, len(s.pairs[exchange]))
	missing := make(map[domain.TradingPair]bool)
	for _, pair := range s.pairs[exchange] {
		if rule, found := conn.TradingRule(pair); found {
			out = append(out, rule)
		} else {
			missing[pair] = true
		}
	}
	if len(missing) == 0 || s.rules == nil {
		return out, nil
	}

	stored, err := s.rules.ListByExchange(ctx, exchange)
	if err != nil {
		s.logger.WarnContext(ctx, "market_service: stored rule lookup failed",
			slog.String("exchange", exchange),
			slog.String("error", err.Error()),
		)
		return out, nil
	}
	for _, rule := range stored {
		if missing[rule.TradingPair] {
			out = append(out, rule)
		}
	}
	return out, nil
}

// Pairs lists the configured pairs per exchange.
func (s *MarketService) Pairs() map[string][]domain.TradingPair {
	out := make(map[string][]domain.TradingPair, len(s.pairs))
	for name, pairs := range s.pairs {
		out[name] = append([]domain.TradingPair(nil), pairs...)
	}
	return out
}
