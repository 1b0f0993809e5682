package service

import (
	"context"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/domain"
)

// BalanceService merges balance snapshots across the wired connectors for
// the status surfaces. Connectors own the live state; this service only
// reads and aggregates.
type BalanceService struct {
	connectors map[string]connector.Connector
	assets     map[string][]string // exchange -> assets worth reporting
	oracle     domain.RateOracle
	logger     *slog.Logger
}

// NewBalanceService builds the service. assets names the assets to report
// per exchange, normally the base and quote of every configured pair. The
// oracle may be nil; valuation then reports zero totals.
func NewBalanceService(
	connectors map[string]connector.Connector,
	assets map[string][]string,
	oracle domain.RateOracle,
	logger *slog.Logger,
) *BalanceService {
	return &BalanceService{
		connectors: connectors,
		assets:     assets,
		oracle:     oracle,
		logger:     logger,
	}
}

// Snapshot returns the current balances per exchange, assets sorted for
// stable output.
func (s *BalanceService) Snapshot() map[string][]domain.Balance {
	out := make(map[string][]domain.Balance, len(s.connectors))
	for name, conn := range s.connectors {
		var balances []domain.Balance
		for _, asset := range s.assets[name] {
			if b, ok := conn.Balance(asset); ok {
				balances = append(balances, b)
			}
		}
		sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })
		out[name] = balances
	}
	return out
}

// TotalByAsset sums each asset's total holding across every exchange.
func (s *BalanceService) TotalByAsset() map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for _, balances := range s.Snapshot() {
		for _, b := range balances {
			totals[b.Asset] = totals[b.Asset].Add(b.Total)
		}
	}
	return totals
}

// Valuation prices the merged holdings in the given asset through the rate
// oracle. Assets the oracle cannot price are skipped with a warning so one
// dead feed does not zero the whole report.
func (s *BalanceService) Valuation(ctx context.Context, inAsset string) decimal.Decimal {
	if s.oracle == nil {
		return decimal.Zero
	}
	var total decimal.Decimal
	for asset, amount := range s.TotalByAsset() {
		if amount.IsZero() {
			continue
		}
		if asset == inAsset {
			total = total.Add(amount)
			continue
		}
		rate, err := s.oracle.Rate(ctx, asset, inAsset)
		if err != nil {
			s.logger.WarnContext(ctx, "balance_service: rate lookup failed",
				slog.String("asset", asset),
				slog.String("in", inAsset),
				slog.String("error", err.Error()),
			)
			continue
		}
		total = total.Add(amount.Mul(decimal.NewFromFloat(rate)))
	}
	return total
}
