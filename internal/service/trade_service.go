package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// TradeService answers fill-history and PnL queries from the persisted
// fill log.
type TradeService struct {
	fills  domain.FillStore
	oracle domain.RateOracle
	logger *slog.Logger
}

// NewTradeService builds the service. The rate oracle may be nil; PnL
// summaries then skip conversion and report in each pair's own quote.
func NewTradeService(fills domain.FillStore, oracle domain.RateOracle, logger *slog.Logger) *TradeService {
	return &TradeService{fills: fills, oracle: oracle, logger: logger}
}

// ListRecent returns the latest fills, newest first.
func (s *TradeService) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Fill, error) {
	fills, err := s.fills.ListRecent(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list recent: %w", err)
	}
	return fills, nil
}

// ListByOrder returns every fill recorded against one client order id.
func (s *TradeService) ListByOrder(ctx context.Context, clientOrderID string) ([]domain.Fill, error) {
	fills, err := s.fills.ListByOrder(ctx, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("trade_service: fills for %q: %w", clientOrderID, err)
	}
	return fills, nil
}

// PnLSummary aggregates realized flows since a point in time.
type PnLSummary struct {
	Since        time.Time
	Fills        int
	BuyNotional  decimal.Decimal
	SellNotional decimal.Decimal
	Fees         decimal.Decimal // in ReportAsset
	Realized     decimal.Decimal // sell - buy - fees
	ReportAsset  string
}

// SessionPnL sums realized flows over the stored fills since the given
// time. Fees are converted to reportAsset through the rate oracle; on a
// missed conversion the fee is counted at face value and a warning logged.
func (s *TradeService) SessionPnL(ctx context.Context, since time.Time, reportAsset string) (PnLSummary, error) {
	fills, err := s.fills.ListRecent(ctx, domain.ListOpts{Since: &since})
	if err != nil {
		return PnLSummary{}, fmt.Errorf("trade_service: session pnl: %w", err)
	}

	sum := PnLSummary{Since: since, Fills: len(fills), ReportAsset: reportAsset}
	for _, f := range fills {
		if f.TradeType == domain.TradeTypeBuy {
			sum.BuyNotional = sum.BuyNotional.Add(f.QuoteAmount)
		} else {
			sum.SellNotional = sum.SellNotional.Add(f.QuoteAmount)
		}
		sum.Fees = sum.Fees.Add(s.feeIn(ctx, f, reportAsset))
	}
	sum.Realized = sum.SellNotional.Sub(sum.BuyNotional).Sub(sum.Fees)
	return sum, nil
}

// QuoteVolume reports the total quote turnover since a point in time,
// straight from the store's aggregate.
func (s *TradeService) QuoteVolume(ctx context.Context, since time.Time) (float64, error) {
	vol, err := s.fills.SumQuoteVolume(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("trade_service: quote volume: %w", err)
	}
	return vol, nil
}

func (s *TradeService) feeIn(ctx context.Context, f domain.Fill, asset string) decimal.Decimal {
	if f.FeeAmount.IsZero() || f.FeeAsset == asset || s.oracle == nil {
		return f.FeeAmount
	}
	rate, err := s.oracle.Rate(ctx, f.FeeAsset, asset)
	if err != nil {
		s.logger.WarnContext(ctx, "trade_service: fee conversion failed",
			slog.String("fee_asset", f.FeeAsset),
			slog.String("report_asset", asset),
			slog.String("error", err.Error()),
		)
		return f.FeeAmount
	}
	return f.FeeAmount.Mul(decimal.NewFromFloat(rate))
}
