package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/candles"
	"github.com/coinalpha/hbot/internal/domain"
)

const (
	defaultRSIPeriod     = 14
	defaultOversold      = 30.0
	defaultOverbought    = 70.0
	defaultEntryCooldown = 5 * time.Minute
	defaultSignalTTL     = 30 * time.Second
	defaultMinBandwidth  = 0.005 // Bollinger bandwidth floor, fraction of mid
)

// RSIDirectional takes long positions on RSI oversold readings and exits
// on overbought. Entries are filtered by Bollinger bandwidth so dead
// markets with pinned RSI do not churn, and sized down when ATR says a
// unit of risk buys less than the configured amount.
type RSIDirectional struct {
	cfg    Config
	market MarketView
	source CandleSource
	logger *slog.Logger

	interval     domain.CandleInterval
	rsiPeriod    int
	oversold     float64
	overbought   float64
	cooldown     time.Duration
	signalTTL    time.Duration
	minBandwidth float64
	riskPerTrade float64 // quote units to risk per entry; 0 disables ATR sizing

	// Engine-goroutine state.
	positionAmount float64
	lastEntry      time.Time
}

// NewRSIDirectional builds the strategy. It needs the candle aggregator;
// modes without one cannot run it.
func NewRSIDirectional(cfg Config, deps Deps) (Strategy, error) {
	market, ok := deps.Markets[cfg.Exchange]
	if !ok {
		return nil, fmt.Errorf("rsi_directional: exchange %q not wired", cfg.Exchange)
	}
	if deps.Candles == nil {
		return nil, fmt.Errorf("rsi_directional: candle source is required")
	}
	if !cfg.TradingPair.Valid() {
		return nil, fmt.Errorf("rsi_directional: invalid trading pair %q", cfg.TradingPair)
	}
	if cfg.OrderAmount <= 0 {
		return nil, fmt.Errorf("rsi_directional: order amount must be positive")
	}
	interval := domain.Interval1m
	if s, ok := cfg.Params["interval"].(string); ok {
		parsed, ok := domain.ParseCandleInterval(s)
		if !ok {
			return nil, fmt.Errorf("rsi_directional: bad interval %q", s)
		}
		interval = parsed
	}
	return &RSIDirectional{
		cfg:          cfg,
		market:       market,
		source:       deps.Candles,
		logger:       deps.Logger.With(slog.String("strategy", "rsi_directional")),
		interval:     interval,
		rsiPeriod:    paramInt(cfg.Params, "rsi_period", defaultRSIPeriod),
		oversold:     paramFloat(cfg.Params, "oversold", defaultOversold),
		overbought:   paramFloat(cfg.Params, "overbought", defaultOverbought),
		cooldown:     paramDuration(cfg.Params, "entry_cooldown", defaultEntryCooldown),
		signalTTL:    paramDuration(cfg.Params, "signal_ttl", defaultSignalTTL),
		minBandwidth: paramFloat(cfg.Params, "min_bandwidth", defaultMinBandwidth),
		riskPerTrade: paramFloat(cfg.Params, "risk_per_trade", 0),
	}, nil
}

func (s *RSIDirectional) Name() string { return "rsi_directional" }

func (s *RSIDirectional) Init(_ context.Context) error { return nil }

// OnTick recomputes the indicators over the closed-candle tail and decides
// entry or exit.
func (s *RSIDirectional) OnTick(_ context.Context, now time.Time) ([]domain.OrderProposal, error) {
	if !s.market.Ready() {
		return nil, nil
	}
	// RSI needs period+1 closes; fetch extra so ATR has room too.
	tail := s.source.Tail(s.cfg.TradingPair, s.interval, s.rsiPeriod*3)
	if len(tail) < s.rsiPeriod+1 {
		return nil, nil
	}
	closes := make([]float64, len(tail))
	for i, c := range tail {
		closes[i] = c.Close
	}
	rsi, err := candles.RSI(closes, s.rsiPeriod)
	if err != nil {
		return nil, nil
	}

	if s.positionAmount > 0 {
		if rsi >= s.overbought {
			return s.exit(now, rsi), nil
		}
		return nil, nil
	}

	if rsi > s.oversold {
		return nil, nil
	}
	if !s.lastEntry.IsZero() && now.Sub(s.lastEntry) < s.cooldown {
		return nil, nil
	}
	if !s.bandwidthOK(closes) {
		return nil, nil
	}
	return s.enter(now, rsi, tail), nil
}

// bandwidthOK rejects entries when the Bollinger band envelope is tighter
// than the floor, which usually means a stalled market rather than a dip.
func (s *RSIDirectional) bandwidthOK(closes []float64) bool {
	upper, middle, lower, err := candles.Bollinger(closes, s.rsiPeriod, 2)
	if err != nil || middle <= 0 {
		return false
	}
	return (upper-lower)/middle >= s.minBandwidth
}

func (s *RSIDirectional) enter(now time.Time, rsi float64, tail []domain.Candle) []domain.OrderProposal {
	_, ask, ok := s.market.BestBidAsk(s.cfg.TradingPair)
	if !ok || ask <= 0 {
		return nil
	}
	amount := s.cfg.OrderAmount
	if s.riskPerTrade > 0 {
		if atr, err := candles.ATR(tail, s.rsiPeriod); err == nil && atr > 0 {
			if sized := s.riskPerTrade / atr; sized < amount {
				amount = sized
			}
		}
	}
	if amount <= 0 {
		return nil
	}
	s.positionAmount = amount
	s.lastEntry = now
	s.logger.Info("entering long",
		slog.String("pair", string(s.cfg.TradingPair)),
		slog.Float64("rsi", rsi),
		slog.Float64("amount", amount),
	)
	return []domain.OrderProposal{{
		ID:          uuid.New().String(),
		Strategy:    s.Name(),
		Exchange:    s.cfg.Exchange,
		TradingPair: s.cfg.TradingPair,
		Kind:        domain.ProposalPlace,
		Side:        domain.TradeTypeBuy,
		OrderType:   domain.OrderTypeLimit,
		Price:       decimal.NewFromFloat(ask),
		Amount:      decimal.NewFromFloat(amount),
		Reason:      fmt.Sprintf("rsi %.1f below %.1f", rsi, s.oversold),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.signalTTL),
	}}
}

func (s *RSIDirectional) exit(now time.Time, rsi float64) []domain.OrderProposal {
	bid, _, ok := s.market.BestBidAsk(s.cfg.TradingPair)
	if !ok || bid <= 0 {
		return nil
	}
	amount := s.positionAmount
	s.positionAmount = 0
	s.logger.Info("exiting long",
		slog.String("pair", string(s.cfg.TradingPair)),
		slog.Float64("rsi", rsi),
		slog.Float64("amount", amount),
	)
	return []domain.OrderProposal{{
		ID:          uuid.New().String(),
		Strategy:    s.Name(),
		Exchange:    s.cfg.Exchange,
		TradingPair: s.cfg.TradingPair,
		Kind:        domain.ProposalPlace,
		Side:        domain.TradeTypeSell,
		OrderType:   domain.OrderTypeLimit,
		Price:       decimal.NewFromFloat(bid),
		Amount:      decimal.NewFromFloat(amount),
		Reason:      fmt.Sprintf("rsi %.1f above %.1f", rsi, s.overbought),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.signalTTL),
	}}
}

func (s *RSIDirectional) OnBookUpdate(context.Context, domain.OrderBookSnapshot) ([]domain.OrderProposal, error) {
	return nil, nil
}

func (s *RSIDirectional) OnPriceChange(context.Context, domain.PriceChange) ([]domain.OrderProposal, error) {
	return nil, nil
}

func (s *RSIDirectional) OnTrade(context.Context, domain.PublicTrade) ([]domain.OrderProposal, error) {
	return nil, nil
}

// OnOrderEvent flattens the tracked position if the entry order failed, so
// the strategy does not sit on a phantom long.
func (s *RSIDirectional) OnOrderEvent(_ context.Context, ev domain.OrderEvent) ([]domain.OrderProposal, error) {
	if e, ok := ev.(domain.OrderFailureEvent); ok {
		if e.Exchange == s.cfg.Exchange && e.TradingPair == s.cfg.TradingPair {
			s.positionAmount = 0
		}
	}
	return nil, nil
}

func (s *RSIDirectional) Close() error { return nil }
