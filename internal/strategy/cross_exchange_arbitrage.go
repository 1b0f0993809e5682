package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/arbitrage"
	"github.com/coinalpha/hbot/internal/domain"
)

const (
	defaultMinNetEdgeBps = 10.0
	defaultArbCooldown   = 30 * time.Second
	defaultArbQuoteAge   = 5 * time.Second
	defaultLegTTL        = 10 * time.Second
)

// CrossExchangeArbitrage watches the same pair on two venues and, when the
// bid on one clears the ask on the other by more than the fee load, fires a
// two-leg all-or-none taker pair through the executor. One live attempt per
// pair at a time, enforced with a cooldown.
type CrossExchangeArbitrage struct {
	cfg       Config
	primary   MarketView
	secondary MarketView
	detector  *arbitrage.Detector
	registry  *arbitrage.Registry
	logger    *slog.Logger

	cooldown time.Duration
	legTTL   time.Duration

	// Engine-goroutine state.
	lastFire time.Time
	inFlight *inFlightArb
}

// inFlightArb tracks the open attempt until both legs report back.
type inFlightArb struct {
	oppID     string
	remaining int
	completed int
}

// NewCrossExchangeArbitrage wires the strategy across cfg.Exchange and the
// venue named by the secondary_exchange param.
func NewCrossExchangeArbitrage(cfg Config, deps Deps) (Strategy, error) {
	primary, ok := deps.Markets[cfg.Exchange]
	if !ok {
		return nil, fmt.Errorf("cross_exchange_arbitrage: exchange %q not wired", cfg.Exchange)
	}
	secondaryName, _ := cfg.Params["secondary_exchange"].(string)
	if secondaryName == "" {
		return nil, fmt.Errorf("cross_exchange_arbitrage: secondary_exchange param is required")
	}
	secondary, ok := deps.Markets[secondaryName]
	if !ok {
		return nil, fmt.Errorf("cross_exchange_arbitrage: exchange %q not wired", secondaryName)
	}
	if !cfg.TradingPair.Valid() {
		return nil, fmt.Errorf("cross_exchange_arbitrage: invalid trading pair %q", cfg.TradingPair)
	}
	if cfg.OrderAmount <= 0 {
		return nil, fmt.Errorf("cross_exchange_arbitrage: order amount must be positive")
	}
	logger := deps.Logger.With(slog.String("strategy", "cross_exchange_arbitrage"))
	fees := arbitrage.FeeModel{
		DefaultBps: paramFloat(cfg.Params, "default_taker_fee_bps", 10),
	}
	detector := arbitrage.NewDetector(arbitrage.DetectorConfig{
		MinNetEdgeBps: paramFloat(cfg.Params, "min_net_edge_bps", defaultMinNetEdgeBps),
		MaxAmount:     cfg.OrderAmount,
		MaxQuoteAge:   paramDuration(cfg.Params, "max_quote_age", defaultArbQuoteAge),
		Fees:          fees,
	}, logger)
	return &CrossExchangeArbitrage{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		detector:  detector,
		registry:  deps.Arb,
		logger:    logger,
		cooldown:  paramDuration(cfg.Params, "cooldown", defaultArbCooldown),
		legTTL:    paramDuration(cfg.Params, "leg_ttl", defaultLegTTL),
	}, nil
}

func (s *CrossExchangeArbitrage) Name() string { return "cross_exchange_arbitrage" }

func (s *CrossExchangeArbitrage) Init(_ context.Context) error { return nil }

// OnTick compares top-of-book across both venues and proposes both legs of
// any opportunity that clears the edge threshold.
func (s *CrossExchangeArbitrage) OnTick(_ context.Context, now time.Time) ([]domain.OrderProposal, error) {
	if s.inFlight != nil {
		return nil, nil
	}
	if !s.lastFire.IsZero() && now.Sub(s.lastFire) < s.cooldown {
		return nil, nil
	}
	if !s.primary.Ready() || !s.secondary.Ready() {
		return nil, nil
	}

	a, ok := s.topQuote(s.primary, now)
	if !ok {
		return nil, nil
	}
	b, ok := s.topQuote(s.secondary, now)
	if !ok {
		return nil, nil
	}

	opps := s.detector.Detect(s.cfg.TradingPair, a, b)
	if len(opps) == 0 {
		return nil, nil
	}
	// At most one direction can clear the edge at a time.
	opp := opps[0]
	if s.registry != nil {
		s.registry.Record(opp)
	}
	s.lastFire = now

	groupID := uuid.New().String()
	s.inFlight = &inFlightArb{oppID: opp.ID, remaining: 2}
	s.logger.Info("arbitrage opportunity",
		slog.String("pair", string(opp.TradingPair)),
		slog.String("buy", opp.BuyExchange),
		slog.String("sell", opp.SellExchange),
		slog.Float64("net_edge_bps", opp.NetEdgeBps),
		slog.Float64("amount", opp.MaxAmount),
	)

	return []domain.OrderProposal{
		s.legProposal(now, groupID, opp, opp.BuyExchange, domain.TradeTypeBuy, opp.BuyPrice),
		s.legProposal(now, groupID, opp, opp.SellExchange, domain.TradeTypeSell, opp.SellPrice),
	}, nil
}

func (s *CrossExchangeArbitrage) legProposal(now time.Time, groupID string, opp domain.ArbOpportunity, exchange string, side domain.TradeType, price float64) domain.OrderProposal {
	return domain.OrderProposal{
		ID:          uuid.New().String(),
		Strategy:    s.Name(),
		Exchange:    exchange,
		TradingPair: opp.TradingPair,
		Kind:        domain.ProposalPlace,
		Side:        side,
		OrderType:   domain.OrderTypeLimit,
		Price:       decimal.NewFromFloat(price),
		Amount:      decimal.NewFromFloat(opp.MaxAmount),
		LegGroupID:  groupID,
		LegCount:    2,
		LegPolicy:   domain.LegPolicyAllOrNone,
		Reason:      fmt.Sprintf("arb edge %.1f bps", opp.NetEdgeBps),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.legTTL),
	}
}

// topQuote builds a detector quote from a venue's best bid and ask. The
// MarketView surface carries no depth, so both sizes are pinned to the
// configured order amount and the detector's amount cap does the rest.
func (s *CrossExchangeArbitrage) topQuote(m MarketView, now time.Time) (arbitrage.TopQuote, bool) {
	bid, ask, ok := m.BestBidAsk(s.cfg.TradingPair)
	if !ok {
		return arbitrage.TopQuote{}, false
	}
	return arbitrage.TopQuote{
		Exchange: m.Name(),
		Bid:      bid,
		BidSize:  s.cfg.OrderAmount,
		Ask:      ask,
		AskSize:  s.cfg.OrderAmount,
		At:       now,
	}, true
}

func (s *CrossExchangeArbitrage) OnBookUpdate(context.Context, domain.OrderBookSnapshot) ([]domain.OrderProposal, error) {
	return nil, nil
}

func (s *CrossExchangeArbitrage) OnPriceChange(context.Context, domain.PriceChange) ([]domain.OrderProposal, error) {
	return nil, nil
}

func (s *CrossExchangeArbitrage) OnTrade(context.Context, domain.PublicTrade) ([]domain.OrderProposal, error) {
	return nil, nil
}

// OnOrderEvent counts down the open attempt as each leg resolves. Order
// events carry no group id, so legs are matched by pair and venue.
func (s *CrossExchangeArbitrage) OnOrderEvent(_ context.Context, ev domain.OrderEvent) ([]domain.OrderProposal, error) {
	switch e := ev.(type) {
	case domain.OrderCompletedEvent:
		s.resolveLeg(e.Exchange, e.TradingPair, true)
	case domain.OrderFailureEvent:
		s.resolveLeg(e.Exchange, e.TradingPair, false)
	}
	return nil, nil
}

func (s *CrossExchangeArbitrage) resolveLeg(exchange string, pair domain.TradingPair, completed bool) {
	if s.inFlight == nil || pair != s.cfg.TradingPair {
		return
	}
	if exchange != s.primary.Name() && exchange != s.secondary.Name() {
		return
	}
	s.inFlight.remaining--
	if completed {
		s.inFlight.completed++
	}
	if s.inFlight.remaining > 0 {
		return
	}
	if s.inFlight.completed == 2 && s.registry != nil {
		s.registry.MarkExecuted(s.inFlight.oppID)
	}
	s.inFlight = nil
}

func (s *CrossExchangeArbitrage) Close() error { return nil }
