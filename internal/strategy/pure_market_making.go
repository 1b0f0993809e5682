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
	defaultBidSpreadBps    = 20.0
	defaultAskSpreadBps    = 20.0
	defaultLevelStepBps    = 10.0
	defaultOrderLevels     = 1
	defaultRefreshInterval = 30 * time.Second
	defaultOrderTTL        = 2 * time.Minute
	defaultInventoryTarget = 0.5
	defaultCrashDrop       = 0.10
	defaultMaxSkew         = 0.5
)

// PureMarketMaking quotes a ladder of buy and sell limit orders around the
// mid price. Every refresh interval it cancels the previous ladder and
// requotes; between refreshes the book is left alone so fills can happen.
// Quote sizes are shaded two ways: toward the configured inventory target,
// and away from one-sided order book pressure.
type PureMarketMaking struct {
	cfg    Config
	market MarketView
	mids   *MidTracker
	gauge  *arbitrage.ImbalanceGauge
	logger *slog.Logger

	bidSpreadBps float64
	askSpreadBps float64
	levelStepBps float64
	levels       int
	refresh      time.Duration
	orderTTL     time.Duration
	invTarget    float64
	skewEnabled  bool
	crashDrop    float64

	// Engine-goroutine state.
	lastRefresh time.Time
	bookSkew    float64
	paused      bool
}

// NewPureMarketMaking builds the strategy from config. Required params ride
// in cfg.Params; everything has a default except the venue and pair.
func NewPureMarketMaking(cfg Config, deps Deps) (Strategy, error) {
	market, ok := deps.Markets[cfg.Exchange]
	if !ok {
		return nil, fmt.Errorf("pure_market_making: exchange %q not wired", cfg.Exchange)
	}
	if !cfg.TradingPair.Valid() {
		return nil, fmt.Errorf("pure_market_making: invalid trading pair %q", cfg.TradingPair)
	}
	if cfg.OrderAmount <= 0 {
		return nil, fmt.Errorf("pure_market_making: order amount must be positive")
	}
	s := &PureMarketMaking{
		cfg:          cfg,
		market:       market,
		mids:         deps.Mids,
		logger:       deps.Logger.With(slog.String("strategy", "pure_market_making")),
		bidSpreadBps: paramFloat(cfg.Params, "bid_spread_bps", defaultBidSpreadBps),
		askSpreadBps: paramFloat(cfg.Params, "ask_spread_bps", defaultAskSpreadBps),
		levelStepBps: paramFloat(cfg.Params, "level_step_bps", defaultLevelStepBps),
		levels:       paramInt(cfg.Params, "order_levels", defaultOrderLevels),
		refresh:      paramDuration(cfg.Params, "refresh_interval", defaultRefreshInterval),
		orderTTL:     paramDuration(cfg.Params, "order_ttl", defaultOrderTTL),
		invTarget:    paramFloat(cfg.Params, "inventory_target_base_pct", defaultInventoryTarget),
		skewEnabled:  paramBool(cfg.Params, "inventory_skew", true),
		crashDrop:    paramFloat(cfg.Params, "crash_pause_drop", defaultCrashDrop),
	}
	if s.levels < 1 {
		s.levels = 1
	}
	s.gauge = arbitrage.NewImbalanceGauge(arbitrage.ImbalanceConfig{
		RatioThreshold: paramFloat(cfg.Params, "imbalance_ratio_threshold", 2.0),
		MinNotional:    paramFloat(cfg.Params, "imbalance_min_notional", 0),
		MaxSkew:        defaultMaxSkew,
	})
	return s, nil
}

func (s *PureMarketMaking) Name() string { return "pure_market_making" }

func (s *PureMarketMaking) Init(_ context.Context) error { return nil }

// OnTick drives the requote cycle.
func (s *PureMarketMaking) OnTick(_ context.Context, now time.Time) ([]domain.OrderProposal, error) {
	if !s.lastRefresh.IsZero() && now.Sub(s.lastRefresh) < s.refresh {
		return nil, nil
	}
	if !s.market.Ready() {
		return nil, nil
	}
	mid, ok := s.market.MidPrice(s.cfg.TradingPair)
	if !ok || mid <= 0 {
		return nil, nil
	}

	// A sharp drop against the tracked window means the market is moving
	// too fast to quote into: pull the ladder and wait out the window.
	if s.mids != nil && s.mids.Dropped(s.cfg.Exchange, s.cfg.TradingPair, s.crashDrop) {
		if !s.paused {
			s.paused = true
			s.logger.Warn("mid crashed past threshold, pausing quotes",
				slog.String("pair", string(s.cfg.TradingPair)),
				slog.Float64("mid", mid),
			)
		}
		s.lastRefresh = now
		return s.cancelLadder(now), nil
	}
	if s.paused {
		s.paused = false
		s.logger.Info("crash window cleared, resuming quotes", slog.String("pair", string(s.cfg.TradingPair)))
	}

	s.lastRefresh = now
	proposals := s.cancelLadder(now)
	proposals = append(proposals, s.buildLadder(now, mid)...)
	return proposals, nil
}

// cancelLadder proposes cancellation of every live order we have on the
// quoted pair. The executor routes these straight to the venue.
func (s *PureMarketMaking) cancelLadder(now time.Time) []domain.OrderProposal {
	var out []domain.OrderProposal
	for _, o := range s.market.OpenOrders() {
		if o.TradingPair != s.cfg.TradingPair {
			continue
		}
		out = append(out, domain.OrderProposal{
			ID:            uuid.New().String(),
			Strategy:      s.Name(),
			Exchange:      s.cfg.Exchange,
			TradingPair:   s.cfg.TradingPair,
			Kind:          domain.ProposalCancel,
			ClientOrderID: o.ClientOrderID,
			Reason:        "ladder refresh",
			CreatedAt:     now,
		})
	}
	return out
}

// buildLadder emits the new quote set around mid.
func (s *PureMarketMaking) buildLadder(now time.Time, mid float64) []domain.OrderProposal {
	bidMult, askMult := s.sizeMultipliers(mid)

	orderType := domain.OrderTypeLimit
	if rule, ok := s.market.TradingRule(s.cfg.TradingPair); ok && rule.SupportsMaker {
		orderType = domain.OrderTypeLimitMaker
	}

	out := make([]domain.OrderProposal, 0, 2*s.levels)
	for lvl := 0; lvl < s.levels; lvl++ {
		step := float64(lvl) * s.levelStepBps
		bidPrice := mid * (1 - (s.bidSpreadBps+step)/10000)
		askPrice := mid * (1 + (s.askSpreadBps+step)/10000)

		if amt := s.cfg.OrderAmount * bidMult; amt > 0 && bidPrice > 0 {
			out = append(out, s.placeProposal(now, domain.TradeTypeBuy, orderType, bidPrice, amt, lvl))
		}
		if amt := s.cfg.OrderAmount * askMult; amt > 0 && askPrice > 0 {
			out = append(out, s.placeProposal(now, domain.TradeTypeSell, orderType, askPrice, amt, lvl))
		}
	}
	return out
}

func (s *PureMarketMaking) placeProposal(now time.Time, side domain.TradeType, orderType domain.OrderType, price, amount float64, level int) domain.OrderProposal {
	return domain.OrderProposal{
		ID:          uuid.New().String(),
		Strategy:    s.Name(),
		Exchange:    s.cfg.Exchange,
		TradingPair: s.cfg.TradingPair,
		Kind:        domain.ProposalPlace,
		Side:        side,
		OrderType:   orderType,
		Price:       decimal.NewFromFloat(price),
		Amount:      decimal.NewFromFloat(amount),
		Reason:      fmt.Sprintf("ladder level %d", level),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.orderTTL),
	}
}

// sizeMultipliers shades bid and ask sizes toward the inventory target and
// away from book pressure. Multipliers stay in [0, 2] so a fully skewed
// side at most doubles and the other side goes quiet.
func (s *PureMarketMaking) sizeMultipliers(mid float64) (bid, ask float64) {
	bid, ask = 1, 1
	if s.skewEnabled {
		if ratio, ok := s.inventoryRatio(mid); ok {
			// Below target: want more base, so buy harder and sell softer.
			shift := s.invTarget - ratio
			bid += shift
			ask -= shift
		}
	}
	bid += s.bookSkew
	ask -= s.bookSkew
	return clampMult(bid), clampMult(ask)
}

// inventoryRatio returns base value / total value for the pair's assets.
func (s *PureMarketMaking) inventoryRatio(mid float64) (float64, bool) {
	base, okB := s.market.Balance(s.cfg.TradingPair.Base())
	quote, okQ := s.market.Balance(s.cfg.TradingPair.Quote())
	if !okB && !okQ {
		return 0, false
	}
	baseValue := base.Total.InexactFloat64() * mid
	quoteValue := quote.Total.InexactFloat64()
	total := baseValue + quoteValue
	if total <= 0 {
		return 0, false
	}
	return baseValue / total, true
}

func clampMult(m float64) float64 {
	if m < 0 {
		return 0
	}
	if m > 2 {
		return 2
	}
	return m
}

// OnBookUpdate refreshes the book-pressure skew for the quoted pair.
func (s *PureMarketMaking) OnBookUpdate(_ context.Context, snap domain.OrderBookSnapshot) ([]domain.OrderProposal, error) {
	if snap.Exchange != s.cfg.Exchange || snap.TradingPair != s.cfg.TradingPair {
		return nil, nil
	}
	s.bookSkew = s.gauge.Skew(snap)
	if s.mids != nil && snap.MidPrice > 0 {
		s.mids.Track(snap.Exchange, snap.TradingPair, snap.MidPrice, snap.Timestamp)
	}
	return nil, nil
}

func (s *PureMarketMaking) OnPriceChange(_ context.Context, change domain.PriceChange) ([]domain.OrderProposal, error) {
	if s.mids != nil {
		s.mids.Track(change.Exchange, change.TradingPair, change.MidPrice, change.Timestamp)
	}
	return nil, nil
}

func (s *PureMarketMaking) OnTrade(context.Context, domain.PublicTrade) ([]domain.OrderProposal, error) {
	return nil, nil
}

// OnOrderEvent requotes promptly after one of our orders finishes, instead
// of leaving a one-sided ladder until the next refresh.
func (s *PureMarketMaking) OnOrderEvent(_ context.Context, ev domain.OrderEvent) ([]domain.OrderProposal, error) {
	switch ev.Kind() {
	case domain.EventOrderCompleted, domain.EventOrderFailed:
		s.lastRefresh = time.Time{}
	}
	return nil, nil
}

func (s *PureMarketMaking) Close() error { return nil }
