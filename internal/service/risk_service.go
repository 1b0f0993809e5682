package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
)

// RiskConfig holds the tunable limits for pre-trade checks and the session
// kill switch. Zero values disable the corresponding check.
type RiskConfig struct {
	MaxOpenOrdersPerPair int
	MaxOrderNotional     float64 // quote units per order
	MaxSessionLossQuote  float64 // realized loss that trips the kill switch
}

// OpenOrderSource is the slice of the order surface the risk gate reads.
type OpenOrderSource interface {
	ActiveOrders(exchange string) []domain.LimitOrder
}

// Canceller pulls all live orders when the kill switch trips.
type Canceller interface {
	CancelAll(ctx context.Context, exchange string) error
}

// RiskService gates proposals before they reach the wire and runs the
// session kill switch. It satisfies the executor's RiskChecker interface.
// Realized PnL is accumulated from completion events: sells add their
// quote proceeds, buys subtract their quote cost, fees subtract always.
type RiskService struct {
	cfg       RiskConfig
	orders    OpenOrderSource
	canceller Canceller
	audit     domain.AuditStore
	logger    *slog.Logger

	mu         sync.Mutex
	sessionPnL decimal.Decimal
	engaged    bool
	engagedWhy string
}

// NewRiskService builds the risk gate. The canceller may be nil in modes
// that never place orders.
func NewRiskService(cfg RiskConfig, orders OpenOrderSource, canceller Canceller, audit domain.AuditStore, logger *slog.Logger) *RiskService {
	return &RiskService{
		cfg:       cfg,
		orders:    orders,
		canceller: canceller,
		audit:     audit,
		logger:    logger,
	}
}

// PreTradeCheck rejects a placement proposal that breaches a configured
// limit. Cancellations always pass so a tripped kill switch can still
// unwind the book.
func (s *RiskService) PreTradeCheck(ctx context.Context, p domain.OrderProposal) error {
	if p.Kind == domain.ProposalCancel {
		return nil
	}

	s.mu.Lock()
	engaged, why := s.engaged, s.engagedWhy
	s.mu.Unlock()
	if engaged {
		return fmt.Errorf("risk: %s: %w", why, domain.ErrKillSwitchEngaged)
	}

	if s.cfg.MaxOrderNotional > 0 {
		if notional := p.Notional().InexactFloat64(); notional > s.cfg.MaxOrderNotional {
			s.logger.WarnContext(ctx, "risk: order notional over limit",
				slog.String("pair", string(p.TradingPair)),
				slog.Float64("notional", notional),
				slog.Float64("max", s.cfg.MaxOrderNotional),
			)
			return fmt.Errorf("risk: notional %.2f exceeds max %.2f: %w", notional, s.cfg.MaxOrderNotional, domain.ErrInvalidOrder)
		}
	}

	if s.cfg.MaxOpenOrdersPerPair > 0 && s.orders != nil {
		open := 0
		for _, o := range s.orders.ActiveOrders(p.Exchange) {
			if o.TradingPair == p.TradingPair {
				open++
			}
		}
		if open >= s.cfg.MaxOpenOrdersPerPair {
			return fmt.Errorf("risk: %d open orders on %s (max %d): %w",
				open, p.TradingPair, s.cfg.MaxOpenOrdersPerPair, domain.ErrInvalidOrder)
		}
	}

	return nil
}

// OnOrderEvent folds completion events into the session PnL and trips the
// kill switch when the loss limit is breached. The engine's event fan-out
// calls this alongside the strategies.
func (s *RiskService) OnOrderEvent(ctx context.Context, ev domain.OrderEvent) {
	e, ok := ev.(domain.OrderCompletedEvent)
	if !ok {
		return
	}

	delta := e.QuoteAmount
	if e.TradeType == domain.TradeTypeBuy {
		delta = delta.Neg()
	}
	delta = delta.Sub(e.FeeAmount)

	s.mu.Lock()
	s.sessionPnL = s.sessionPnL.Add(delta)
	pnl := s.sessionPnL
	tripped := false
	if !s.engaged && s.cfg.MaxSessionLossQuote > 0 {
		if loss := pnl.Neg().InexactFloat64(); loss > s.cfg.MaxSessionLossQuote {
			s.engaged = true
			s.engagedWhy = fmt.Sprintf("session loss %.2f over limit %.2f", loss, s.cfg.MaxSessionLossQuote)
			tripped = true
		}
	}
	why := s.engagedWhy
	s.mu.Unlock()

	if !tripped {
		return
	}

	s.logger.ErrorContext(ctx, "risk: kill switch tripped", slog.String("reason", why))
	if s.audit != nil {
		if err := s.audit.Log(ctx, "kill_switch_engaged", map[string]any{
			"reason":      why,
			"session_pnl": pnl.String(),
		}); err != nil {
			s.logger.WarnContext(ctx, "risk: audit log failed", slog.String("error", err.Error()))
		}
	}
	if s.canceller != nil {
		if err := s.canceller.CancelAll(ctx, ""); err != nil {
			s.logger.ErrorContext(ctx, "risk: cancel-all after kill switch failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// Engage trips the kill switch manually, pulling all live orders.
func (s *RiskService) Engage(ctx context.Context, reason string) {
	s.mu.Lock()
	already := s.engaged
	if !already {
		s.engaged = true
		s.engagedWhy = reason
	}
	s.mu.Unlock()
	if already {
		return
	}
	s.logger.WarnContext(ctx, "risk: kill switch engaged", slog.String("reason", reason))
	if s.audit != nil {
		_ = s.audit.Log(ctx, "kill_switch_engaged", map[string]any{"reason": reason})
	}
	if s.canceller != nil {
		if err := s.canceller.CancelAll(ctx, ""); err != nil {
			s.logger.ErrorContext(ctx, "risk: cancel-all after kill switch failed",
				slog.String("error", err.Error()),
			)
		}
	}
}

// Disengage re-arms placement after a manual review.
func (s *RiskService) Disengage(ctx context.Context) {
	s.mu.Lock()
	was := s.engaged
	s.engaged = false
	s.engagedWhy = ""
	s.mu.Unlock()
	if !was {
		return
	}
	s.logger.InfoContext(ctx, "risk: kill switch disengaged")
	if s.audit != nil {
		_ = s.audit.Log(ctx, "kill_switch_disengaged", nil)
	}
}

// Engaged reports the kill switch state and its reason.
func (s *RiskService) Engaged() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engaged, s.engagedWhy
}

// SessionPnL returns the realized PnL accumulated this session, in quote
// units.
func (s *RiskService) SessionPnL() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionPnL
}
