// Package executor turns strategy order proposals into venue orders. It is
// the single chokepoint between "a strategy wants an order" and "an order
// left the process": dedup, expiry, and risk gating all happen here.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// Placer submits proposals to a venue. The order service implements it so
// the executor never touches connectors directly.
type Placer interface {
	Place(ctx context.Context, p domain.OrderProposal) (domain.PlaceResult, error)
	Cancel(ctx context.Context, p domain.OrderProposal) error
}

// RiskChecker validates whether a placement passes pre-trade risk controls
// (kill switch, open-order caps, notional limits).
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, p domain.OrderProposal) error
}

// Executor reads order proposals from a channel, applies deduplication,
// expiry, and risk checks, then places orders through the Placer interface.
// Proposals carrying a leg group id are buffered and executed together once
// every leg has arrived.
type Executor struct {
	proposalCh <-chan domain.OrderProposal
	placer     Placer
	riskSvc    RiskChecker
	dedup      *Dedup
	audit      domain.AuditStore
	logger     *slog.Logger

	legAccum  *LegGroupAccumulator
	maxLegGap time.Duration

	cleanupInterval time.Duration
}

// NewExecutor creates an Executor that reads proposals from proposalCh,
// validates them through riskSvc, and places orders via placer.
func NewExecutor(
	proposalCh <-chan domain.OrderProposal,
	placer Placer,
	riskSvc RiskChecker,
	logger *slog.Logger,
) *Executor {
	e := &Executor{
		proposalCh:      proposalCh,
		placer:          placer,
		riskSvc:         riskSvc,
		dedup:           NewDedup(2 * time.Minute),
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
		maxLegGap:       2 * time.Second,
	}
	e.legAccum = NewLegGroupAccumulator(e.maxLegGap, e.placeLegGroup, e.logger)
	return e
}

// WithAuditStore attaches an audit store so leg-group executions leave a
// durable record. Without it, groups still execute but are only logged.
func (e *Executor) WithAuditStore(audit domain.AuditStore) *Executor {
	e.audit = audit
	return e
}

// SetMaxLegGap changes the window a leg group may stay incomplete before it
// is discarded. Must be called before Run.
func (e *Executor) SetMaxLegGap(d time.Duration) {
	if d > 0 {
		e.maxLegGap = d
		e.legAccum = NewLegGroupAccumulator(d, e.placeLegGroup, e.logger)
	}
}

// placeLegGroup is the accumulator's onComplete callback: validate and place
// each leg in order, then record the group outcome. Under all_or_none the
// first failed leg aborts the remainder; already-placed legs stay live and
// the strategy handles unwinding through its order events.
func (e *Executor) placeLegGroup(ctx context.Context, legs []domain.OrderProposal, policy domain.LegPolicy) error {
	results := make([]domain.PlaceResult, 0, len(legs))
	aborted := false
	for _, p := range legs {
		if err := e.riskSvc.PreTradeCheck(ctx, p); err != nil {
			e.logger.Warn("leg group risk check failed",
				slog.String("leg_group_id", p.LegGroupID),
				slog.String("proposal_id", p.ID),
				slog.String("error", err.Error()),
			)
			results = append(results, domain.PlaceResult{Success: false, Message: err.Error()})
			if policy == domain.LegPolicyAllOrNone {
				aborted = true
				break
			}
			continue
		}
		res, err := e.placer.Place(ctx, p)
		if err != nil {
			e.logger.Error("leg group place failed",
				slog.String("leg_group_id", p.LegGroupID),
				slog.String("proposal_id", p.ID),
				slog.String("error", err.Error()),
			)
			res = domain.PlaceResult{Success: false, Message: err.Error()}
		}
		results = append(results, res)
		if policy == domain.LegPolicyAllOrNone && !res.Success {
			e.logger.Warn("all_or_none: leg failed, stopping",
				slog.String("leg_group_id", p.LegGroupID),
				slog.String("proposal_id", p.ID),
			)
			aborted = true
			break
		}
	}

	if e.audit == nil {
		return nil
	}
	legDetails := make([]map[string]any, 0, len(legs))
	for i, p := range legs {
		d := map[string]any{
			"proposal_id": p.ID,
			"exchange":    p.Exchange,
			"pair":        string(p.TradingPair),
			"side":        string(p.Side),
			"price":       p.Price.String(),
			"amount":      p.Amount.String(),
		}
		if i < len(results) {
			d["success"] = results[i].Success
			d["client_order_id"] = results[i].ClientOrderID
		} else {
			d["success"] = false
			d["skipped"] = true
		}
		legDetails = append(legDetails, d)
	}
	detail := map[string]any{
		"leg_group_id": legs[0].LegGroupID,
		"strategy":     legs[0].Strategy,
		"policy":       string(policy),
		"aborted":      aborted,
		"legs":         legDetails,
	}
	if err := e.audit.Log(ctx, "leg_group_executed", detail); err != nil {
		e.logger.Warn("leg group audit failed", slog.String("error", err.Error()))
	}
	return nil
}

// Run starts the executor's main loop. It processes proposals until the
// context is cancelled, at which point it drains anything remaining in the
// channel and returns.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case p, ok := <-e.proposalCh:
			if !ok {
				return nil
			}
			e.process(ctx, p)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// process handles a single proposal through the full validation and
// execution pipeline.
func (e *Executor) process(ctx context.Context, p domain.OrderProposal) {
	log := e.logger.With(
		slog.String("proposal_id", p.ID),
		slog.String("strategy", p.Strategy),
		slog.String("exchange", p.Exchange),
		slog.String("pair", string(p.TradingPair)),
	)

	// Cancellations bypass dedup and risk: removing exposure is always
	// allowed, and a duplicate cancel is harmless at the venue.
	if p.Kind == domain.ProposalCancel {
		if err := e.placer.Cancel(ctx, p); err != nil {
			log.Warn("cancel failed", slog.String("client_order_id", p.ClientOrderID), slog.String("error", err.Error()))
			return
		}
		log.Debug("cancel submitted", slog.String("client_order_id", p.ClientOrderID))
		return
	}

	// Multi-leg: buffer and run the group when complete.
	if p.LegGroupID != "" {
		if e.legAccum.Add(ctx, p) {
			return
		}
	}

	if e.dedup.IsDuplicate(p.ID) {
		log.Debug("proposal deduplicated, skipping")
		return
	}

	if !p.ExpiresAt.IsZero() && time.Now().UTC().After(p.ExpiresAt) {
		log.Warn("proposal expired, skipping", slog.Time("expires_at", p.ExpiresAt))
		return
	}

	if err := e.riskSvc.PreTradeCheck(ctx, p); err != nil {
		log.Warn("risk check failed, skipping", slog.String("error", err.Error()))
		return
	}

	result, err := e.placer.Place(ctx, p)
	if err != nil {
		log.Error("order placement failed", slog.String("error", err.Error()))
		return
	}

	if !result.Success {
		log.Warn("order rejected",
			slog.String("client_order_id", result.ClientOrderID),
			slog.String("message", result.Message),
			slog.Bool("should_retry", result.ShouldRetry),
		)
		if result.ShouldRetry {
			e.retryOrder(ctx, p, log)
		}
		return
	}

	log.Info("order placed",
		slog.String("client_order_id", result.ClientOrderID),
		slog.String("side", string(p.Side)),
	)
}

// retryOrder makes a single retry attempt for a rejected order after a short
// pause. The proposal's expiry is respected even for the retry.
func (e *Executor) retryOrder(ctx context.Context, p domain.OrderProposal, log *slog.Logger) {
	if !p.ExpiresAt.IsZero() && time.Now().UTC().After(p.ExpiresAt) {
		log.Warn("proposal expired during retry, giving up")
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(500 * time.Millisecond):
	}

	result, err := e.placer.Place(ctx, p)
	if err != nil {
		log.Error("retry placement failed", slog.String("error", err.Error()))
		return
	}
	if result.Success {
		log.Info("retry order placed", slog.String("client_order_id", result.ClientOrderID))
	} else {
		log.Warn("retry order also rejected", slog.String("message", result.Message))
	}
}

// drain processes any proposals already buffered in the channel after
// context cancellation, so in-flight intents are not silently dropped. Each
// gets a short-lived context so shutdown cannot hang on an external call.
func (e *Executor) drain() {
	for {
		select {
		case p, ok := <-e.proposalCh:
			if !ok {
				return
			}
			e.logger.Warn("draining proposal after shutdown", slog.String("proposal_id", p.ID))
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, p)
			cancel()
		default:
			return
		}
	}
}

// SetDedupTTL replaces the dedup instance with a new one using the given
// TTL. Useful for testing or runtime reconfiguration.
func (e *Executor) SetDedupTTL(ttl time.Duration) {
	e.dedup = NewDedup(ttl)
}

// SetCleanupInterval changes how often the dedup map is garbage-collected.
// Must be called before Run.
func (e *Executor) SetCleanupInterval(d time.Duration) {
	e.cleanupInterval = d
}

var _ fmt.Stringer = (*Executor)(nil)

// String returns a human-readable description of the executor.
func (e *Executor) String() string {
	return fmt.Sprintf("Executor(maxLegGap=%s)", e.maxLegGap)
}
