package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// PendingLegGroup holds proposals that share a leg group id until the group
// is complete or times out.
type PendingLegGroup struct {
	LegGroupID string
	Legs       []domain.OrderProposal
	Expected   int
	Policy     domain.LegPolicy
	FirstSeen  time.Time
	timer      *time.Timer
}

// LegGroupAccumulator buffers multi-leg proposals and invokes a callback
// when the group is complete. Groups that stay incomplete past the gap
// window are discarded whole: placing half an arbitrage is worse than
// placing none of it.
type LegGroupAccumulator struct {
	mu         sync.Mutex
	groups     map[string]*PendingLegGroup
	maxGap     time.Duration
	onComplete func(ctx context.Context, legs []domain.OrderProposal, policy domain.LegPolicy) error
	logger     *slog.Logger
}

// NewLegGroupAccumulator creates an accumulator. maxGap is the maximum time
// allowed between the first and last leg of a group.
func NewLegGroupAccumulator(
	maxGap time.Duration,
	onComplete func(ctx context.Context, legs []domain.OrderProposal, policy domain.LegPolicy) error,
	logger *slog.Logger,
) *LegGroupAccumulator {
	return &LegGroupAccumulator{
		groups:     make(map[string]*PendingLegGroup),
		maxGap:     maxGap,
		onComplete: onComplete,
		logger:     logger.With(slog.String("component", "leg_accumulator")),
	}
}

// Add adds a proposal to its leg group. When the group reaches its expected
// count, onComplete is called and the group is removed. Returns true when
// the proposal was absorbed into a group (the caller must not place it as a
// single order).
func (a *LegGroupAccumulator) Add(ctx context.Context, p domain.OrderProposal) (grouped bool) {
	if p.LegGroupID == "" {
		return false
	}
	expected := p.LegCount
	if expected <= 0 {
		expected = 1
	}
	policy := p.LegPolicy
	if policy == "" {
		policy = domain.LegPolicyBestEffort
	}
	legGroupID := p.LegGroupID

	a.mu.Lock()
	defer a.mu.Unlock()

	g, exists := a.groups[legGroupID]
	if !exists {
		g = &PendingLegGroup{
			LegGroupID: legGroupID,
			Expected:   expected,
			Policy:     policy,
			FirstSeen:  time.Now().UTC(),
		}
		g.timer = time.AfterFunc(a.maxGap, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if _, ok := a.groups[legGroupID]; ok {
				delete(a.groups, legGroupID)
				a.logger.Warn("leg group timed out",
					slog.String("leg_group_id", legGroupID),
					slog.Int("received", len(g.Legs)),
					slog.Int("expected", expected),
				)
			}
		})
		a.groups[legGroupID] = g
	}

	g.Legs = append(g.Legs, p)
	if len(g.Legs) < g.Expected {
		return true
	}

	g.timer.Stop()
	delete(a.groups, legGroupID)
	legs := make([]domain.OrderProposal, len(g.Legs))
	copy(legs, g.Legs)
	a.mu.Unlock()
	err := a.onComplete(ctx, legs, g.Policy)
	a.mu.Lock()
	if err != nil {
		a.logger.Error("leg group onComplete failed",
			slog.String("leg_group_id", legGroupID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// Pending returns the number of groups currently buffered. Status surfaces
// use it; the count is racy by nature.
func (a *LegGroupAccumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}
