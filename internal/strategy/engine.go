package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coinalpha/hbot/internal/domain"
)

const (
	defaultTickInterval = time.Second
	eventBuf            = 32
	orderEventBuf       = 64
)

// Engine drives the active strategies. It receives market data events from
// the feed, fans them out to per-strategy channels, adds a steady tick, and
// forwards every resulting order proposal to the channel consumed by the
// executor pipeline.
type Engine struct {
	registry   *Registry
	deps       Deps
	proposalCh chan<- domain.OrderProposal
	tick       time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	configs     map[string]Config
	activeNames []string
	bookChs     map[string]chan domain.OrderBookSnapshot
	priceChs    map[string]chan domain.PriceChange
	tradeChs    map[string]chan domain.PublicTrade
	orderChs    map[string]chan domain.OrderEvent

	recentProposals []domain.OrderProposal
	recentLimit     int
}

// NewEngine creates an Engine. The proposalCh is the output channel where
// emitted proposals are sent to the executor.
func NewEngine(registry *Registry, proposalCh chan<- domain.OrderProposal, deps Deps, logger *slog.Logger) *Engine {
	e := &Engine{
		registry:    registry,
		deps:        deps,
		proposalCh:  proposalCh,
		tick:        defaultTickInterval,
		configs:     make(map[string]Config),
		logger:      logger.With(slog.String("component", "strategy_engine")),
		recentLimit: 500,
	}
	if e.deps.Logger == nil {
		e.deps.Logger = logger
	}
	return e
}

// Configure sets or replaces the config used when the named strategy is next
// activated. Running instances are not affected.
func (e *Engine) Configure(name string, cfg Config) {
	cfg.Name = name
	e.mu.Lock()
	e.configs[name] = cfg
	e.mu.Unlock()
}

// ActiveName returns the active strategy names joined with commas, or ""
// when nothing is active.
func (e *Engine) ActiveName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return strings.Join(e.activeNames, ",")
}

// ListNames returns the names of all registered strategies in sorted order.
func (e *Engine) ListNames() []string {
	return e.registry.List()
}

// SetActive activates a single strategy by name.
func (e *Engine) SetActive(name string) error {
	return e.SetActiveNames([]string{name})
}

// SetActiveNames selects the strategies that Run will drive. Every name must
// be registered. Calling this while Run is active closes the previous
// strategy set's channels, stopping those strategies.
func (e *Engine) SetActiveNames(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("active names cannot be empty")
	}
	for _, name := range names {
		if !e.registry.Known(name) {
			return fmt.Errorf("strategy %q: not registered", name)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeStrategyChannelsLocked()
	e.activeNames = names
	e.bookChs = make(map[string]chan domain.OrderBookSnapshot, len(names))
	e.priceChs = make(map[string]chan domain.PriceChange, len(names))
	e.tradeChs = make(map[string]chan domain.PublicTrade, len(names))
	e.orderChs = make(map[string]chan domain.OrderEvent, len(names))
	for _, name := range names {
		e.bookChs[name] = make(chan domain.OrderBookSnapshot, eventBuf)
		e.priceChs[name] = make(chan domain.PriceChange, eventBuf)
		e.tradeChs[name] = make(chan domain.PublicTrade, eventBuf)
		e.orderChs[name] = make(chan domain.OrderEvent, orderEventBuf)
	}
	e.logger.Info("active strategies set", slog.Any("strategies", names))
	return nil
}

func (e *Engine) closeStrategyChannelsLocked() {
	for _, ch := range e.bookChs {
		close(ch)
	}
	for _, ch := range e.priceChs {
		close(ch)
	}
	for _, ch := range e.tradeChs {
		close(ch)
	}
	for _, ch := range e.orderChs {
		close(ch)
	}
	e.bookChs = nil
	e.priceChs = nil
	e.tradeChs = nil
	e.orderChs = nil
}

// RecentProposals returns up to limit most recent emitted proposals, newest
// first.
func (e *Engine) RecentProposals(limit int) []domain.OrderProposal {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recentProposals)
	if n == 0 {
		return []domain.OrderProposal{}
	}
	if limit > n {
		limit = n
	}
	out := make([]domain.OrderProposal, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		p := e.recentProposals[i]
		if p.Metadata != nil {
			meta := make(map[string]string, len(p.Metadata))
			for k, v := range p.Metadata {
				meta[k] = v
			}
			p.Metadata = meta
		}
		out = append(out, p)
	}
	return out
}

// HandleBookUpdate feeds an order book snapshot to every active strategy.
// Full per-strategy buffers drop the update for that strategy; book data is
// refreshed constantly, so a dropped snapshot costs nothing.
func (e *Engine) HandleBookUpdate(ctx context.Context, snap domain.OrderBookSnapshot) {
	e.mu.Lock()
	names := e.activeNames
	chs := e.bookChs
	e.mu.Unlock()

	for _, name := range names {
		if ch, ok := chs[name]; ok {
			select {
			case ch <- snap:
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// HandlePriceChange feeds a mid-price move to every active strategy.
func (e *Engine) HandlePriceChange(ctx context.Context, change domain.PriceChange) {
	e.mu.Lock()
	names := e.activeNames
	chs := e.priceChs
	e.mu.Unlock()

	for _, name := range names {
		if ch, ok := chs[name]; ok {
			select {
			case ch <- change:
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// HandleTrade feeds a public trade to every active strategy.
func (e *Engine) HandleTrade(ctx context.Context, trade domain.PublicTrade) {
	e.mu.Lock()
	names := e.activeNames
	chs := e.tradeChs
	e.mu.Unlock()

	for _, name := range names {
		if ch, ok := chs[name]; ok {
			select {
			case ch <- trade:
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// HandleOrderEvent feeds an order lifecycle event to every active strategy.
// Unlike market data these are not droppable without consequence, so a full
// buffer is logged.
func (e *Engine) HandleOrderEvent(ctx context.Context, ev domain.OrderEvent) {
	e.mu.Lock()
	names := e.activeNames
	chs := e.orderChs
	e.mu.Unlock()

	for _, name := range names {
		if ch, ok := chs[name]; ok {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			default:
				e.logger.Warn("order event dropped, strategy lagging",
					slog.String("strategy", name),
					slog.String("kind", string(ev.Kind())),
					slog.String("order_id", ev.OrderID()),
				)
			}
		}
	}
}

// Run builds and drives one goroutine per active strategy. Each strategy
// reads its own channels, gets a tick at the engine cadence, and emits to
// the shared proposal channel. Blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	names := make([]string, len(e.activeNames))
	copy(names, e.activeNames)
	e.mu.Unlock()
	if len(names) == 0 {
		e.logger.Info("no active strategies, blocking until context done")
		<-ctx.Done()
		return ctx.Err()
	}

	e.logger.Info("strategy engine started", slog.Any("strategies", names))
	defer func() {
		e.mu.Lock()
		e.closeStrategyChannelsLocked()
		e.activeNames = nil
		e.mu.Unlock()
		e.logger.Info("strategy engine stopped")
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			return e.runStrategy(gctx, name)
		})
	}
	return g.Wait()
}

// runStrategy owns one strategy instance end to end: build, Init, the event
// loop, Close. Callback errors are logged and the loop continues; only Init
// failure or context cancellation stops a strategy.
func (e *Engine) runStrategy(ctx context.Context, name string) error {
	e.mu.Lock()
	cfg, ok := e.configs[name]
	if !ok {
		cfg = Config{Name: name}
	}
	bookCh := e.bookChs[name]
	priceCh := e.priceChs[name]
	tradeCh := e.tradeChs[name]
	orderCh := e.orderChs[name]
	e.mu.Unlock()
	if bookCh == nil || priceCh == nil || tradeCh == nil || orderCh == nil {
		return nil
	}

	strat, err := e.registry.Build(name, cfg, e.deps)
	if err != nil {
		return err
	}
	if err := strat.Init(ctx); err != nil {
		e.logger.Error("strategy init failed", slog.String("strategy", name), slog.String("error", err.Error()))
		return fmt.Errorf("strategy %s init: %w", name, err)
	}
	defer func() { _ = strat.Close() }()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			proposals, err := strat.OnTick(ctx, now)
			if err != nil {
				e.logger.Warn("strategy OnTick error", slog.String("strategy", name), slog.String("error", err.Error()))
				continue
			}
			e.emit(ctx, proposals)
		case snap, ok := <-bookCh:
			if !ok {
				return nil
			}
			proposals, err := strat.OnBookUpdate(ctx, snap)
			if err != nil {
				e.logger.Warn("strategy OnBookUpdate error", slog.String("strategy", name), slog.String("error", err.Error()))
				continue
			}
			e.emit(ctx, proposals)
		case change, ok := <-priceCh:
			if !ok {
				return nil
			}
			proposals, err := strat.OnPriceChange(ctx, change)
			if err != nil {
				e.logger.Warn("strategy OnPriceChange error", slog.String("strategy", name), slog.String("error", err.Error()))
				continue
			}
			e.emit(ctx, proposals)
		case trade, ok := <-tradeCh:
			if !ok {
				return nil
			}
			proposals, err := strat.OnTrade(ctx, trade)
			if err != nil {
				e.logger.Warn("strategy OnTrade error", slog.String("strategy", name), slog.String("error", err.Error()))
				continue
			}
			e.emit(ctx, proposals)
		case ev, ok := <-orderCh:
			if !ok {
				return nil
			}
			proposals, err := strat.OnOrderEvent(ctx, ev)
			if err != nil {
				e.logger.Warn("strategy OnOrderEvent error", slog.String("strategy", name), slog.String("error", err.Error()))
				continue
			}
			e.emit(ctx, proposals)
		}
	}
}

// emit sends each proposal to the proposal channel. It respects context
// cancellation.
func (e *Engine) emit(ctx context.Context, proposals []domain.OrderProposal) {
	for i := range proposals {
		select {
		case <-ctx.Done():
			e.logger.Warn("context cancelled while emitting proposals",
				slog.Int("remaining", len(proposals)-i),
			)
			return
		case e.proposalCh <- proposals[i]:
			e.rememberProposal(proposals[i])
			e.logger.Debug("proposal emitted",
				slog.String("proposal_id", proposals[i].ID),
				slog.String("strategy", proposals[i].Strategy),
				slog.String("kind", string(proposals[i].Kind)),
				slog.String("side", string(proposals[i].Side)),
			)
		}
	}
}

func (e *Engine) rememberProposal(p domain.OrderProposal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentProposals = append(e.recentProposals, p)
	if overflow := len(e.recentProposals) - e.recentLimit; overflow > 0 {
		e.recentProposals = append([]domain.OrderProposal(nil), e.recentProposals[overflow:]...)
	}
}
