package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/coinalpha/hbot/internal/arbitrage"
	"github.com/coinalpha/hbot/internal/candles"
	"github.com/coinalpha/hbot/internal/config"
	"github.com/coinalpha/hbot/internal/connector"
	binanceconn "github.com/coinalpha/hbot/internal/connector/binance"
	kucoinconn "github.com/coinalpha/hbot/internal/connector/kucoin"
	"github.com/coinalpha/hbot/internal/connector/paper"
	"github.com/coinalpha/hbot/internal/crypto"
	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/executor"
	"github.com/coinalpha/hbot/internal/feed"
	binanceapi "github.com/coinalpha/hbot/internal/platform/binance"
	"github.com/coinalpha/hbot/internal/platform/gateway"
	kucoinapi "github.com/coinalpha/hbot/internal/platform/kucoin"
	"github.com/coinalpha/hbot/internal/recorder"
	"github.com/coinalpha/hbot/internal/server"
	"github.com/coinalpha/hbot/internal/server/handler"
	"github.com/coinalpha/hbot/internal/server/ws"
	"github.com/coinalpha/hbot/internal/service"
	"github.com/coinalpha/hbot/internal/strategy"
)

// runtime carries the components a mode composes on top of the wired
// dependencies. Fields stay nil when the mode does not build them.
type runtime struct {
	connectors map[string]connector.Connector
	pairs      map[string][]domain.TradingPair

	fan       *eventFan
	router    *feed.Router
	candleMux *candleMux

	publisher *recorder.EventPublisher
	persister *recorder.CandlePersister
	archive   *recorder.ArchiveScheduler

	arb        *arbitrage.Registry
	engine     *strategy.Engine
	proposalCh chan domain.OrderProposal

	orderSvc   *service.OrderService
	riskSvc    *service.RiskService
	tradeSvc   *service.TradeService
	marketSvc  *service.MarketService
	balanceSvc *service.BalanceService
	exec       *executor.Executor
}

// eventFan fans connector lifecycle events out to every in-process consumer.
// Targets are assigned before any connector starts; connectors deliver events
// from their stream goroutines, so every target must be fast and non-blocking.
type eventFan struct {
	publisher *recorder.EventPublisher
	engine    *strategy.Engine
	risk      *service.RiskService
}

func (f *eventFan) Record(ev domain.OrderEvent) {
	if f.publisher != nil {
		f.publisher.Record(ev)
	}
	ctx := context.Background()
	if f.engine != nil {
		f.engine.HandleOrderEvent(ctx, ev)
	}
	if f.risk != nil {
		f.risk.OnOrderEvent(ctx, ev)
	}
}

// candleMux routes trades and venue candles to one aggregator per exchange
// and serves Tail queries across all of them. It implements the feed's
// candle sink and the strategy engine's candle source.
type candleMux struct {
	byExchange map[string]*candles.Aggregator
}

func newCandleMux(exchanges []string, intervals []domain.CandleInterval, capacity int, onClosed func(domain.Candle), logger *slog.Logger) *candleMux {
	m := &candleMux{byExchange: make(map[string]*candles.Aggregator, len(exchanges))}
	for _, ex := range exchanges {
		m.byExchange[ex] = candles.NewAggregator(ex, intervals, capacity, onClosed, logger)
	}
	return m
}

func (m *candleMux) OnTrade(t domain.PublicTrade) {
	if agg, ok := m.byExchange[t.Exchange]; ok {
		agg.OnTrade(t)
	}
}

func (m *candleMux) AddClosedCandle(c domain.Candle) {
	if agg, ok := m.byExchange[c.Exchange]; ok {
		agg.AddClosedCandle(c)
	}
}

// Tail returns the longest series any venue has for the pair. Pairs are
// venue-scoped in practice, so at most one aggregator answers.
func (m *candleMux) Tail(pair domain.TradingPair, interval domain.CandleInterval, n int) []domain.Candle {
	var best []domain.Candle
	for _, agg := range m.byExchange {
		if tail := agg.Tail(pair, interval, n); len(tail) > len(best) {
			best = tail
		}
	}
	return best
}

func (m *candleMux) tails() map[string]handler.CandleTail {
	out := make(map[string]handler.CandleTail, len(m.byExchange))
	for ex, agg := range m.byExchange {
		out[ex] = agg
	}
	return out
}

// statusSource assembles the live bot status served by GET /api/status.
type statusSource struct {
	mode       string
	instanceID string
	startedAt  time.Time
	connectors map[string]connector.Connector
	engine     *strategy.Engine
	risk       *service.RiskService
}

func (s *statusSource) Status() domain.BotStatus {
	st := domain.BotStatus{
		Mode:          s.mode,
		InstanceID:    s.instanceID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Connectors:    make(map[string]bool, len(s.connectors)),
	}
	for name, conn := range s.connectors {
		st.Connectors[name] = conn.Ready()
		st.OpenOrders += len(conn.OpenOrders())
	}
	if s.engine != nil {
		st.ActiveStrategy = s.engine.ActiveName()
	}
	if s.risk != nil {
		st.KillSwitchOn, _ = s.risk.Engaged()
		st.SessionPnL = s.risk.SessionPnL()
	}
	return st
}

// TradeMode trades live venues: connectors, feed, strategies, executor,
// recorder, and the API server.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	if err := a.acquireTradingLock(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	rt, err := a.buildMarketData(deps, true)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}
	if err := a.buildTrading(ctx, deps, rt); err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}
	a.startCore(ctx, g, deps, rt)
	a.startRecorder(ctx, g, deps, rt)
	if err := a.startGatewayFeed(ctx, g, deps, rt); err != nil {
		a.logger.WarnContext(ctx, "gateway venue disabled", slog.String("error", err.Error()))
	}
	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, rt)
	}

	return g.Wait()
}

// PaperMode trades a simulated venue fed by live market data. Orders never
// leave the process.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")

	g, ctx := errgroup.WithContext(ctx)

	rt, err := a.buildMarketData(deps, false)
	if err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}
	if err := a.addPaperVenue(rt); err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}
	if err := a.buildTrading(ctx, deps, rt); err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}
	a.startCore(ctx, g, deps, rt)
	a.startRecorder(ctx, g, deps, rt)
	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, rt)
	}

	return g.Wait()
}

// MonitorMode streams market data and serves the read-only API. No orders
// are placed and nothing persists beyond the Redis caches.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	rt, err := a.buildMarketData(deps, false)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	a.startCore(ctx, g, deps, rt)
	a.startServer(ctx, g, deps, rt)

	return g.Wait()
}

// RecordMode runs the persistence pipeline: market data in, fills and candles
// to Postgres, aged rows to S3 on the archive schedule.
func (a *App) RecordMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting record mode")

	g, ctx := errgroup.WithContext(ctx)

	rt, err := a.buildMarketData(deps, false)
	if err != nil {
		return fmt.Errorf("record mode: %w", err)
	}
	a.buildArchive(rt, deps)
	a.startCore(ctx, g, deps, rt)
	a.startRecorder(ctx, g, deps, rt)
	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, rt)
	}

	return g.Wait()
}

// FullMode runs everything: live trading plus the full recorder pipeline
// with archival.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	if err := a.acquireTradingLock(ctx, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	rt, err := a.buildMarketData(deps, true)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if err := a.buildTrading(ctx, deps, rt); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.buildArchive(rt, deps)
	a.startCore(ctx, g, deps, rt)
	a.startRecorder(ctx, g, deps, rt)
	if err := a.startGatewayFeed(ctx, g, deps, rt); err != nil {
		a.logger.WarnContext(ctx, "gateway venue disabled", slog.String("error", err.Error()))
	}
	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps, rt)
	}

	return g.Wait()
}

// acquireTradingLock takes the account-wide trading lock so two processes
// never trade the same credentials concurrently. Held until shutdown.
func (a *App) acquireTradingLock(ctx context.Context, deps *Dependencies) error {
	unlock, err := deps.LockManager.Acquire(ctx, "trading", 0)
	if err != nil {
		return fmt.Errorf("acquire trading lock: %w", err)
	}
	a.closers = append(a.closers, unlock)
	return nil
}

// buildMarketData constructs connectors, the candle pipeline, and the feed
// router. With live false the venue REST clients carry no credentials and
// only public streams run.
func (a *App) buildMarketData(deps *Dependencies, live bool) (*runtime, error) {
	rt := &runtime{
		connectors: make(map[string]connector.Connector),
		pairs:      make(map[string][]domain.TradingPair),
		fan:        &eventFan{},
		arb:        arbitrage.NewRegistry(0),
	}

	rt.publisher = recorder.NewEventPublisher(deps.EventBus, a.logger)
	rt.fan.publisher = rt.publisher

	if deps.CandleStore != nil {
		rt.persister = recorder.NewCandlePersister(deps.CandleStore, a.logger)
	}

	intervals := a.candleIntervals(a.cfg.Recorder.CandleIntervals)
	var exchanges []string
	if a.cfg.Binance.Enabled {
		exchanges = append(exchanges, domain.ExchangeBinance)
	}
	if a.cfg.Kucoin.Enabled {
		exchanges = append(exchanges, domain.ExchangeKucoin)
	}
	onClosed := func(c domain.Candle) {
		if rt.persister != nil {
			rt.persister.Add(c)
		}
	}
	rt.candleMux = newCandleMux(exchanges, intervals, a.cfg.Recorder.CandleCapacity, onClosed, a.logger)

	if a.cfg.Binance.Enabled {
		pairs := a.tradingPairs(domain.ExchangeBinance)
		var auth *crypto.BinanceAuth
		if live {
			auth = &crypto.BinanceAuth{Key: a.cfg.Binance.ApiKey, Secret: a.cfg.Binance.ApiSecret}
		}
		rest := binanceapi.NewRestClient(a.cfg.Binance.RestURL, auth, deps.RateLimiter)
		conn := binanceconn.New(binanceconn.Config{
			Pairs:           pairs,
			WSBaseURL:       a.cfg.Binance.WSURL,
			UserWSBaseURL:   a.cfg.Binance.UserWSURL,
			PollInterval:    a.cfg.Binance.PollInterval.Duration,
			BalanceInterval: a.cfg.Binance.BalanceInterval.Duration,
			RuleInterval:    a.cfg.Binance.RuleInterval.Duration,
			SnapshotDepth:   a.cfg.Binance.SnapshotDepth,
		}, rest, rt.fan, a.logger)
		rt.connectors[domain.ExchangeBinance] = conn
		rt.pairs[domain.ExchangeBinance] = pairs
	}

	if a.cfg.Kucoin.Enabled {
		pairs := a.tradingPairs(domain.ExchangeKucoin)
		var auth *crypto.KucoinAuth
		if live {
			auth = &crypto.KucoinAuth{
				Key:        a.cfg.Kucoin.ApiKey,
				Secret:     a.cfg.Kucoin.ApiSecret,
				Passphrase: a.cfg.Kucoin.ApiPassphrase,
			}
		}
		rest := kucoinapi.NewClient(a.cfg.Kucoin.RestURL, auth, deps.RateLimiter)
		conn := kucoinconn.New(kucoinconn.Config{
			Pairs:           pairs,
			PollInterval:    a.cfg.Kucoin.PollInterval.Duration,
			BalanceInterval: a.cfg.Kucoin.BalanceInterval.Duration,
			RuleInterval:    a.cfg.Kucoin.RuleInterval.Duration,
			CandleIntervals: a.candleIntervals(a.cfg.Kucoin.CandleIntervals),
			FeePercent:      decimal.NewFromFloat(a.cfg.Kucoin.TakerFeePercent),
		}, rest, rt.fan, a.logger)
		rt.connectors[domain.ExchangeKucoin] = conn
		rt.pairs[domain.ExchangeKucoin] = pairs
	}

	if len(rt.connectors) == 0 {
		return nil, fmt.Errorf("no venue enabled")
	}

	rt.marketSvc = service.NewMarketService(rt.connectors, rt.pairs, deps.RuleStore, a.cfg.Recorder.RuleSyncInterval.Duration, a.logger)
	rt.balanceSvc = service.NewBalanceService(rt.connectors, pairAssets(rt.pairs), deps.Oracle, a.logger)
	if deps.FillStore != nil {
		rt.tradeSvc = service.NewTradeService(deps.FillStore, deps.Oracle, a.logger)
	}

	return rt, nil
}

// addPaperVenue attaches the simulated venue on top of the configured source
// connector's market data.
func (a *App) addPaperVenue(rt *runtime) error {
	sourceName := a.cfg.Paper.Source
	source, ok := rt.connectors[sourceName]
	if !ok {
		return fmt.Errorf("paper source venue %q not enabled", sourceName)
	}

	pairs := a.tradingPairs(domain.ExchangePaper)
	if len(pairs) == 0 {
		pairs = rt.pairs[sourceName]
	}
	balances := make(map[string]decimal.Decimal, len(a.cfg.Paper.InitialBalances))
	for asset, amount := range a.cfg.Paper.InitialBalances {
		balances[asset] = decimal.NewFromFloat(amount)
	}

	conn := paper.New(paper.Config{
		Pairs:           pairs,
		Latency:         a.cfg.Paper.Latency.Duration,
		FeePercent:      decimal.NewFromFloat(a.cfg.Paper.FeePercent),
		InitialBalances: balances,
	}, source, rt.fan, a.logger)

	rt.connectors[domain.ExchangePaper] = conn
	rt.pairs[domain.ExchangePaper] = pairs
	return nil
}

// buildTrading wires the strategy engine, risk gate, order service, and
// executor over the market-data runtime.
func (a *App) buildTrading(ctx context.Context, deps *Dependencies, rt *runtime) error {
	registry := strategy.NewRegistry()
	strategy.RegisterBuiltin(registry)

	views := make(map[string]strategy.MarketView, len(rt.connectors))
	for name, conn := range rt.connectors {
		views[name] = conn
	}

	rt.proposalCh = make(chan domain.OrderProposal, 64)
	rt.engine = strategy.NewEngine(registry, rt.proposalCh, strategy.Deps{
		Markets: views,
		Candles: rt.candleMux,
		Mids:    strategy.NewMidTracker(5 * time.Minute),
		Arb:     rt.arb,
		Logger:  a.logger,
	}, a.logger)

	for name, sc := range a.cfg.Strategies {
		rt.engine.Configure(name, strategy.Config{
			Name:        name,
			Exchange:    sc.Exchange,
			TradingPair: domain.TradingPair(sc.TradingPair),
			OrderAmount: sc.OrderAmount,
			Params:      sc.Params,
		})
	}
	a.applyStoredStrategyConfigs(ctx, deps, rt)

	if len(a.cfg.App.ActiveStrategies) > 0 {
		if err := rt.engine.SetActiveNames(a.cfg.App.ActiveStrategies); err != nil {
			a.logger.WarnContext(ctx, "failed to set active strategies, engine will idle",
				slog.Any("active", a.cfg.App.ActiveStrategies),
				slog.String("error", err.Error()),
			)
		}
	}

	rt.orderSvc = service.NewOrderService(
		rt.connectors, deps.RateLimiter, deps.OrderStore, deps.AuditStore,
		a.cfg.Risk.FeeBufferBps, a.logger,
	)
	rt.riskSvc = service.NewRiskService(service.RiskConfig{
		MaxOpenOrdersPerPair: a.cfg.Risk.MaxOpenOrdersPerPair,
		MaxOrderNotional:     a.cfg.Risk.MaxOrderNotional,
		MaxSessionLossQuote:  a.cfg.Risk.MaxSessionLossQuote,
	}, rt.orderSvc, rt.orderSvc, deps.AuditStore, a.logger)

	rt.fan.engine = rt.engine
	rt.fan.risk = rt.riskSvc

	rt.exec = executor.NewExecutor(rt.proposalCh, rt.orderSvc, rt.riskSvc, a.logger)
	if deps.AuditStore != nil {
		rt.exec.WithAuditStore(deps.AuditStore)
	}
	return nil
}

// applyStoredStrategyConfigs overlays persisted parameter sets from the
// strategy config store onto the file configuration. Disabled rows are
// skipped; the API's PUT /api/strategies/params lands here on restart.
func (a *App) applyStoredStrategyConfigs(ctx context.Context, deps *Dependencies, rt *runtime) {
	if deps.StratCfgStore == nil {
		return
	}
	stored, err := deps.StratCfgStore.List(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "strategy config store unavailable, using file config only",
			slog.String("error", err.Error()))
		return
	}
	for _, sc := range stored {
		if !sc.Enabled {
			continue
		}
		base, ok := a.cfg.Strategies[sc.Name]
		if !ok {
			continue
		}
		merged := make(map[string]any, len(base.Params)+len(sc.Config))
		for k, v := range base.Params {
			merged[k] = v
		}
		for k, v := range sc.Config {
			merged[k] = v
		}
		rt.engine.Configure(sc.Name, strategy.Config{
			Name:        sc.Name,
			Exchange:    base.Exchange,
			TradingPair: domain.TradingPair(base.TradingPair),
			OrderAmount: base.OrderAmount,
			Params:      merged,
		})
	}
}

// buildArchive attaches the archival scheduler when blob storage is wired.
func (a *App) buildArchive(rt *runtime, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	rt.archive = recorder.NewArchiveScheduler(
		deps.Archiver,
		a.cfg.Recorder.ArchiveRetentionDays,
		a.cfg.Recorder.ArchiveCron,
		a.logger,
	)
}

// startCore runs the connectors, the feed router, the notification queue,
// and, when trading is built, the engine and executor.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	var sink feed.EngineSink
	if rt.engine != nil {
		sink = rt.engine
	}
	rt.router = feed.NewRouter(sink, rt.candleMux, deps.PriceCache, deps.BookCache, a.logger)
	rt.router.SetTickBus(deps.EventBus)
	for _, conn := range rt.connectors {
		rt.router.Attach(conn)
	}
	g.Go(func() error {
		return rt.router.Run(ctx)
	})

	for name, conn := range rt.connectors {
		c := conn
		n := name
		g.Go(func() error {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("connector %s: %w", n, err)
			}
			return nil
		})
	}

	if rt.engine != nil {
		g.Go(func() error {
			return rt.engine.Run(ctx)
		})
	}
	if rt.exec != nil {
		g.Go(func() error {
			return rt.exec.Run(ctx)
		})
	}

	g.Go(func() error {
		return deps.NotifyQueue.Run(ctx)
	})
}

// startRecorder runs the persistence pipeline over the event bus.
func (a *App) startRecorder(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	var fills *recorder.FillProcessor
	if deps.FillStore != nil {
		fills = recorder.NewFillProcessor(deps.EventBus, deps.FillStore, deps.NotifyQueue, deps.InstanceID, a.logger)
	}
	var rules recorder.Runner
	if deps.RuleStore != nil {
		rules = rt.marketSvc
	}
	orch := recorder.NewOrchestrator(rt.publisher, fills, rt.persister, rules, rt.archive, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})
}

// startGatewayFeed polls the on-chain AMM pools and feeds their mid prices
// into the engine and price cache so strategies can quote against the venue.
func (a *App) startGatewayFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) error {
	if !a.cfg.Gateway.Enabled {
		return nil
	}

	signer, err := crypto.NewWalletSigner(a.cfg.Gateway.PrivateKey, a.cfg.Gateway.ChainID)
	if err != nil {
		return fmt.Errorf("gateway signer: %w", err)
	}
	pools := make([]gateway.Pool, 0, len(a.cfg.Gateway.Pools))
	for _, p := range a.cfg.Gateway.Pools {
		pool, err := gatewayPool(p)
		if err != nil {
			return err
		}
		pools = append(pools, pool)
	}
	client, err := gateway.New(a.cfg.Gateway.RPCURL, signer, pools, deps.RateLimiter)
	if err != nil {
		return fmt.Errorf("gateway client: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	if err := client.VerifyChain(ctx); err != nil {
		return fmt.Errorf("gateway chain check: %w", err)
	}

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		last := make(map[domain.TradingPair]float64)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			for _, pair := range client.Pairs() {
				mid, err := client.MidPrice(ctx, pair)
				if err != nil {
					a.logger.DebugContext(ctx, "gateway mid price failed",
						slog.String("pair", string(pair)),
						slog.String("error", err.Error()),
					)
					continue
				}
				m, _ := mid.Float64()
				now := time.Now().UTC()
				_ = deps.PriceCache.SetMid(ctx, domain.ExchangeGateway, pair, m, now)
				if rt.engine != nil {
					rt.engine.HandlePriceChange(ctx, domain.PriceChange{
						Exchange:    domain.ExchangeGateway,
						TradingPair: pair,
						MidPrice:    m,
						PrevMid:     last[pair],
						BestBid:     m,
						BestAsk:     m,
						Timestamp:   now,
					})
				}
				last[pair] = m
			}
		}
	})
	return nil
}

// startServer assembles the HTTP handlers over whatever the mode built and
// runs the API server plus the WebSocket hub.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	status := &statusSource{
		mode:       strings.ToLower(a.cfg.App.Mode),
		instanceID: deps.InstanceID,
		startedAt:  time.Now().UTC(),
		connectors: rt.connectors,
		engine:     rt.engine,
		risk:       rt.riskSvc,
	}
	readiness := func() map[string]bool {
		out := make(map[string]bool, len(rt.connectors))
		for name, conn := range rt.connectors {
			out[name] = conn.Ready()
		}
		return out
	}

	strategyName := "none"
	if rt.engine != nil {
		strategyName = rt.engine.ActiveName()
	}
	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:         a.cfg.App.Mode,
		StrategyName: strategyName,
		StartedAt:    status.startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(readiness, a.logger),
		Status: handler.NewStatusHandler(status),
	}
	if rt.orderSvc != nil {
		handlers.Orders = handler.NewOrderHandler(rt.orderSvc, a.logger)
	}
	if rt.tradeSvc != nil {
		handlers.Fills = handler.NewFillHandler(rt.tradeSvc, a.logger)
	}
	if rt.marketSvc != nil {
		handlers.Markets = handler.NewMarketHandler(rt.marketSvc, deps.BookCache, rt.candleMux.tails(), deps.CandleStore, a.logger)
	}
	if rt.balanceSvc != nil {
		handlers.Balances = handler.NewBalanceHandler(rt.balanceSvc, a.logger)
	}
	if rt.arb != nil {
		handlers.Arb = handler.NewArbHandler(rt.arb, a.logger)
	}
	if deps.StratCfgStore != nil {
		handlers.Strategy = handler.NewStrategyHandler(deps.StratCfgStore, a.logger)
	}
	var ctrl handler.StrategyRuntimeController
	if rt.engine != nil {
		ctrl = rt.engine
	}
	handlers.Runtime = handler.NewStrategyRuntimeHandler(ctrl, hub, a.logger)
	if rt.riskSvc != nil {
		handlers.KillSwitch = handler.NewKillSwitchHandler(rt.riskSvc, a.logger)
	}
	if rt.archive != nil {
		handlers.Admin = handler.NewAdminHandler(rt.archive, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)
	g.Go(func() error {
		return srv.Run(ctx)
	})
}

// candleIntervals parses interval names from config, dropping anything the
// domain does not know.
func (a *App) candleIntervals(names []string) []domain.CandleInterval {
	out := make([]domain.CandleInterval, 0, len(names))
	for _, name := range names {
		if iv, ok := domain.ParseCandleInterval(name); ok {
			out = append(out, iv)
		} else {
			a.logger.Warn("unknown candle interval ignored", slog.String("interval", name))
		}
	}
	return out
}

// tradingPairs returns the configured pairs for one exchange.
func (a *App) tradingPairs(exchange string) []domain.TradingPair {
	raw := a.cfg.Pairs[exchange]
	out := make([]domain.TradingPair, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, domain.TradingPair(strings.ToUpper(s)))
		}
	}
	return out
}

// pairAssets lists the distinct base and quote assets per exchange, the set
// the balance surfaces report on.
func pairAssets(pairs map[string][]domain.TradingPair) map[string][]string {
	out := make(map[string][]string, len(pairs))
	for ex, ps := range pairs {
		seen := make(map[string]bool)
		var assets []string
		for _, p := range ps {
			for _, asset := range []string{p.Base(), p.Quote()} {
				if asset != "" && !seen[asset] {
					seen[asset] = true
					assets = append(assets, asset)
				}
			}
		}
		out[ex] = assets
	}
	return out
}

// gatewayPool converts one configured pool into the client's form.
func gatewayPool(p config.GatewayPoolConfig) (gateway.Pool, error) {
	pair := domain.TradingPair(strings.ToUpper(p.TradingPair))
	if pair == "" || p.Address == "" || p.Router == "" {
		return gateway.Pool{}, fmt.Errorf("gateway pool %q: trading_pair, address, and router are required", p.TradingPair)
	}
	return gateway.Pool{
		TradingPair: pair,
		Address:     common.HexToAddress(p.Address),
		Router:      common.HexToAddress(p.Router),
		Base: gateway.Token{
			Symbol:   pair.Base(),
			Address:  common.HexToAddress(p.BaseAddress),
			Decimals: int32(p.BaseDecimals),
		},
		Quote: gateway.Token{
			Symbol:   pair.Quote(),
			Address:  common.HexToAddress(p.QuoteAddress),
			Decimals: int32(p.QuoteDecimals),
		},
		BaseIsToken0: p.BaseIsToken0,
		FeeBps:       int64(p.FeeBps),
	}, nil
}
