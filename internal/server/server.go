package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/server/handler"
	"github.com/coinalpha/hbot/internal/server/middleware"
	"github.com/coinalpha/hbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Per-IP request budget; zero disables the limit.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Optional handlers may be nil; their routes are then not registered.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Orders     *handler.OrderHandler
	Fills      *handler.FillHandler
	Markets    *handler.MarketHandler
	Balances   *handler.BalanceHandler
	Arb        *handler.ArbHandler
	Strategy   *handler.StrategyHandler
	Runtime    *handler.StrategyRuntimeHandler
	KillSwitch *handler.KillSwitchHandler
	Admin      *handler.AdminHandler
}

// Server is the headless HTTP + WebSocket API for the bot.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Read routes pass without credentials; mutating routes go through bearer
// auth when an API key is configured. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	guard := middleware.Auth(cfg.APIKey)

	// Liveness and readiness (no auth).
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
		mux.HandleFunc("GET /api/ready", handlers.Health.Ready)
	}

	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}

	if handlers.Orders != nil {
		mux.HandleFunc("GET /api/orders", handlers.Orders.ListOrders)
		mux.HandleFunc("GET /api/orders/{exchange}/{id}", handlers.Orders.GetOrder)
		mux.Handle("POST /api/orders", guard(http.HandlerFunc(handlers.Orders.PlaceOrder)))
		mux.Handle("DELETE /api/orders/{id}", guard(http.HandlerFunc(handlers.Orders.CancelOrder)))
		mux.Handle("POST /api/orders/cancel_all", guard(http.HandlerFunc(handlers.Orders.CancelAll)))
	}

	if handlers.Fills != nil {
		mux.HandleFunc("GET /api/fills", handlers.Fills.ListFills)
	}

	if handlers.Markets != nil {
		mux.HandleFunc("GET /api/markets/pairs", handlers.Markets.ListPairs)
		mux.HandleFunc("GET /api/markets/rules", handlers.Markets.ListRules)
		mux.HandleFunc("GET /api/books/top", handlers.Markets.GetTop)
		mux.HandleFunc("GET /api/candles", handlers.Markets.ListCandles)
	}

	if handlers.Balances != nil {
		mux.HandleFunc("GET /api/balances", handlers.Balances.ListBalances)
	}

	if handlers.Arb != nil {
		mux.HandleFunc("GET /api/arbitrage/recent", handlers.Arb.ListRecent)
	}

	if handlers.Runtime != nil {
		mux.HandleFunc("GET /api/strategies", handlers.Runtime.List)
		mux.HandleFunc("GET /api/strategies/proposals", handlers.Runtime.Proposals)
		mux.Handle("POST /api/strategies/activate", guard(http.HandlerFunc(handlers.Runtime.Activate)))
	}

	if handlers.Strategy != nil {
		mux.HandleFunc("GET /api/strategies/params", handlers.Strategy.GetParams)
		mux.Handle("PUT /api/strategies/params", guard(http.HandlerFunc(handlers.Strategy.UpdateParams)))
		mux.Handle("POST /api/strategies/enabled", guard(http.HandlerFunc(handlers.Strategy.SetEnabled)))
	}

	if handlers.KillSwitch != nil {
		mux.HandleFunc("GET /api/killswitch", handlers.KillSwitch.GetState)
		mux.Handle("POST /api/killswitch/engage", guard(http.HandlerFunc(handlers.KillSwitch.Engage)))
		mux.Handle("POST /api/killswitch/release", guard(http.HandlerFunc(handlers.KillSwitch.Release)))
	}

	if handlers.Admin != nil {
		mux.Handle("POST /api/admin/archive", guard(http.HandlerFunc(handlers.Admin.TriggerArchive)))
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Run starts the server and shuts it down when the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
