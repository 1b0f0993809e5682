package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/connector"
	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/order"
)

const (
	orderRateLimit  = 10 // placements per exchange per window
	orderRateWindow = time.Second
)

// OrderService fronts the connectors for order placement. It is the sole
// path to the wire: the executor pipeline and the HTTP control surface both
// go through it, so rate limiting, budget fitting, and audit logging apply
// uniformly. It satisfies the executor's Placer interface.
type OrderService struct {
	connectors map[string]connector.Connector
	budgets    map[string]*connector.BudgetChecker
	limiter    domain.RateLimiter
	orders     domain.OrderStore
	audit      domain.AuditStore
	logger     *slog.Logger
}

// NewOrderService builds the service over the wired connectors. A budget
// checker is derived from each connector's own balances and rules.
func NewOrderService(
	connectors map[string]connector.Connector,
	limiter domain.RateLimiter,
	orders domain.OrderStore,
	audit domain.AuditStore,
	feeBufferBps float64,
	logger *slog.Logger,
) *OrderService {
	budgets := make(map[string]*connector.BudgetChecker, len(connectors))
	for name, c := range connectors {
		budgets[name] = connector.NewBudgetChecker(c, c, feeBufferFraction(feeBufferBps))
	}
	return &OrderService{
		connectors: connectors,
		budgets:    budgets,
		limiter:    limiter,
		orders:     orders,
		audit:      audit,
		logger:     logger,
	}
}

// Place submits a placement proposal to its venue. The proposal is rate
// limited per exchange, quantized and fitted to the available balance, and
// audit logged on success. A retryable outcome comes back in the result
// rather than the error so the executor can apply its own retry policy.
func (s *OrderService) Place(ctx context.Context, p domain.OrderProposal) (domain.PlaceResult, error) {
	conn, ok := s.connectors[p.Exchange]
	if !ok {
		return domain.PlaceResult{Message: "unknown exchange"}, fmt.Errorf("order_service: exchange %q not wired: %w", p.Exchange, domain.ErrNotFound)
	}
	if !conn.Ready() {
		return domain.PlaceResult{Message: "connector not ready", ShouldRetry: true}, domain.ErrConnectorNotReady
	}

	allowed, err := s.limiter.Allow(ctx, "orders:"+p.Exchange, 1, orderRateLimit, orderRateWindow)
	if err != nil {
		return domain.PlaceResult{}, fmt.Errorf("order_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.PlaceResult{Message: "rate limited", ShouldRetry: true}, domain.ErrRateLimited
	}

	allOrNone := p.LegPolicy == domain.LegPolicyAllOrNone
	adjusted, err := s.budgets[p.Exchange].AdjustProposal(p, allOrNone)
	if err != nil {
		return domain.PlaceResult{Message: err.Error()}, fmt.Errorf("order_service: budget: %w", err)
	}

	var clientOrderID string
	if adjusted.Side == domain.TradeTypeSell {
		clientOrderID, err = conn.Sell(ctx, adjusted.TradingPair, adjusted.Amount, adjusted.Price, adjusted.OrderType)
	} else {
		clientOrderID, err = conn.Buy(ctx, adjusted.TradingPair, adjusted.Amount, adjusted.Price, adjusted.OrderType)
	}
	if err != nil {
		return domain.PlaceResult{
			Message:     err.Error(),
			ShouldRetry: retryablePlaceError(err),
		}, fmt.Errorf("order_service: place on %s: %w", p.Exchange, err)
	}

	if auditErr := s.audit.Log(ctx, "order_placed", map[string]any{
		"client_order_id": clientOrderID,
		"exchange":        adjusted.Exchange,
		"pair":            string(adjusted.TradingPair),
		"side":            string(adjusted.Side),
		"type":            string(adjusted.OrderType),
		"price":           adjusted.Price.String(),
		"amount":          adjusted.Amount.String(),
		"strategy":        adjusted.Strategy,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "order_service: audit log failed",
			slog.String("client_order_id", clientOrderID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "order_service: order placed",
		slog.String("client_order_id", clientOrderID),
		slog.String("exchange", adjusted.Exchange),
		slog.String("pair", string(adjusted.TradingPair)),
		slog.String("side", string(adjusted.Side)),
		slog.String("price", adjusted.Price.String()),
		slog.String("amount", adjusted.Amount.String()),
	)

	return domain.PlaceResult{Success: true, ClientOrderID: clientOrderID}, nil
}

// Cancel routes a cancellation proposal to its venue.
func (s *OrderService) Cancel(ctx context.Context, p domain.OrderProposal) error {
	conn, ok := s.connectors[p.Exchange]
	if !ok {
		return fmt.Errorf("order_service: exchange %q not wired: %w", p.Exchange, domain.ErrNotFound)
	}
	if err := conn.Cancel(ctx, p.TradingPair, p.ClientOrderID); err != nil {
		return fmt.Errorf("order_service: cancel %s on %s: %w", p.ClientOrderID, p.Exchange, err)
	}
	if auditErr := s.audit.Log(ctx, "order_cancelled", map[string]any{
		"client_order_id": p.ClientOrderID,
		"exchange":        p.Exchange,
		"reason":          p.Reason,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "order_service: audit log failed",
			slog.String("client_order_id", p.ClientOrderID),
			slog.String("error", auditErr.Error()),
		)
	}
	return nil
}

// CancelAll cancels every live order on every venue, or on a single venue
// when exchange is non-empty. Used by the kill switch and the shutdown path.
func (s *OrderService) CancelAll(ctx context.Context, exchange string) error {
	var firstErr error
	for name, conn := range s.connectors {
		if exchange != "" && name != exchange {
			continue
		}
		if err := conn.CancelAll(ctx); err != nil {
			s.logger.ErrorContext(ctx, "order_service: cancel-all failed",
				slog.String("exchange", name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("order_service: cancel all on %s: %w", name, err)
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}
	if auditErr := s.audit.Log(ctx, "cancel_all", map[string]any{
		"exchange": exchange,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "order_service: audit log failed",
			slog.String("error", auditErr.Error()),
		)
	}
	return nil
}

// ActiveOrders lists live orders across the wired venues, or for one venue
// when exchange is non-empty.
func (s *OrderService) ActiveOrders(exchange string) []domain.LimitOrder {
	var out []domain.LimitOrder
	for name, conn := range s.connectors {
		if exchange != "" && name != exchange {
			continue
		}
		out = append(out, conn.OpenOrders()...)
	}
	return out
}

// OrderDetail returns the full in-flight state of one order. Live and
// recently-terminal orders come from the tracker; older ones fall back to
// the persisted snapshot.
func (s *OrderService) OrderDetail(ctx context.Context, exchange, clientOrderID string) (*order.InFlightOrder, error) {
	if conn, ok := s.connectors[exchange]; ok {
		if o, found := conn.Tracker().FetchOrder(clientOrderID, ""); found {
			return o, nil
		}
	}
	if s.orders == nil {
		return nil, fmt.Errorf("order_service: order %s/%s: %w", exchange, clientOrderID, domain.ErrNotFound)
	}
	rec, err := s.orders.Get(ctx, exchange, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("order_service: order %s/%s: %w", exchange, clientOrderID, err)
	}
	var o order.InFlightOrder
	if err := json.Unmarshal(rec.Snapshot, &o); err != nil {
		return nil, fmt.Errorf("order_service: decode snapshot %s/%s: %w", exchange, clientOrderID, err)
	}
	return &o, nil
}

func feeBufferFraction(bps float64) decimal.Decimal {
	if bps <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(bps / 10000)
}

// retryablePlaceError reports whether a placement failure is worth one
// more attempt. Validation failures are final; transport troubles and
// venue throttling are not.
func retryablePlaceError(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInvalidOrder),
		errors.Is(err, domain.ErrBelowMinimums),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrUnauthorized):
		return false
	case errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, domain.ErrConnectorNotReady),
		errors.Is(err, domain.ErrWSDisconnect):
		return true
	}
	return false
}
