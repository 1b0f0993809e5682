package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinalpha/hbot/internal/domain"
	"github.com/coinalpha/hbot/internal/order"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	Place(ctx context.Context, p domain.OrderProposal) (domain.PlaceResult, error)
	Cancel(ctx context.Context, p domain.OrderProposal) error
	CancelAll(ctx context.Context, exchange string) error
	ActiveOrders(exchange string) []domain.LimitOrder
	OrderDetail(ctx context.Context, exchange, clientOrderID string) (*order.InFlightOrder, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logger,
	}
}

type limitOrderView struct {
	ClientOrderID   string `json:"client_order_id"`
	ExchangeOrderID string `json:"exchange_order_id,omitempty"`
	TradingPair     string `json:"trading_pair"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Amount          string `json:"amount"`
	FilledAmount    string `json:"filled_amount"`
	AgeSeconds      int64  `json:"age_seconds"`
}

func toLimitOrderView(o domain.LimitOrder) limitOrderView {
	side := string(domain.TradeTypeSell)
	if o.IsBuy {
		side = string(domain.TradeTypeBuy)
	}
	return limitOrderView{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		TradingPair:     string(o.TradingPair),
		Side:            side,
		Price:           o.Price.String(),
		Amount:          o.Amount.String(),
		FilledAmount:    o.FilledAmount.String(),
		AgeSeconds:      int64(o.Age.Seconds()),
	}
}

// ListOrders returns active orders, optionally scoped to one venue.
// GET /api/orders?exchange=binance
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	exchange := r.URL.Query().Get("exchange")
	orders := h.orders.ActiveOrders(exchange)

	views := make([]limitOrderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toLimitOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": views})
}

// GetOrder returns full in-flight state for one order, falling back to the
// persisted snapshot for orders no longer tracked in memory.
// GET /api/orders/{exchange}/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	exchange := pathParam(r, "exchange")
	id := pathParam(r, "id")
	if exchange == "" || id == "" {
		writeError(w, http.StatusBadRequest, "exchange and order id are required")
		return
	}

	o, err := h.orders.OrderDetail(r.Context(), exchange, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: order detail failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}

	writeJSON(w, http.StatusOK, o)
}

// placeOrderRequest is the JSON body for manual order placement.
type placeOrderRequest struct {
	Exchange    string `json:"exchange"`
	TradingPair string `json:"trading_pair"`
	Side        string `json:"side"`
	OrderType   string `json:"order_type"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
}

// PlaceOrder places an order on behalf of an operator. The request runs the
// same budget and risk path as strategy orders.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Exchange == "" || req.TradingPair == "" {
		writeError(w, http.StatusBadRequest, "exchange and trading_pair are required")
		return
	}

	side := domain.TradeType(strings.ToUpper(req.Side))
	if side != domain.TradeTypeBuy && side != domain.TradeTypeSell {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}

	orderType := domain.OrderType(strings.ToUpper(req.OrderType))
	if orderType == "" {
		orderType = domain.OrderTypeLimit
	}
	switch orderType {
	case domain.OrderTypeLimit, domain.OrderTypeLimitMaker, domain.OrderTypeMarket:
	default:
		writeError(w, http.StatusBadRequest, "unsupported order type")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, http.StatusBadRequest, "amount must be a positive decimal")
		return
	}

	var price decimal.Decimal
	if orderType != domain.OrderTypeMarket {
		price, err = decimal.NewFromString(req.Price)
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			writeError(w, http.StatusBadRequest, "price must be a positive decimal")
			return
		}
	}

	result, err := h.orders.Place(r.Context(), domain.OrderProposal{
		ID:          uuid.NewString(),
		Strategy:    "manual",
		Exchange:    req.Exchange,
		TradingPair: domain.TradingPair(req.TradingPair),
		Kind:        domain.ProposalPlace,
		Side:        side,
		OrderType:   orderType,
		Price:       price,
		Amount:      amount,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate limited")
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown exchange")
		case errors.Is(err, domain.ErrInvalidOrder),
			errors.Is(err, domain.ErrBelowMinimums),
			errors.Is(err, domain.ErrInsufficientBalance):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrConnectorNotReady):
			writeError(w, http.StatusServiceUnavailable, "connector not ready")
		default:
			h.logger.ErrorContext(r.Context(), "handler: place order failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to place order")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_order_id": result.ClientOrderID,
		"message":         result.Message,
	})
}

// CancelOrder cancels an order by client order id.
// DELETE /api/orders/{id}?exchange=binance&pair=ETH-USDT
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	exchange := r.URL.Query().Get("exchange")
	pair := r.URL.Query().Get("pair")
	if id == "" || exchange == "" || pair == "" {
		writeError(w, http.StatusBadRequest, "order id, exchange, and pair are required")
		return
	}

	p := domain.OrderProposal{
		ID:            uuid.NewString(),
		Strategy:      "manual",
		Exchange:      exchange,
		TradingPair:   domain.TradingPair(pair),
		Kind:          domain.ProposalCancel,
		ClientOrderID: id,
	}
	if err := h.orders.Cancel(r.Context(), p); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancelled",
		"order_id": id,
	})
}

// CancelAll cancels every active order, optionally scoped to one venue.
// POST /api/orders/cancel_all?exchange=binance
func (h *OrderHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	exchange := r.URL.Query().Get("exchange")
	if err := h.orders.CancelAll(r.Context(), exchange); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: cancel all failed",
			slog.String("exchange", exchange),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel orders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
