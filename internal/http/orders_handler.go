package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_bookmart/internal/domain"
	"github.com/go-chi/chi/v5"
)

type OrderQuerier interface {
	GetOrder(ctx context.Context, userID, orderID int64, currency string) (*domain.Order, error)
	ListOrders(ctx context.Context, userID int64, currency string) ([]*domain.Order, error)
}

type OrdersHandler struct {
	orders  OrderQuerier
	timeout time.Duration
}

func NewOrdersHandler(orders OrderQuerier, timeout time.Duration) *OrdersHandler {
	return &OrdersHandler{
		orders:  orders,
		timeout: timeout,
	}
}

type ListOrdersResponseDTO struct {
	Orders []*domain.Order `json:"orders"`
}

// GET /api/v1/orders?currency=USD
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == 0 {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orders, err := h.orders.ListOrders(ctx, userID, displayCurrency(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ListOrdersResponseDTO{Orders: orders})
}

// GET /api/v1/orders/{order_id}?currency=USD
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == 0 {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "order_id"), 10, 64)
	if err != nil || orderID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "order_id must be a positive integer")
		return
	}

	order, err := h.orders.GetOrder(ctx, userID, orderID, displayCurrency(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

func displayCurrency(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("currency")))
}
