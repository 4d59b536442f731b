package http

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/go_bookmart/internal/domain"
)

type CheckoutProcessor interface {
	Checkout(ctx context.Context, userID int64) (int64, error)
}

type CheckoutHandler struct {
	checkout CheckoutProcessor
	timeout  time.Duration
}

func NewCheckoutHandler(checkout CheckoutProcessor, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		timeout:  timeout,
	}
}

type CheckoutResponseDTO struct {
	OrderID int64              `json:"order_id"`
	Status  domain.OrderStatus `json:"status"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == 0 {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	orderID, err := h.checkout.Checkout(ctx, userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, CheckoutResponseDTO{
		OrderID: orderID,
		Status:  domain.OrderStatusPending,
	})
}
