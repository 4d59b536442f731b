package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fjod/go_bookmart/internal/repository"
	"github.com/fjod/go_bookmart/internal/service"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
	ItemID  int64  `json:"item_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// handleServiceError maps service and repository errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *service.InsufficientStockError
	var limitErr *service.StockLimitError

	switch {
	case errors.As(err, &limitErr):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:   limitErr.Error(),
			Code:    "insufficient_stock",
			Details: fmt.Sprintf("only %d left", limitErr.Available),
			ItemID:  limitErr.ItemID,
		})
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:  stockErr.Error(),
			Code:   "insufficient_stock",
			ItemID: stockErr.ItemID,
		})
	case errors.Is(err, service.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, service.ErrEmptyCart):
		respondError(w, http.StatusConflict, "empty_cart", err.Error())
	case errors.Is(err, repository.ErrBookNotFound):
		respondError(w, http.StatusNotFound, "book_not_found", "book not found")
	case errors.Is(err, repository.ErrItemNotFound):
		respondError(w, http.StatusNotFound, "item_not_found", "item not found in cart")
	case errors.Is(err, repository.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "order_not_found", "order not found")
	case errors.Is(err, service.ErrPersistence):
		slog.ErrorContext(r.Context(), "checkout failed", "request_id", getRequestID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, "checkout_failed", "checkout could not be completed, cart unchanged")
	case errors.Is(err, repository.ErrCurrencyNotFound):
		respondError(w, http.StatusBadRequest, "unknown_currency", "unknown currency")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		slog.ErrorContext(r.Context(), "request failed", "request_id", getRequestID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
