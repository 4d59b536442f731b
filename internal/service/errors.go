package service

import (
	"errors"
	"fmt"

	"github.com/fjod/go_bookmart/internal/domain"
)

var (
	ErrInvalidQuantity   = domain.ErrInvalidQuantity
	ErrEmptyCart         = errors.New("cart is empty, nothing to checkout")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrPersistence       = errors.New("checkout could not be persisted")
	ErrIllegalTransition = errors.New("illegal transition of checkout state")
)

// InsufficientStockError names the first cart item whose stock could not cover
// the requested quantity.
type InsufficientStockError struct {
	ItemID int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for item %d", e.ItemID)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StockLimitError rejects a cart add that would exceed the item's current stock.
type StockLimitError struct {
	ItemID    int64
	Available int
}

func (e *StockLimitError) Error() string {
	return fmt.Sprintf("not enough stock for item %d, only %d left", e.ItemID, e.Available)
}

func (e *StockLimitError) Is(target error) bool {
	return target == ErrInsufficientStock
}
