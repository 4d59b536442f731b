package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "Pending"
	OrderStatusPaid      OrderStatus = "Paid"
	OrderStatusShipped   OrderStatus = "Shipped"
	OrderStatusDelivered OrderStatus = "Delivered"
	OrderStatusCancelled OrderStatus = "Cancelled"
)

type OrderLine struct {
	OrderID   int64           `json:"order_id"`
	ItemID    int64           `json:"item_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Subtotal is quantity times the unit price captured when the order was placed.
func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type Order struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	CurrencyID   int64           `json:"currency_id"`
	CurrencyCode string          `json:"currency_code"`
	Status       OrderStatus     `json:"status"`
	Lines        []OrderLine     `json:"lines"`
	CreatedAt    time.Time       `json:"created_at"`
	Display      *OrderDisplay   `json:"display,omitempty"`
}

// OrderDisplay restates an order's amounts in another currency. The stored
// amounts are not changed.
type OrderDisplay struct {
	CurrencyCode string          `json:"currency_code"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Lines        []OrderLine     `json:"lines"`
}

// DisplayIn converts the order's total and unit prices from its settlement
// currency into to.
func (o *Order) DisplayIn(from, to Currency) *OrderDisplay {
	lines := make([]OrderLine, len(o.Lines))
	for i, line := range o.Lines {
		line.UnitPrice = from.Convert(line.UnitPrice, to)
		lines[i] = line
	}
	return &OrderDisplay{
		CurrencyCode: to.Code,
		TotalAmount:  from.Convert(o.TotalAmount, to),
		Lines:        lines,
	}
}

// OrderPlacedEvent is the outbox payload written when a checkout commits.
type OrderPlacedEvent struct {
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CurrencyID  int64           `json:"currency_id"`
	Lines       []CartLine      `json:"lines"`
	PlacedAt    time.Time       `json:"placed_at"`
}

const EventTypeOrderPlaced = "OrderPlaced"
