package domain

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidQuantity = errors.New("quantity must be at least 1")

// CartLine is one item in a user's cart. UnitPrice is the catalog price captured
// when the item was last added and is never re-read at checkout.
type CartLine struct {
	ItemID    int64           `json:"item_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Cart holds a user's lines keyed by item, so an item appears at most once.
type Cart struct {
	UserID    int64
	Lines     map[int64]CartLine
	UpdatedAt time.Time
}

func NewCart(userID int64) *Cart {
	return &Cart{
		UserID: userID,
		Lines:  make(map[int64]CartLine),
	}
}

// Add merges quantity into the line for itemID. The unit price of an existing
// line is replaced by unitPrice.
func (c *Cart) Add(itemID int64, quantity int, unitPrice decimal.Decimal) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}
	line, ok := c.Lines[itemID]
	if !ok {
		line = CartLine{ItemID: itemID}
	}
	line.Quantity += quantity
	line.UnitPrice = unitPrice
	c.Lines[itemID] = line
	c.UpdatedAt = time.Now()
	return nil
}

// Remove deletes the line for itemID and reports whether it existed.
func (c *Cart) Remove(itemID int64) bool {
	if _, ok := c.Lines[itemID]; !ok {
		return false
	}
	delete(c.Lines, itemID)
	c.UpdatedAt = time.Now()
	return true
}

func (c *Cart) Clear() {
	c.Lines = make(map[int64]CartLine)
	c.UpdatedAt = time.Now()
}

func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.Lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

// Snapshot copies the cart into an immutable view ordered by item id.
func (c *Cart) Snapshot() CartSnapshot {
	lines := make([]CartLine, 0, len(c.Lines))
	for _, line := range c.Lines {
		lines = append(lines, line)
	}
	return NewCartSnapshot(c.UserID, lines)
}

// CartSnapshot represents the full cart state at a point in time.
type CartSnapshot struct {
	UserID int64           `json:"user_id"`
	Lines  []CartLine      `json:"lines"`
	Total  decimal.Decimal `json:"total"`
}

// NewCartSnapshot sorts lines by item id and computes the total from them.
func NewCartSnapshot(userID int64, lines []CartLine) CartSnapshot {
	sorted := make([]CartLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })

	total := decimal.Zero
	for _, line := range sorted {
		total = total.Add(line.Subtotal())
	}
	return CartSnapshot{UserID: userID, Lines: sorted, Total: total}
}

func (s CartSnapshot) IsEmpty() bool {
	return len(s.Lines) == 0
}

// Line returns the snapshot line for itemID.
func (s CartSnapshot) Line(itemID int64) (CartLine, bool) {
	for _, line := range s.Lines {
		if line.ItemID == itemID {
			return line, true
		}
	}
	return CartLine{}, false
}
