package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_bookmart/internal/domain"
	"github.com/shopspring/decimal"
)

// MemoryStore implements Store with in-memory storage. Transactions are
// serialized: WithinTx holds the write lock until fn returns and applies the
// staged writes only on success.
type MemoryStore struct {
	mu         sync.RWMutex
	books      map[int64]*domain.Book     // bookID -> book
	carts      map[int64]*domain.Cart     // userID -> cart
	currencies map[string]domain.Currency // code -> currency
	orders     map[int64]*domain.Order    // orderID -> order
	outbox     []*OutboxEvent
	processed  map[int64]bool

	nextBookID  int64
	nextOrderID int64
	nextEventID int64
}

// NewMemoryStore creates an empty store seeded with the PHP, USD and KRW currencies.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		books:      make(map[int64]*domain.Book),
		carts:      make(map[int64]*domain.Cart),
		currencies: make(map[string]domain.Currency),
		orders:     make(map[int64]*domain.Order),
		processed:  make(map[int64]bool),
	}

	seed := []domain.Currency{
		{ID: 1, Code: "PHP", ExchangeRateToPHP: decimal.RequireFromString("1.0000")},
		{ID: 2, Code: "USD", ExchangeRateToPHP: decimal.RequireFromString("57.0000")},
		{ID: 3, Code: "KRW", ExchangeRateToPHP: decimal.RequireFromString("0.0425")},
	}
	for _, c := range seed {
		s.currencies[c.Code] = c
	}
	return s
}

func (s *MemoryStore) Close() error {
	return nil
}

// Catalog

func (s *MemoryStore) GetBook(_ context.Context, id int64) (*domain.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, exists := s.books[id]
	if !exists {
		return nil, ErrBookNotFound
	}
	b := *book
	return &b, nil
}

func (s *MemoryStore) SaveBook(_ context.Context, book *domain.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if book.StockQuantity < 0 {
		return fmt.Errorf("stock quantity of book %d is negative", book.ID)
	}
	if book.ID == 0 {
		s.nextBookID++
		book.ID = s.nextBookID
	} else if book.ID > s.nextBookID {
		s.nextBookID = book.ID
	}
	b := *book
	s.books[b.ID] = &b
	return nil
}

func (s *MemoryStore) ResolveCurrency(_ context.Context, code string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.currencies[code]
	if !exists {
		return 0, ErrCurrencyNotFound
	}
	return c.ID, nil
}

func (s *MemoryStore) GetCurrency(_ context.Context, code string) (*domain.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.currencies[code]
	if !exists {
		return nil, ErrCurrencyNotFound
	}
	return &c, nil
}

// Cart

func (s *MemoryStore) GetCart(_ context.Context, userID int64) (domain.CartSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, exists := s.carts[userID]
	if !exists {
		return domain.NewCartSnapshot(userID, nil), nil
	}
	return cart.Snapshot(), nil
}

func (s *MemoryStore) AddItem(_ context.Context, userID int64, line domain.CartLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.books[line.ItemID]; !exists {
		return ErrBookNotFound
	}

	cart, exists := s.carts[userID]
	if !exists {
		cart = domain.NewCart(userID)
		s.carts[userID] = cart
	}
	return cart.Add(line.ItemID, line.Quantity, line.UnitPrice)
}

func (s *MemoryStore) RemoveItem(_ context.Context, userID int64, itemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, exists := s.carts[userID]
	if !exists || !cart.Remove(itemID) {
		return ErrItemNotFound
	}
	return nil
}

// Orders

func (s *MemoryStore) GetOrder(_ context.Context, orderID int64) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.orders[orderID]
	if !exists {
		return nil, ErrOrderNotFound
	}
	return copyOrder(order), nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID int64) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Order, 0)
	for _, order := range s.orders {
		if order.UserID == userID {
			result = append(result, copyOrder(order))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func copyOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Lines = append(make([]domain.OrderLine, 0, len(o.Lines)), o.Lines...)
	return &c
}

// Outbox

func (s *MemoryStore) GetUnprocessedEvents(_ context.Context, limit int) ([]*OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*OutboxEvent
	for _, e := range s.outbox {
		if len(events) >= limit {
			break
		}
		if !s.processed[e.ID] {
			c := *e
			events = append(events, &c)
		}
	}
	return events, nil
}

func (s *MemoryStore) MarkEventAsProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed[id] = true
	return nil
}

// Stock returns the current stock level of a book.
func (s *MemoryStore) Stock(itemID int64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, exists := s.books[itemID]
	if !exists {
		return 0, false
	}
	return book.StockQuantity, true
}

// WithinTx runs fn against a staged view of the store. Staged writes are
// applied only when fn returns nil and ctx is still live.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		reserved: make(map[int64]int),
		cleared:  make(map[int64][]domain.CartLine),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}

	tx.apply()
	return nil
}

// memTx stages the writes of one transaction. reserved holds the quantity
// taken from each book so far, so available stock is StockQuantity - reserved.
type memTx struct {
	store    *MemoryStore
	orders   []*domain.Order
	reserved map[int64]int
	cleared  map[int64][]domain.CartLine
	events   []*OutboxEvent
}

// GetCartForUpdate reads the cart directly; the write lock held for the whole
// transaction keeps it unchanged until commit.
func (t *memTx) GetCartForUpdate(ctx context.Context, userID int64) (domain.CartSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.CartSnapshot{}, fmt.Errorf("lock cart items: %w", err)
	}

	cart, exists := t.store.carts[userID]
	if !exists {
		return domain.NewCartSnapshot(userID, nil), nil
	}
	return cart.Snapshot(), nil
}

func (t *memTx) CreateOrder(ctx context.Context, ownerID int64, total decimal.Decimal, currencyID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}

	var code string
	for _, c := range t.store.currencies {
		if c.ID == currencyID {
			code = c.Code
		}
	}
	if code == "" {
		return 0, fmt.Errorf("insert order: %w", ErrCurrencyNotFound)
	}

	t.store.nextOrderID++
	order := &domain.Order{
		ID:           t.store.nextOrderID,
		UserID:       ownerID,
		TotalAmount:  total,
		CurrencyID:   currencyID,
		CurrencyCode: code,
		Status:       domain.OrderStatusPending,
		Lines:        make([]domain.OrderLine, 0),
		CreatedAt:    time.Now(),
	}
	t.orders = append(t.orders, order)
	return order.ID, nil
}

func (t *memTx) AddLines(ctx context.Context, orderID int64, lines []domain.CartLine) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	var order *domain.Order
	for _, o := range t.orders {
		if o.ID == orderID {
			order = o
		}
	}
	if order == nil {
		return fmt.Errorf("insert order items: %w", ErrOrderNotFound)
	}

	for _, line := range lines {
		if _, exists := t.store.books[line.ItemID]; !exists {
			return fmt.Errorf("insert order item %d: %w", line.ItemID, ErrBookNotFound)
		}
		order.Lines = append(order.Lines, domain.OrderLine{
			OrderID:   orderID,
			ItemID:    line.ItemID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}
	return nil
}

func (t *memTx) TryDecrement(ctx context.Context, itemID int64, quantity int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("decrement stock for book %d: %w", itemID, err)
	}

	book, exists := t.store.books[itemID]
	if !exists {
		return false, nil
	}
	if book.StockQuantity-t.reserved[itemID] < quantity {
		return false, nil
	}
	t.reserved[itemID] += quantity
	return true, nil
}

func (t *memTx) ClearCart(ctx context.Context, userID int64, lines []domain.CartLine) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	t.cleared[userID] = append(t.cleared[userID], lines...)
	return nil
}

func (t *memTx) InsertOutboxEvent(ctx context.Context, event *OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	if !json.Valid(event.Payload) {
		return fmt.Errorf("insert outbox event: payload is not valid JSON")
	}
	t.events = append(t.events, event)
	return nil
}

// apply publishes the staged writes. The caller holds the store's write lock.
func (t *memTx) apply() {
	s := t.store
	for _, o := range t.orders {
		s.orders[o.ID] = o
	}
	for itemID, qty := range t.reserved {
		s.books[itemID].StockQuantity -= qty
	}
	for userID, lines := range t.cleared {
		cart, exists := s.carts[userID]
		if !exists {
			continue
		}
		for _, ordered := range lines {
			if line, ok := cart.Lines[ordered.ItemID]; ok && line.Quantity == ordered.Quantity {
				cart.Remove(ordered.ItemID)
			}
		}
		if len(cart.Lines) == 0 {
			delete(s.carts, userID)
		}
	}
	now := time.Now()
	for _, e := range t.events {
		s.nextEventID++
		e.ID = s.nextEventID
		e.CreatedAt = now
		c := *e
		s.outbox = append(s.outbox, &c)
	}
}
