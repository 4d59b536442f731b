package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fjod/go_bookmart/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrBookNotFound     = errors.New("book not found")
	ErrItemNotFound     = errors.New("item not found in cart")
	ErrOrderNotFound    = errors.New("order not found")
	ErrCurrencyNotFound = errors.New("currency not found")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

type OutboxEvent struct {
	ID          int64
	EventID     string
	AggregateId string
	EventType   string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// CartRepository stores the lines of each user's cart.
type CartRepository interface {
	GetCart(ctx context.Context, userID int64) (domain.CartSnapshot, error)
	// AddItem merges line into the user's cart: quantities add up and the
	// stored unit price is replaced.
	AddItem(ctx context.Context, userID int64, line domain.CartLine) error
	RemoveItem(ctx context.Context, userID int64, itemID int64) error
}

type CatalogRepository interface {
	GetBook(ctx context.Context, id int64) (*domain.Book, error)
	SaveBook(ctx context.Context, book *domain.Book) error
}

type CurrencyResolver interface {
	ResolveCurrency(ctx context.Context, code string) (int64, error)
	GetCurrency(ctx context.Context, code string) (*domain.Currency, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64) ([]*domain.Order, error)
}

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id int64) error
}

// TxStore is the set of writes available inside one checkout transaction.
// Nothing written through it is visible to other transactions before commit.
type TxStore interface {
	// GetCartForUpdate reads the user's cart and locks its lines until the
	// transaction ends.
	GetCartForUpdate(ctx context.Context, userID int64) (domain.CartSnapshot, error)
	// CreateOrder inserts a Pending order header and returns its id.
	CreateOrder(ctx context.Context, ownerID int64, total decimal.Decimal, currencyID int64) (int64, error)
	AddLines(ctx context.Context, orderID int64, lines []domain.CartLine) error
	// TryDecrement subtracts quantity from the item's stock only if enough
	// remains. It reports false, with no change, when stock is insufficient or
	// the item does not exist.
	TryDecrement(ctx context.Context, itemID int64, quantity int) (bool, error)
	// ClearCart deletes the given lines from the user's cart. A line is only
	// deleted while its quantity still equals the ordered quantity; lines not
	// listed are kept.
	ClearCart(ctx context.Context, userID int64, lines []domain.CartLine) error
	InsertOutboxEvent(ctx context.Context, event *OutboxEvent) error
}

// Transactor runs fn inside a transaction. The transaction commits only when
// fn returns nil; otherwise it is rolled back and fn's error is returned as is.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error
}

// Store is everything the application needs from persistent storage.
type Store interface {
	CartRepository
	CatalogRepository
	CurrencyResolver
	OrderReader
	OutboxRepository
	Transactor
	Close() error
}

var (
	_ Store = (*Repository)(nil)
	_ Store = (*MemoryStore)(nil)
)
