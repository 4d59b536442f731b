package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_bookmart/internal/cache"
	"github.com/fjod/go_bookmart/internal/domain"
	"github.com/fjod/go_bookmart/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedBook(t *testing.T, store *repository.MemoryStore, id int64, price string, stock int) {
	err := store.SaveBook(context.Background(), &domain.Book{
		ID:            id,
		Title:         "Book",
		Genre:         "Fiction",
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
	})
	require.NoError(t, err)
}

// MockCache implements cache.CartCache in memory and counts calls.
type MockCache struct {
	mu       sync.Mutex
	entries  map[int64]domain.CartSnapshot
	versions map[int64]int64
	GetErr   error
	SetErr   error
	Gets     int
	Sets     int
	Deletes  int
}

func NewMockCache() *MockCache {
	return &MockCache{
		entries:  make(map[int64]domain.CartSnapshot),
		versions: make(map[int64]int64),
	}
}

func (m *MockCache) Get(_ context.Context, userID int64) (*domain.CartSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gets++
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	s, ok := m.entries[userID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return &s, nil
}

func (m *MockCache) Version(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[userID], nil
}

func (m *MockCache) Set(_ context.Context, userID int64, cart *domain.CartSnapshot, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sets++
	if m.SetErr != nil {
		return m.SetErr
	}
	if m.versions[userID] != version {
		return cache.ErrStaleVersion
	}
	m.entries[userID] = *cart
	return nil
}

func (m *MockCache) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes++
	m.versions[userID]++
	delete(m.entries, userID)
	return nil
}

func (m *MockCache) Has(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[userID]
	return ok
}

// FaultyStore wraps a MemoryStore and injects failures into transactions.
type FaultyStore struct {
	*repository.MemoryStore
	FailOn     string // TxStore method name that returns errInjected
	FailCommit bool
	Delay      time.Duration // applied before every TxStore call
	TxCount    int
	Resolves   int
}

func (s *FaultyStore) ResolveCurrency(ctx context.Context, code string) (int64, error) {
	s.Resolves++
	return s.MemoryStore.ResolveCurrency(ctx, code)
}

func (s *FaultyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.TxStore) error) error {
	s.TxCount++
	return s.MemoryStore.WithinTx(ctx, func(ctx context.Context, tx repository.TxStore) error {
		if err := fn(ctx, &faultyTx{TxStore: tx, store: s}); err != nil {
			return err
		}
		if s.FailCommit {
			return errInjected
		}
		return nil
	})
}

type faultyTx struct {
	repository.TxStore
	store *FaultyStore
}

func (t *faultyTx) fail(op string) error {
	if t.store.Delay > 0 {
		time.Sleep(t.store.Delay)
	}
	if t.store.FailOn == op {
		return errInjected
	}
	return nil
}

func (t *faultyTx) GetCartForUpdate(ctx context.Context, userID int64) (domain.CartSnapshot, error) {
	if err := t.fail("GetCartForUpdate"); err != nil {
		return domain.CartSnapshot{}, err
	}
	return t.TxStore.GetCartForUpdate(ctx, userID)
}

func (t *faultyTx) CreateOrder(ctx context.Context, ownerID int64, total decimal.Decimal, currencyID int64) (int64, error) {
	if err := t.fail("CreateOrder"); err != nil {
		return 0, err
	}
	return t.TxStore.CreateOrder(ctx, ownerID, total, currencyID)
}

func (t *faultyTx) AddLines(ctx context.Context, orderID int64, lines []domain.CartLine) error {
	if err := t.fail("AddLines"); err != nil {
		return err
	}
	return t.TxStore.AddLines(ctx, orderID, lines)
}

func (t *faultyTx) TryDecrement(ctx context.Context, itemID int64, quantity int) (bool, error) {
	if err := t.fail("TryDecrement"); err != nil {
		return false, err
	}
	return t.TxStore.TryDecrement(ctx, itemID, quantity)
}

func (t *faultyTx) ClearCart(ctx context.Context, userID int64, lines []domain.CartLine) error {
	if err := t.fail("ClearCart"); err != nil {
		return err
	}
	return t.TxStore.ClearCart(ctx, userID, lines)
}

func (t *faultyTx) InsertOutboxEvent(ctx context.Context, event *repository.OutboxEvent) error {
	if err := t.fail("InsertOutboxEvent"); err != nil {
		return err
	}
	return t.TxStore.InsertOutboxEvent(ctx, event)
}

// MockCartRepository counts GetCart calls and fails on demand.
type MockCartRepository struct {
	repository.CartRepository
	mu       sync.Mutex
	GetCalls int
	GetErr   error
	AfterGet func()
	block    chan struct{}
}

func (m *MockCartRepository) GetCart(ctx context.Context, userID int64) (domain.CartSnapshot, error) {
	m.mu.Lock()
	m.GetCalls++
	m.mu.Unlock()
	if m.block != nil {
		<-m.block
	}
	if m.GetErr != nil {
		return domain.CartSnapshot{}, m.GetErr
	}
	snapshot, err := m.CartRepository.GetCart(ctx, userID)
	if m.AfterGet != nil {
		m.AfterGet()
	}
	return snapshot, err
}

// HookedStore runs AfterGetCart once, right after the next GetCart returns.
// The hook may call back into the store.
type HookedStore struct {
	*repository.MemoryStore
	AfterGetCart func()
}

func (s *HookedStore) GetCart(ctx context.Context, userID int64) (domain.CartSnapshot, error) {
	snapshot, err := s.MemoryStore.GetCart(ctx, userID)
	if hook := s.AfterGetCart; hook != nil {
		s.AfterGetCart = nil
		hook()
	}
	return snapshot, err
}
