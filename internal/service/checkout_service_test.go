package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_bookmart/internal/domain"
	"github.com/fjod/go_bookmart/internal/metrics"
	"github.com/fjod/go_bookmart/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkoutFixture struct {
	store    *repository.MemoryStore
	cache    *MockCache
	carts    *CartService
	checkout *CheckoutService
	metrics  *metrics.CheckoutMetrics
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	store := repository.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	c := NewMockCache()
	m := metrics.NewCheckoutMetrics(prometheus.NewRegistry())
	return &checkoutFixture{
		store:    store,
		cache:    c,
		carts:    NewCartService(store, store, c, testLogger()),
		checkout: NewCheckoutService(store, c, m, testLogger(), CheckoutConfig{}),
		metrics:  m,
	}
}

func (f *checkoutFixture) stock(t *testing.T, itemID int64) int {
	qty, ok := f.store.Stock(itemID)
	require.True(t, ok)
	return qty
}

func (f *checkoutFixture) cartLines(t *testing.T, userID int64) []domain.CartLine {
	snapshot, err := f.store.GetCart(context.Background(), userID)
	require.NoError(t, err)
	return snapshot.Lines
}

func TestCheckout_Success(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	seedBook(t, f.store, 1, "100.00", 5)
	seedBook(t, f.store, 2, "50.00", 3)
	require.NoError(t, f.carts.AddItem(ctx, 1, 1, 2))
	require.NoError(t, f.carts.AddItem(ctx, 1, 2, 1))
	_, err := f.carts.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.True(t, f.cache.Has(1))

	orderID, err := f.checkout.Checkout(ctx, 1)
	require.NoError(t, err)
	assert.NotZero(t, orderID)

	order, err := f.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), order.UserID)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, "PHP", order.CurrencyCode)
	assert.True(t, decimal.RequireFromString("250.00").Equal(order.TotalAmount))
	require.Len(t, order.Lines, 2)
	assert.Equal(t, int64(1), order.Lines[0].ItemID)
	assert.Equal(t, 2, order.Lines[0].Quantity)
	assert.Equal(t, int64(2), order.Lines[1].ItemID)
	assert.Equal(t, 1, order.Lines[1].Quantity)

	assert.Equal(t, 3, f.stock(t, 1))
	assert.Equal(t, 2, f.stock(t, 2))
	assert.Empty(t, f.cartLines(t, 1))
	assert.False(t, f.cache.Has(1))

	events, err := f.store.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeOrderPlaced, events[0].EventType)

	var placed domain.OrderPlacedEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &placed))
	assert.Equal(t, orderID, placed.OrderID)
	assert.Len(t, placed.Lines, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Checkouts.WithLabelValues(metrics.OutcomeCommitted)))
}

func TestCheckout_InsufficientStock(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	seedBook(t, f.store, 1, "100.00", 2)
	require.NoError(t, f.carts.AddItem(ctx, 1, 1, 2))
	seedBook(t, f.store, 1, "100.00", 1)

	_, err := f.checkout.Checkout(ctx, 1)
	require.ErrorIs(t, err, ErrInsufficientStock)

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(1), stockErr.ItemID)

	assert.Equal(t, 1, f.stock(t, 1))
	assert.Len(t, f.cartLines(t, 1), 1)
	orders, err := f.store.ListOrdersByUser(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, orders)
	events, err := f.store.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Checkouts.WithLabelValues(metrics.OutcomeInsufficientStock)))
}

func TestCheckout_LaterLineShortRestoresEarlierLines(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	seedBook(t, f.store, 1, "10.00", 10)
	seedBook(t, f.store, 2, "20.00", 2)
	require.NoError(t, f.carts.AddItem(ctx, 1, 1, 3))
	require.NoError(t, f.carts.AddItem(ctx, 1, 2, 2))
	seedBook(t, f.store, 2, "20.00", 1)

	_, err := f.checkout.Checkout(ctx, 1)
	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(2), stockErr.ItemID)

	assert.Equal(t, 10, f.stock(t, 1))
	assert.Equal(t, 1, f.stock(t, 2))
	assert.Len(t, f.cartLines(t, 1), 2)
}

func TestCheckout_EmptyCartStartsNoTransaction(t *testing.T) {
	store := &FaultyStore{MemoryStore: repository.NewMemoryStore()}
	svc := NewCheckoutService(store, NewMockCache(), nil, testLogger(), CheckoutConfig{})

	_, err := svc.Checkout(context.Background(), 1)
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Equal(t, 0, store.TxCount)
	assert.Equal(t, 0, store.Resolves)
}

func TestCheckout_PriceFrozenAtAddTime(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	seedBook(t, f.store, 1, "100.00", 5)
	require.NoError(t, f.carts.AddItem(ctx, 1, 1, 2))

	seedBook(t, f.store, 1, "300.00", 5)

	orderID, err := f.checkout.Checkout(ctx, 1)
	require.NoError(t, err)

	order, err := f.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("200.00").Equal(order.TotalAmount))
	assert.True(t, decimal.RequireFromString("100.00").Equal(order.Lines[0].UnitPrice))
}

func TestCheckout_RetryWithoutChangeFailsTheSameWay(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	seedBook(t, f.store, 1, "100.00", 2)
	require.NoError(t, f.carts.AddItem(ctx, 1, 1, 2))
	seedBook(t, f.store, 1, "100.00", 1)

	_, first := f.checkout.Checkout(ctx, 1)
	_, second := f.checkout.Checkout(ctx, 1)

	require.Error(t, first)
	assert.Equal(t, first.Error(), second.Error())
	assert.ErrorIs(t, second, ErrInsufficientStock)
	assert.Equal(t, 1, f.stock(t, 1))
	assert.Len(t, f.cartLines(t, 1), 1)
}

func TestCheckout_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	seedBook(t, f.store, 1, "10.00", 5)

	const users = 10
	for u := int64(1); u <= users; u++ {
		require.NoError(t, f.carts.AddItem(ctx, u, 1, 1))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed, short := 0, 0
	for u := int64(1); u <= users; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := f.checkout.Checkout(ctx, userID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				committed++
			case errors.Is(err, ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(u)
	}
	wg.Wait()

	assert.Equal(t, 5, committed)
	assert.Equal(t, 5, short)
	assert.Equal(t, 0, f.stock(t, 1))
}

func TestCheckout_InfrastructureFailureRollsBack(t *testing.T) {
	for _, op := range []string{"GetCartForUpdate", "CreateOrder", "AddLines", "TryDecrement", "ClearCart", "InsertOutboxEvent"} {
		t.Run(op, func(t *testing.T) {
			store := &FaultyStore{MemoryStore: repository.NewMemoryStore(), FailOn: op}
			ctx := context.Background()
			seedBook(t, store.MemoryStore, 1, "10.00", 5)
			require.NoError(t, store.AddItem(ctx, 1, domain.CartLine{ItemID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")}))
			svc := NewCheckoutService(store, NewMockCache(), nil, testLogger(), CheckoutConfig{})

			_, err := svc.Checkout(ctx, 1)
			require.ErrorIs(t, err, ErrPersistence)
			assert.ErrorIs(t, err, errInjected)

			stock, _ := store.Stock(1)
			assert.Equal(t, 5, stock)
			snapshot, err := store.GetCart(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, snapshot.Lines, 1)
			orders, err := store.ListOrdersByUser(ctx, 1)
			require.NoError(t, err)
			assert.Empty(t, orders)
		})
	}
}

func TestCheckout_CommitFailure(t *testing.T) {
	store := &FaultyStore{MemoryStore: repository.NewMemoryStore(), FailCommit: true}
	ctx := context.Background()
	seedBook(t, store.MemoryStore, 1, "10.00", 5)
	require.NoError(t, store.AddItem(ctx, 1, domain.CartLine{ItemID: 1, Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")}))
	c := NewMockCache()
	svc := NewCheckoutService(store, c, nil, testLogger(), CheckoutConfig{})

	_, err := svc.Checkout(ctx, 1)
	require.ErrorIs(t, err, ErrPersistence)

	stock, _ := store.Stock(1)
	assert.Equal(t, 5, stock)
	snapshot, err := store.GetCart(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, snapshot.Lines, 1)
	assert.Equal(t, 0, c.Deletes)
}

func TestCheckout_TimeoutRollsBack(t *testing.T) {
	store := &FaultyStore{MemoryStore: repository.NewMemoryStore(), Delay: 20 * time.Millisecond}
	ctx := context.Background()
	seedBook(t, store.MemoryStore, 1, "10.00", 5)
	require.NoError(t, store.AddItem(ctx, 1, domain.CartLine{ItemID: 1, Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")}))
	svc := NewCheckoutService(store, NewMockCache(), nil, testLogger(), CheckoutConfig{TxTimeout: 5 * time.Millisecond})

	_, err := svc.Checkout(ctx, 1)
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	stock, _ := store.Stock(1)
	assert.Equal(t, 5, stock)
	snapshot, err := store.GetCart(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, snapshot.Lines, 1)
}

func TestCheckout_UnknownSettlementCurrency(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	seedBook(t, f.store, 1, "10.00", 5)
	require.NoError(t, f.carts.AddItem(ctx, 1, 1, 1))
	svc := NewCheckoutService(f.store, f.cache, nil, testLogger(), CheckoutConfig{SettlementCurrency: "EUR"})

	_, err := svc.Checkout(ctx, 1)
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, repository.ErrCurrencyNotFound)
	assert.Len(t, f.cartLines(t, 1), 1)
}

func TestCheckout_SettlementCurrencyIsConfigurable(t *testing.T) {
	f := newCheckoutFixture(t)
	ctx := context.Background()
	seedBook(t, f.store, 1, "10.00", 5)
	require.NoError(t, f.carts.AddItem(ctx, 1, 1, 1))
	svc := NewCheckoutService(f.store, f.cache, nil, testLogger(), CheckoutConfig{SettlementCurrency: "USD"})

	orderID, err := svc.Checkout(ctx, 1)
	require.NoError(t, err)

	order, err := f.store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, "USD", order.CurrencyCode)
}

func TestCheckout_ReadCartFailure(t *testing.T) {
	store := repository.NewMemoryStore()
	repo := &MockCartRepository{CartRepository: store, GetErr: errors.New("db down")}
	svc := NewCheckoutService(struct {
		repository.CartRepository
		repository.CurrencyResolver
		repository.Transactor
	}{repo, store, store}, NewMockCache(), nil, testLogger(), CheckoutConfig{})

	_, err := svc.Checkout(context.Background(), 1)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestCheckoutRun_IllegalTransition(t *testing.T) {
	run := &checkoutRun{userID: 1, state: domain.CheckoutStateStarted, logger: testLogger()}

	err := run.advance(domain.CheckoutStateCommitted)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, domain.CheckoutStateStarted, run.state)

	require.NoError(t, run.advance(domain.CheckoutStateValidated))
	require.NoError(t, run.advance(domain.CheckoutStatePersisting))
	require.NoError(t, run.advance(domain.CheckoutStateDecrementing))
	require.NoError(t, run.advance(domain.CheckoutStateCommitted))
	assert.True(t, run.state.IsTerminal())
}

func TestCheckout_AddsAfterCartPreviewAreNotLost(t *testing.T) {
	ctx := context.Background()
	store := &HookedStore{MemoryStore: repository.NewMemoryStore()}
	seedBook(t, store.MemoryStore, 1, "10.00", 10)
	seedBook(t, store.MemoryStore, 2, "20.00", 10)
	carts := NewCartService(store, store, NewMockCache(), testLogger())
	svc := NewCheckoutService(store, NewMockCache(), nil, testLogger(), CheckoutConfig{})
	require.NoError(t, carts.AddItem(ctx, 1, 1, 2))

	store.AfterGetCart = func() {
		require.NoError(t, carts.AddItem(ctx, 1, 2, 1))
		require.NoError(t, carts.AddItem(ctx, 1, 1, 1))
	}

	orderID, err := svc.Checkout(ctx, 1)
	require.NoError(t, err)

	order, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	snapshot, err := store.GetCart(ctx, 1)
	require.NoError(t, err)

	added := map[int64]int{1: 3, 2: 1}
	for itemID, want := range added {
		got := 0
		for _, line := range order.Lines {
			if line.ItemID == itemID {
				got += line.Quantity
			}
		}
		if line, ok := snapshot.Line(itemID); ok {
			got += line.Quantity
		}
		assert.Equal(t, want, got, "item %d must be either ordered or still in the cart", itemID)
	}
	assert.True(t, decimal.RequireFromString("50.00").Equal(order.TotalAmount))
}

func TestCheckout_DoubleSubmitPlacesOneOrder(t *testing.T) {
	ctx := context.Background()
	store := &HookedStore{MemoryStore: repository.NewMemoryStore()}
	seedBook(t, store.MemoryStore, 1, "10.00", 10)
	svc := NewCheckoutService(store, NewMockCache(), nil, testLogger(), CheckoutConfig{})
	require.NoError(t, store.AddItem(ctx, 1, domain.CartLine{ItemID: 1, Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")}))

	var firstID int64
	var firstErr error
	store.AfterGetCart = func() {
		firstID, firstErr = svc.Checkout(ctx, 1)
	}

	_, err := svc.Checkout(ctx, 1)
	assert.ErrorIs(t, err, ErrEmptyCart)
	require.NoError(t, firstErr)

	orders, err := store.ListOrdersByUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, firstID, orders[0].ID)
	stock, _ := store.Stock(1)
	assert.Equal(t, 8, stock)
}
