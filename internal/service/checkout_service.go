package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fjod/go_bookmart/internal/cache"
	"github.com/fjod/go_bookmart/internal/domain"
	"github.com/fjod/go_bookmart/internal/metrics"
	"github.com/fjod/go_bookmart/internal/repository"
	"github.com/google/uuid"
)

const (
	DefaultSettlementCurrency = "PHP"
	DefaultTxTimeout          = 5 * time.Second
)

// CheckoutStore is the storage the checkout needs: the cart to read, the
// currency to settle in and a transaction to write everything in.
type CheckoutStore interface {
	repository.CartRepository
	repository.CurrencyResolver
	repository.Transactor
}

type CheckoutConfig struct {
	SettlementCurrency string
	TxTimeout          time.Duration
}

type CheckoutService struct {
	store   CheckoutStore
	cache   cache.CartCache
	metrics *metrics.CheckoutMetrics
	logger  *slog.Logger
	cfg     CheckoutConfig
}

// NewCheckoutService builds the checkout coordinator. m may be nil.
func NewCheckoutService(store CheckoutStore, cache cache.CartCache, m *metrics.CheckoutMetrics, logger *slog.Logger, cfg CheckoutConfig) *CheckoutService {
	if cfg.SettlementCurrency == "" {
		cfg.SettlementCurrency = DefaultSettlementCurrency
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultTxTimeout
	}
	return &CheckoutService{
		store:   store,
		cache:   cache,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
	}
}

// Checkout turns the user's cart into a Pending order. Either the order, its
// lines, every stock decrement and the cart clear are all persisted, or none
// of them are and the cart is left as it was.
func (s *CheckoutService) Checkout(ctx context.Context, userID int64) (int64, error) {
	start := time.Now()
	run := &checkoutRun{userID: userID, state: domain.CheckoutStateStarted, logger: s.logger}

	orderID, err := s.checkout(ctx, run)
	s.observe(start, err)
	if err != nil {
		if run.state != domain.CheckoutStateRolledBack {
			_ = run.advance(domain.CheckoutStateRolledBack)
		}
		s.logger.WarnContext(ctx, "checkout failed", "user_id", userID, "state", run.state, "error", err)
		return 0, err
	}

	invalidateCache(s.cache, s.logger, userID)
	s.logger.InfoContext(ctx, "checkout committed", "user_id", userID, "order_id", orderID)
	return orderID, nil
}

func (s *CheckoutService) checkout(ctx context.Context, run *checkoutRun) (int64, error) {
	preview, err := s.store.GetCart(ctx, run.userID)
	if err != nil {
		return 0, fmt.Errorf("%w: read cart: %w", ErrPersistence, err)
	}
	if preview.IsEmpty() {
		return 0, ErrEmptyCart
	}

	currencyID, err := s.store.ResolveCurrency(ctx, s.cfg.SettlementCurrency)
	if err != nil {
		return 0, fmt.Errorf("%w: resolve currency %s: %w", ErrPersistence, s.cfg.SettlementCurrency, err)
	}
	if err := run.advance(domain.CheckoutStateValidated); err != nil {
		return 0, err
	}

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	var orderID int64
	err = s.store.WithinTx(txCtx, func(ctx context.Context, tx repository.TxStore) error {
		if err := run.advance(domain.CheckoutStatePersisting); err != nil {
			return err
		}

		// the locked lines, not the preview, are what gets ordered
		snapshot, err := tx.GetCartForUpdate(ctx, run.userID)
		if err != nil {
			return err
		}
		if snapshot.IsEmpty() {
			return ErrEmptyCart
		}

		id, err := tx.CreateOrder(ctx, run.userID, snapshot.Total, currencyID)
		if err != nil {
			return err
		}
		if err := tx.AddLines(ctx, id, snapshot.Lines); err != nil {
			return err
		}

		if err := run.advance(domain.CheckoutStateDecrementing); err != nil {
			return err
		}
		// snapshot lines are ordered by item id, so concurrent checkouts lock stock rows in the same order
		for _, line := range snapshot.Lines {
			ok, err := tx.TryDecrement(ctx, line.ItemID, line.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return &InsufficientStockError{ItemID: line.ItemID}
			}
		}

		if err := tx.ClearCart(ctx, run.userID, snapshot.Lines); err != nil {
			return err
		}

		event, err := orderPlacedEvent(id, currencyID, snapshot)
		if err != nil {
			return err
		}
		if err := tx.InsertOutboxEvent(ctx, event); err != nil {
			return err
		}

		orderID = id
		return nil
	})
	if err != nil {
		_ = run.advance(domain.CheckoutStateRolledBack)
		if errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrEmptyCart) || errors.Is(err, ErrIllegalTransition) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if err := run.advance(domain.CheckoutStateCommitted); err != nil {
		return 0, err
	}
	return orderID, nil
}

func orderPlacedEvent(orderID, currencyID int64, snapshot domain.CartSnapshot) (*repository.OutboxEvent, error) {
	payload, err := json.Marshal(domain.OrderPlacedEvent{
		OrderID:     orderID,
		UserID:      snapshot.UserID,
		TotalAmount: snapshot.Total,
		CurrencyID:  currencyID,
		Lines:       snapshot.Lines,
		PlacedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order placed payload: %w", err)
	}

	return &repository.OutboxEvent{
		EventID:     uuid.New().String(),
		AggregateId: strconv.FormatInt(orderID, 10),
		EventType:   domain.EventTypeOrderPlaced,
		Payload:     payload,
	}, nil
}

func (s *CheckoutService) observe(start time.Time, err error) {
	if s.metrics == nil {
		return
	}

	outcome := metrics.OutcomeCommitted
	switch {
	case err == nil:
	case errors.Is(err, ErrEmptyCart):
		outcome = metrics.OutcomeEmptyCart
	case errors.Is(err, ErrInsufficientStock):
		outcome = metrics.OutcomeInsufficientStock
	default:
		outcome = metrics.OutcomePersistenceError
	}
	s.metrics.Checkouts.WithLabelValues(outcome).Inc()
	s.metrics.LatencyMS.Observe(float64(time.Since(start).Milliseconds()))
}

// checkoutRun tracks the state of one checkout invocation.
type checkoutRun struct {
	userID int64
	state  domain.CheckoutState
	logger *slog.Logger
}

func (r *checkoutRun) advance(to domain.CheckoutState) error {
	if !domain.CanTransitionTo(r.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.state, to)
	}
	r.logger.Debug("checkout state changed", "user_id", r.userID, "from", r.state, "to", to)
	r.state = to
	return nil
}
