package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fjod/go_bookmart/internal/cache"
	"github.com/fjod/go_bookmart/internal/domain"
	"github.com/fjod/go_bookmart/internal/repository"
	"golang.org/x/sync/singleflight"
)

type CartService struct {
	repo    repository.CartRepository
	catalog repository.CatalogRepository
	cache   cache.CartCache
	logger  *slog.Logger
	sfg     singleflight.Group // Prevents cache stampede
}

func NewCartService(repo repository.CartRepository, catalog repository.CatalogRepository, cache cache.CartCache, logger *slog.Logger) *CartService {
	return &CartService{
		repo:    repo,
		catalog: catalog,
		cache:   cache,
		logger:  logger,
	}
}

// AddItem puts quantity copies of the book into the user's cart at the book's
// current catalog price. Adding a book already in the cart accumulates the
// quantity and refreshes the price. An add that would put more copies in the
// cart than are in stock is rejected with a *StockLimitError; checkout still
// re-checks stock when it decrements.
func (s *CartService) AddItem(ctx context.Context, userID, itemID int64, quantity int) error {
	if quantity < 1 {
		return ErrInvalidQuantity
	}

	book, err := s.catalog.GetBook(ctx, itemID)
	if err != nil {
		return fmt.Errorf("get book %d: %w", itemID, err)
	}

	current, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		return fmt.Errorf("get cart: %w", err)
	}
	inCart := 0
	if line, ok := current.Line(itemID); ok {
		inCart = line.Quantity
	}
	if inCart+quantity > book.StockQuantity {
		return &StockLimitError{ItemID: itemID, Available: book.StockQuantity}
	}

	line := domain.CartLine{ItemID: itemID, Quantity: quantity, UnitPrice: book.Price}
	if err := s.repo.AddItem(ctx, userID, line); err != nil {
		s.logger.ErrorContext(ctx, "repo add item failed", "user_id", userID, "item_id", itemID, "error", err)
		return err
	}

	s.InvalidateCart(userID)
	return nil
}

func (s *CartService) RemoveItem(ctx context.Context, userID, itemID int64) error {
	if err := s.repo.RemoveItem(ctx, userID, itemID); err != nil {
		if !errors.Is(err, repository.ErrItemNotFound) {
			s.logger.ErrorContext(ctx, "repo remove item failed", "user_id", userID, "item_id", itemID, "error", err)
		}
		return err
	}

	s.InvalidateCart(userID)
	return nil
}

// Snapshot returns the user's cart, read through the cache.
func (s *CartService) Snapshot(ctx context.Context, userID int64) (domain.CartSnapshot, error) {
	v, err, _ := s.sfg.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		cached, err := s.cache.Get(ctx, userID)
		if err == nil {
			return *cached, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.WarnContext(ctx, "cache get failed", "user_id", userID, "error", err)
		}

		version, verErr := s.cache.Version(ctx, userID)
		if verErr != nil {
			s.logger.WarnContext(ctx, "cache version failed", "user_id", userID, "error", verErr)
		}

		snapshot, err := s.repo.GetCart(ctx, userID)
		if err != nil {
			return nil, err
		}

		if verErr == nil {
			err := s.cache.Set(ctx, userID, &snapshot, version)
			switch {
			case errors.Is(err, cache.ErrStaleVersion):
				s.logger.DebugContext(ctx, "cart invalidated while loading, not cached", "user_id", userID)
			case err != nil:
				s.logger.WarnContext(ctx, "cache set failed", "user_id", userID, "error", err)
			}
		}
		return snapshot, nil
	})
	if err != nil {
		return domain.CartSnapshot{}, err
	}

	return v.(domain.CartSnapshot), nil
}

// InvalidateCart drops the cached snapshot of the user's cart.
func (s *CartService) InvalidateCart(userID int64) {
	invalidateCache(s.cache, s.logger, userID)
}

func invalidateCache(c cache.CartCache, logger *slog.Logger, userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Delete(ctx, userID); err != nil {
		logger.Warn("cache invalidate failed", "user_id", userID, "error", err)
	}
}
