package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_bookmart/internal/domain"
)

// CartCache stores cart snapshots. Every Delete bumps the user's version, and
// Set only writes when the version is still the one read before loading the
// snapshot, so a snapshot loaded before an invalidation is never cached.
type CartCache interface {
	Get(ctx context.Context, userID int64) (*domain.CartSnapshot, error)
	Version(ctx context.Context, userID int64) (int64, error)
	Set(ctx context.Context, userID int64, cart *domain.CartSnapshot, version int64) error
	Delete(ctx context.Context, userID int64) error
}

var (
	ErrCacheMiss    = errors.New("cache miss")
	ErrStaleVersion = errors.New("cart was invalidated after the snapshot was loaded")
)

// NopCache always misses. It is used when no Redis address is configured.
type NopCache struct{}

func (NopCache) Get(context.Context, int64) (*domain.CartSnapshot, error) {
	return nil, ErrCacheMiss
}

func (NopCache) Version(context.Context, int64) (int64, error) { return 0, nil }

func (NopCache) Set(context.Context, int64, *domain.CartSnapshot, int64) error { return nil }

func (NopCache) Delete(context.Context, int64) error { return nil }
