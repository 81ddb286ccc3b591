package domain

import (
	"context"
	"time"
)

// DedupCache remembers recently applied event keys. Entries expire a fixed
// TTL after Mark; an expired or absent key is reported unseen.
type DedupCache interface {
	Seen(ctx context.Context, key EventKey) (bool, error)
	Mark(ctx context.Context, key EventKey) error
}

// AssetCache provides fast asset spec lookups.
type AssetCache interface {
	Set(ctx context.Context, spec AssetSpec) error
	Get(ctx context.Context, assetID int64) (AssetSpec, error)
	Invalidate(ctx context.Context, assetID int64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The returned Lock must be
// released by the holder.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock is a held distributed lock.
type Lock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}
