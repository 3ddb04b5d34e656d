package cache

import (
	"context"
	"time"
)

// Cache is the lookup-cache abstraction used for oracle results (identity
// resolution, entitlement ownership). Cached values are advisory and may
// vanish at any time; the remote store stays authoritative. Swapping the
// memory implementation for Redis shares the caches across instances
// without touching business logic.
type Cache interface {
	// Get retrieves a value by key. Returns ErrCacheMiss if not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries owned by this cache.
	Clear(ctx context.Context) error
}

// CacheError is a sentinel error type for cache operations.
type CacheError string

func (e CacheError) Error() string { return string(e) }

// ErrCacheMiss indicates the key was not found in cache.
const ErrCacheMiss CacheError = "cache miss"
