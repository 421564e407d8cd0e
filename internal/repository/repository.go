// Package repository defines the narrow interfaces internal/engine and
// internal/sync depend on for signature caching (Cache) and the
// cross-process pull lock (DistributedLock), so that a local in-memory
// implementation and a Redis-backed one are interchangeable behind the
// same two types.
package repository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned by Cache.Get when the key is absent or
	// expired.
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrLockNotAcquired is returned by DistributedLock.Lock when the key
	// is already held by another owner.
	ErrLockNotAcquired = errors.New("lock: not acquired")

	// ErrLockNotOwned is returned by DistributedLock.Unlock and Extend
	// when the caller's token does not match the current holder.
	ErrLockNotOwned = errors.New("lock: not owned by caller")
)

// Cache is a byte-oriented key/value store with per-key TTL, satisfied by
// both internal/cache/memory and internal/cache/redis.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// DistributedLock is a token-owned mutual exclusion primitive usable across
// processes, satisfied by internal/cache/redis.
type DistributedLock interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key string, token string) error
	Extend(ctx context.Context, key string, token string, ttl time.Duration) error
	IsLocked(ctx context.Context, key string) (bool, error)
}
