// Package lock provides the per-file write lock used to serialize
// save_version/delete_version/delete_file calls against the same file_id
// (§5, §9: "a keyed lock table... with entries evicted when unused").
package lock

import (
	"context"
	"time"
)

// Locker is a keyed, TTL-bounded mutual exclusion primitive. Acquire
// returning (false, nil) means the key is already held by someone else, not
// an error.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error)
	Release(ctx context.Context, key string) (bool, error)
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsHeld(ctx context.Context, key string) (bool, error)
}
