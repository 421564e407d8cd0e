package lock

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker keyed by string, suitable for a
// single-process deployment of the engine. The table is not durable across
// restarts, matching §9's "the table need not be durable."
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]*entry),
	}
}

// Acquire attempts to take the lock for key, returning false (not an error)
// if it is currently held by a live entry.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if e, ok := l.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}

	l.entries[key] = &entry{expiresAt: now.Add(ttl)}
	return true, nil
}

// AcquireWithRetry retries Acquire up to maxRetries additional times,
// waiting retryDelay between attempts, until the lock frees up (typically
// via TTL expiry) or the context is cancelled.
func (l *MemoryLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error) {
	for attempt := 0; ; attempt++ {
		acquired, err := l.Acquire(ctx, key, ttl)
		if err != nil || acquired {
			return acquired, err
		}
		if attempt >= maxRetries {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Release drops the lock for key. Releasing a key that is not held is not
// an error; it reports whether anything was actually released.
func (l *MemoryLocker) Release(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[key]; !ok {
		return false, nil
	}
	delete(l.entries, key)
	return true, nil
}

// Extend pushes the expiry of a held lock forward by ttl from now.
func (l *MemoryLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return false, nil
	}
	e.expiresAt = time.Now().Add(ttl)
	return true, nil
}

// IsHeld reports whether key is currently locked and unexpired.
func (l *MemoryLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return false, nil
	}
	return time.Now().Before(e.expiresAt), nil
}

// NoOpLocker is a Locker that never actually excludes anyone; useful for
// single-writer embeddings of the engine that don't need per-file
// serialization.
type NoOpLocker struct{}

// NewNoOpLocker creates a locker whose operations always succeed.
func NewNoOpLocker() *NoOpLocker {
	return &NoOpLocker{}
}

func (l *NoOpLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (l *NoOpLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (bool, error) {
	return true, nil
}

func (l *NoOpLocker) Release(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (l *NoOpLocker) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (l *NoOpLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	return false, nil
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*NoOpLocker)(nil)
)
