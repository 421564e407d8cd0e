// Package memory provides an in-process repository.Cache implementation,
// the default local signature/chunk-existence cache for a single-process
// engine.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/prn-tf/vaultsync/internal/repository"
)

type item struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (it *item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// Cache is an in-process, TTL-aware byte cache with a background sweep for
// expired entries.
type Cache struct {
	mu       sync.RWMutex
	items    map[string]*item
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCache creates an empty cache and starts its background sweeper.
func NewCache() *Cache {
	c := &Cache{
		items:  make(map[string]*item),
		stopCh: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Stop halts the background sweeper. Safe to call multiple times.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
}

// Set stores a defensive copy of value under key. ttl of zero means no
// expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &item{value: cp, expiresAt: expiresAt}
	return nil
}

// Get returns a defensive copy of the cached value, or repository.ErrCacheMiss
// if the key is absent or expired.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || it.expired(time.Now()) {
		return nil, repository.ErrCacheMiss
	}

	cp := make([]byte, len(it.value))
	copy(cp, it.value)
	return cp, nil
}

// Delete removes key. It is not an error if key is absent.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Exists reports whether key is present and unexpired.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok || it.expired(time.Now()) {
		return false, nil
	}
	return true, nil
}

var _ repository.Cache = (*Cache)(nil)
