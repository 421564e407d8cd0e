package sync

import (
	"context"
	"sync"
	"time"
)

// Throttle is a byte-denominated token bucket pacing how fast the
// coordinator pulls Fetch-chunk bytes from a peer, per §12.3. Unlike the
// teacher's request-rate RateLimiter, which rejects over-budget callers
// outright, Wait blocks the caller until enough tokens accrue — a sync
// pull has nowhere else to go but to wait its turn.
type Throttle struct {
	bytesPerSecond int64
	capacity       float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewThrottle builds a Throttle capped at bytesPerSecond, with a burst
// capacity of one second's worth of bytes. A non-positive rate disables
// throttling entirely.
func NewThrottle(bytesPerSecond int64) *Throttle {
	return &Throttle{
		bytesPerSecond: bytesPerSecond,
		capacity:       float64(bytesPerSecond),
		tokens:         float64(bytesPerSecond),
		lastRefill:     time.Now(),
	}
}

// Wait blocks until n bytes' worth of budget is available, or ctx is
// done.
func (t *Throttle) Wait(ctx context.Context, n int64) error {
	if t.bytesPerSecond <= 0 || n <= 0 {
		return nil
	}
	for {
		t.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(t.lastRefill).Seconds()
		t.tokens += elapsed * float64(t.bytesPerSecond)
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.lastRefill = now

		if t.tokens >= float64(n) {
			t.tokens -= float64(n)
			t.mu.Unlock()
			return nil
		}

		deficit := float64(n) - t.tokens
		wait := time.Duration(deficit / float64(t.bytesPerSecond) * float64(time.Second))
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
