package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Collector is the C8 contract the Controller schedules calls against.
// internal/gc.Collector satisfies this.
type Collector interface {
	Collect(ctx context.Context) (chunksRemoved int, bytesReclaimed int64, err error)
	CountOrphans(ctx context.Context) (int, error)
}

// RunResult is the outcome of one RunOnce call, run or skipped.
type RunResult struct {
	Decision       Decision
	Ran            bool
	ChunksRemoved  int
	BytesReclaimed int64
	RanAt          time.Time
}

// Controller runs garbage_collect on a ticker, but only when one of its
// policies decides the time is right, per §12.2. AddPolicy/RemovePolicy
// let the set of rules change at runtime, mirroring the teacher's
// tiering.Controller shape.
type Controller struct {
	collector Collector
	logger    zerolog.Logger

	mu       sync.Mutex
	policies []Policy
	lastRun  time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewController constructs a Controller with an initial policy set.
func NewController(collector Collector, policies []Policy, logger zerolog.Logger) *Controller {
	return &Controller{
		collector: collector,
		logger:    logger.With().Str("component", "gc_policy").Logger(),
		policies:  append([]Policy(nil), policies...),
	}
}

// AddPolicy appends a policy, replacing any existing one with the same
// name.
func (c *Controller) AddPolicy(p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.policies {
		if existing.Name == p.Name {
			c.policies[i] = p
			return
		}
	}
	c.policies = append(c.policies, p)
}

// RemovePolicy drops the named policy, if present.
func (c *Controller) RemovePolicy(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.policies[:0]
	for _, p := range c.policies {
		if p.Name != name {
			out = append(out, p)
		}
	}
	c.policies = out
}

// Policies returns a snapshot of the currently installed policies.
func (c *Controller) Policies() []Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Policy(nil), c.policies...)
}

// RunOnce evaluates every enabled policy and, if any fires, runs
// garbage_collect exactly once. The first firing policy's Decision is
// reported; evaluation order is the order policies were added.
func (c *Controller) RunOnce(ctx context.Context) (RunResult, error) {
	orphans, err := c.collector.CountOrphans(ctx)
	if err != nil {
		return RunResult{}, fmt.Errorf("gc policy: count orphans: %w", err)
	}

	c.mu.Lock()
	since := time.Since(c.lastRun)
	if c.lastRun.IsZero() {
		since = time.Duration(1<<63 - 1) // first run: any SinceLastRun threshold is satisfied
	}
	policies := append([]Policy(nil), c.policies...)
	c.mu.Unlock()

	stats := Stats{OrphanCount: orphans, SinceLastRun: since}
	var decision Decision
	for _, p := range policies {
		d := Evaluate(p, stats)
		decision = d
		if d.ShouldRun {
			break
		}
	}

	if !decision.ShouldRun {
		c.logger.Debug().Int("orphans", orphans).Msg("gc policy declined to run")
		return RunResult{Decision: decision, RanAt: time.Now()}, nil
	}

	removed, reclaimed, err := c.collector.Collect(ctx)
	ranAt := time.Now()
	c.mu.Lock()
	c.lastRun = ranAt
	c.mu.Unlock()

	result := RunResult{Decision: decision, Ran: true, ChunksRemoved: removed, BytesReclaimed: reclaimed, RanAt: ranAt}
	if err != nil {
		c.logger.Error().Err(err).Str("reason", decision.Reason).Msg("scheduled garbage collection failed")
		return result, fmt.Errorf("gc policy: collect: %w", err)
	}
	c.logger.Info().
		Str("reason", decision.Reason).
		Int("chunks_removed", removed).
		Int64("bytes_reclaimed", reclaimed).
		Msg("scheduled garbage collection ran")
	return result, nil
}

// Start runs RunOnce every interval until Stop is called or ctx is done.
func (c *Controller) Start(ctx context.Context, interval time.Duration) {
	c.mu.Lock()
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := c.RunOnce(ctx); err != nil {
					c.logger.Error().Err(err).Msg("scheduled gc run failed")
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the ticker started by Start and waits for it to exit. Safe
// to call even if Start was never called, and safe to call more than
// once.
func (c *Controller) Stop() {
	c.mu.Lock()
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.stopCh = nil
	c.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
