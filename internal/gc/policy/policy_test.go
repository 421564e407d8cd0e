package policy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollector struct {
	orphans     int
	collectCalls int32
}

func (f *fakeCollector) Collect(ctx context.Context) (int, int64, error) {
	atomic.AddInt32(&f.collectCalls, 1)
	n := f.orphans
	f.orphans = 0
	return n, int64(n) * 100, nil
}

func (f *fakeCollector) CountOrphans(ctx context.Context) (int, error) {
	return f.orphans, nil
}

func TestEvaluateOrphanWatermark(t *testing.T) {
	p := DefaultPolicy(0, 5)
	d := Evaluate(p, Stats{OrphanCount: 5})
	assert.True(t, d.ShouldRun)

	d = Evaluate(p, Stats{OrphanCount: 4})
	assert.False(t, d.ShouldRun)
}

func TestEvaluateSinceLastRun(t *testing.T) {
	p := DefaultPolicy(time.Minute, 0)
	d := Evaluate(p, Stats{SinceLastRun: 2 * time.Minute})
	assert.True(t, d.ShouldRun)

	d = Evaluate(p, Stats{SinceLastRun: 30 * time.Second})
	assert.False(t, d.ShouldRun)
}

func TestEvaluateDisabledPolicyNeverRuns(t *testing.T) {
	p := DefaultPolicy(0, 1)
	p.Enabled = false
	d := Evaluate(p, Stats{OrphanCount: 1000})
	assert.False(t, d.ShouldRun)
}

func TestControllerRunOnceSkipsWhenNoPolicyFires(t *testing.T) {
	collector := &fakeCollector{orphans: 0}
	c := NewController(collector, []Policy{DefaultPolicy(time.Hour, 10)}, zerolog.Nop())
	c.lastRun = time.Now() // a recent run, so the 1h threshold has not elapsed

	result, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Ran)
	assert.Equal(t, int32(0), collector.collectCalls)
}

func TestControllerRunOnceRunsOnWatermark(t *testing.T) {
	collector := &fakeCollector{orphans: 3}
	c := NewController(collector, []Policy{DefaultPolicy(time.Hour, 3)}, zerolog.Nop())

	result, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Ran)
	assert.Equal(t, 3, result.ChunksRemoved)
	assert.Equal(t, int32(1), collector.collectCalls)
}

func TestControllerRunOnceFirstRunSatisfiesSinceLastRun(t *testing.T) {
	collector := &fakeCollector{orphans: 0}
	c := NewController(collector, []Policy{DefaultPolicy(time.Millisecond, 0)}, zerolog.Nop())

	result, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Ran)
}

func TestControllerAddAndRemovePolicy(t *testing.T) {
	collector := &fakeCollector{}
	c := NewController(collector, nil, zerolog.Nop())
	assert.Empty(t, c.Policies())

	c.AddPolicy(DefaultPolicy(time.Hour, 1))
	require.Len(t, c.Policies(), 1)

	c.AddPolicy(Policy{Name: "default", Enabled: false})
	require.Len(t, c.Policies(), 1)
	assert.False(t, c.Policies()[0].Enabled)

	c.RemovePolicy("default")
	assert.Empty(t, c.Policies())
}

func TestControllerStartStop(t *testing.T) {
	collector := &fakeCollector{orphans: 1}
	c := NewController(collector, []Policy{DefaultPolicy(0, 1)}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	c.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&collector.collectCalls), int32(1))
}
