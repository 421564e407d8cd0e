package sync

import (
	"bytes"
	"context"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/vaultsync/internal/cache/memory"
	"github.com/prn-tf/vaultsync/internal/chunker"
	"github.com/prn-tf/vaultsync/internal/chunkstore"
	"github.com/prn-tf/vaultsync/internal/compress"
	"github.com/prn-tf/vaultsync/internal/delta"
	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/lock"
	"github.com/prn-tf/vaultsync/internal/metadb"
	"github.com/prn-tf/vaultsync/internal/metadb/sqlite"
	"github.com/prn-tf/vaultsync/internal/repository"
	"github.com/prn-tf/vaultsync/internal/version"
)

type node struct {
	store  chunkstore.Store
	db     metadb.Store
	engine *version.Engine
}

func newNode(t *testing.T) *node {
	t.Helper()
	dir := t.TempDir()
	comp, err := compress.New(compress.DefaultPolicy())
	require.NoError(t, err)
	store, err := chunkstore.NewFilesystemStore(dir, comp, zerolog.Nop())
	require.NoError(t, err)
	db, err := sqlite.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c, err := chunker.New(chunker.DefaultOptions())
	require.NoError(t, err)
	e := version.NewEngine(c, store, db, lock.NewMemoryLocker(), zerolog.Nop())
	return &node{store: store, db: db, engine: e}
}

// fakePeer adapts a local node into a Peer, standing in for whatever
// transport a real deployment would speak (§6.5 is transport-neutral).
type fakePeer struct {
	id   string
	node *node
	// corruptReuse makes GetDeltaChunks return one tampered chunk, so
	// Apply fails its integrity check and the whole-object fallback runs.
	corruptReuse bool

	signatureCalls int32
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) GetSignature(ctx context.Context, fileID string) (domain.FileSignature, error) {
	atomic.AddInt32(&p.signatureCalls, 1)
	entry, err := p.node.db.GetFileIndex(ctx, fileID)
	if err != nil {
		return domain.FileSignature{}, err
	}
	v, err := p.node.db.GetVersion(ctx, entry.CurrentVersionID)
	if err != nil {
		return domain.FileSignature{}, err
	}
	return delta.Signature(fileID, v), nil
}

func (p *fakePeer) GetDeltaChunks(ctx context.Context, fileID string, targetSig domain.FileSignature) (map[string][]byte, error) {
	entry, err := p.node.db.GetFileIndex(ctx, fileID)
	if err != nil {
		return nil, err
	}
	v, err := p.node.db.GetVersion(ctx, entry.CurrentVersionID)
	if err != nil {
		return nil, err
	}
	peerSig := delta.Signature(fileID, v)
	d := delta.Diff(peerSig, targetSig)
	chunks, err := delta.Extract(ctx, p.node.store, d)
	if err != nil {
		return nil, err
	}
	if p.corruptReuse {
		for id := range chunks {
			chunks[id] = append([]byte("corrupted-"), chunks[id]...)
			break
		}
	}
	return chunks, nil
}

func (p *fakePeer) FetchWholeObject(ctx context.Context, fileID string) ([]byte, error) {
	return p.node.engine.ReadCurrent(ctx, fileID)
}

func (p *fakePeer) Close() error { return nil }

func testConfig() Config {
	return Config{MaxAttempts: 3, BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond, BandwidthLimitBps: 0}
}

func TestPullFreshFileFetchesEverything(t *testing.T) {
	local := newNode(t)
	remote := newNode(t)
	ctx := context.Background()

	body := bytes.Repeat([]byte("alpha beta gamma "), 4000)
	_, err := remote.engine.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)

	coord := NewCoordinator(local.engine, local.store, local.db, testConfig(), zerolog.Nop())
	peer := &fakePeer{id: "remote", node: remote}

	result, err := coord.Pull(ctx, "f1", peer)
	require.NoError(t, err)
	require.NotNil(t, result.Version)
	assert.False(t, result.UpToDate)
	assert.False(t, result.UsedWholeFile)

	got, err := local.engine.ReadCurrent(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestPullUpToDateIsNoOp(t *testing.T) {
	local := newNode(t)
	remote := newNode(t)
	ctx := context.Background()

	body := []byte("identical content on both sides")
	vLocal, err := local.engine.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)
	_, err = remote.engine.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)

	coord := NewCoordinator(local.engine, local.store, local.db, testConfig(), zerolog.Nop())
	peer := &fakePeer{id: "remote", node: remote}

	result, err := coord.Pull(ctx, "f1", peer)
	require.NoError(t, err)
	assert.True(t, result.UpToDate)
	assert.Equal(t, vLocal.VersionID, result.Version.VersionID)
}

func TestPullReusesCommonChunks(t *testing.T) {
	local := newNode(t)
	remote := newNode(t)
	ctx := context.Background()

	shared := bytes.Repeat([]byte("shared-prefix-content-"), 3000)
	_, err := local.engine.SaveVersion(ctx, "f1", shared, nil)
	require.NoError(t, err)

	updated := append(append([]byte{}, shared...), []byte("-and-a-small-remote-only-tail")...)
	_, err = remote.engine.SaveVersion(ctx, "f1", updated, nil)
	require.NoError(t, err)

	coord := NewCoordinator(local.engine, local.store, local.db, testConfig(), zerolog.Nop())
	peer := &fakePeer{id: "remote", node: remote}

	result, err := coord.Pull(ctx, "f1", peer)
	require.NoError(t, err)
	require.False(t, result.UpToDate)
	require.False(t, result.UsedWholeFile)
	assert.Greater(t, result.SavingsRatio, 0.5)
	assert.Less(t, result.BytesFetched, int64(len(updated)))

	got, err := local.engine.ReadCurrent(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, updated, got)
}

func TestPullFallsBackToWholeObjectOnIntegrityFailure(t *testing.T) {
	local := newNode(t)
	remote := newNode(t)
	ctx := context.Background()

	body := bytes.Repeat([]byte("deterministic-content-block-"), 2000)
	_, err := remote.engine.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)

	coord := NewCoordinator(local.engine, local.store, local.db, testConfig(), zerolog.Nop())
	peer := &fakePeer{id: "remote", node: remote, corruptReuse: true}

	result, err := coord.Pull(ctx, "f1", peer)
	require.NoError(t, err)
	assert.True(t, result.UsedWholeFile)

	got, err := local.engine.ReadCurrent(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestPullSetsParentVersionOnUpdate(t *testing.T) {
	local := newNode(t)
	remote := newNode(t)
	ctx := context.Background()

	v1, err := local.engine.SaveVersion(ctx, "f1", []byte("version one"), nil)
	require.NoError(t, err)
	_, err = remote.engine.SaveVersion(ctx, "f1", []byte("version two, changed"), nil)
	require.NoError(t, err)

	coord := NewCoordinator(local.engine, local.store, local.db, testConfig(), zerolog.Nop())
	peer := &fakePeer{id: "remote", node: remote}

	result, err := coord.Pull(ctx, "f1", peer)
	require.NoError(t, err)
	require.NotNil(t, result.Version.ParentVersionID)
	assert.Equal(t, v1.VersionID, *result.Version.ParentVersionID)
}

func TestThrottleWaitPacesLargeTransfer(t *testing.T) {
	th := NewThrottle(1000)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, th.Wait(ctx, 500))
	require.NoError(t, th.Wait(ctx, 500))
	require.NoError(t, th.Wait(ctx, 500))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
}

func TestThrottleDisabledDoesNotBlock(t *testing.T) {
	th := NewThrottle(0)
	ctx := context.Background()
	start := time.Now()
	require.NoError(t, th.Wait(ctx, 1<<30))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPullWithCacheServesSecondPullWithoutGetSignature(t *testing.T) {
	local := newNode(t)
	remote := newNode(t)
	ctx := context.Background()

	body := bytes.Repeat([]byte("cache-this-signature-"), 1000)
	_, err := remote.engine.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)

	cache := memory.NewCache()
	defer cache.Stop()
	coord := NewCoordinator(local.engine, local.store, local.db, testConfig(), zerolog.Nop(), WithCache(cache))
	peer := &fakePeer{id: "remote", node: remote}

	_, err = coord.Pull(ctx, "f1", peer)
	require.NoError(t, err)
	assert.Equal(t, int32(1), peer.signatureCalls)

	// A second pull of the now up-to-date file should reuse the cached
	// peer signature instead of calling GetSignature again.
	_, err = coord.Pull(ctx, "f1", peer)
	require.NoError(t, err)
	assert.Equal(t, int32(1), peer.signatureCalls)
}

// fakeLock is a single-process repository.DistributedLock good enough to
// exercise Coordinator's lock/unlock sequencing without a real Redis
// instance.
type fakeLock struct {
	mu   stdsync.Mutex
	held map[string]string
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]string)}
}

var _ repository.DistributedLock = (*fakeLock)(nil)

func (l *fakeLock) Lock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return "", repository.ErrLockNotAcquired
	}
	token := key + "-token"
	l.held[key] = token
	return token, nil
}

func (l *fakeLock) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return repository.ErrLockNotOwned
	}
	delete(l.held, key)
	return nil
}

func (l *fakeLock) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != token {
		return repository.ErrLockNotOwned
	}
	return nil
}

func (l *fakeLock) IsLocked(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok, nil
}

func TestPullWithDistributedLockRejectsConcurrentPull(t *testing.T) {
	local := newNode(t)
	remote := newNode(t)
	ctx := context.Background()

	body := bytes.Repeat([]byte("locked-content-"), 1000)
	_, err := remote.engine.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)

	fl := newFakeLock()
	coord := NewCoordinator(local.engine, local.store, local.db, testConfig(), zerolog.Nop(), WithDistributedLock(fl))
	peer := &fakePeer{id: "remote", node: remote}

	token, err := fl.Lock(ctx, pullLockKey("f1", "remote"), time.Minute)
	require.NoError(t, err)

	_, err = coord.Pull(ctx, "f1", peer)
	require.ErrorIs(t, err, ErrPullInProgress)

	require.NoError(t, fl.Unlock(ctx, pullLockKey("f1", "remote"), token))

	_, err = coord.Pull(ctx, "f1", peer)
	require.NoError(t, err)
}
