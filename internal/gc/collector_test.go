package gc

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/vaultsync/internal/chunker"
	"github.com/prn-tf/vaultsync/internal/chunkstore"
	"github.com/prn-tf/vaultsync/internal/compress"
	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/lock"
	"github.com/prn-tf/vaultsync/internal/metadb/sqlite"
	"github.com/prn-tf/vaultsync/internal/version"
)

type testRig struct {
	store  chunkstore.Store
	db     *sqlite.Store
	engine *version.Engine
	gc     *Collector
}

func newTestRig(t *testing.T) *testRig {
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
	collector := NewCollector(store, db, zerolog.Nop())

	return &testRig{store: store, db: db, engine: e, gc: collector}
}

func TestCollectRemovesOrphanAfterDeleteFile(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	v, err := rig.engine.SaveVersion(ctx, "f1", []byte("hello world"), nil)
	require.NoError(t, err)
	require.Len(t, v.Chunks, 1)
	chunkID := v.Chunks[0].ChunkID

	exists, err := rig.store.Exists(ctx, chunkID)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, rig.engine.DeleteFile(ctx, "f1"))

	removed, reclaimed, err := rig.gc.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(len("hello world")), reclaimed)

	exists, err = rig.store.Exists(ctx, chunkID)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = rig.db.GetChunkRefCount(ctx, chunkID)
	require.Error(t, err)
}

func TestCollectIdempotent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.engine.SaveVersion(ctx, "f1", []byte("some body"), nil)
	require.NoError(t, err)
	require.NoError(t, rig.engine.DeleteFile(ctx, "f1"))

	removed1, _, err := rig.gc.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed1)

	removed2, reclaimed2, err := rig.gc.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed2)
	assert.Equal(t, int64(0), reclaimed2)
}

func TestCollectSurvivesConcurrentIncrement(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	v, err := rig.engine.SaveVersion(ctx, "f1", []byte("shared body"), nil)
	require.NoError(t, err)
	chunkID := v.Chunks[0].ChunkID
	require.NoError(t, rig.engine.DeleteFile(ctx, "f1"))

	// Simulate a save_version that re-references the same chunk_id
	// racing ahead of the GC sweep: the CAS recheck inside sweepOne
	// must see the incremented refcount and refuse to delete, even
	// though the chunk was an orphan moments earlier (GC3).
	_, err = rig.db.UpdateChunkRefCount(ctx, chunkID, func(current *domain.ChunkRefCount) (*domain.ChunkRefCount, error) {
		if current == nil {
			return &domain.ChunkRefCount{ChunkID: chunkID, Refcount: 1, Size: int64(len("shared body")), BlobPath: rig.store.BlobPath(chunkID)}, nil
		}
		current.Refcount++
		return current, nil
	})
	require.NoError(t, err)

	removed, _, err := rig.gc.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	exists, err := rig.store.Exists(ctx, chunkID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCountOrphans(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	n, err := rig.gc.CountOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = rig.engine.SaveVersion(ctx, "f1", []byte("body"), nil)
	require.NoError(t, err)
	require.NoError(t, rig.engine.DeleteFile(ctx, "f1"))

	n, err = rig.gc.CountOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
