package version

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
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
)

func newTestEngine(t *testing.T) *Engine {
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

	return NewEngine(c, store, db, lock.NewMemoryLocker(), zerolog.Nop())
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestSaveVersionAndReadVersionRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	body := []byte("hello world")
	v, err := e.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)
	assert.Equal(t, sha256Hex(body), v.WholeFileHash)

	got, err := e.ReadVersion(ctx, v.VersionID)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestSaveVersionDeterministicChunkIDs(t *testing.T) {
	e1 := newTestEngine(t)
	e2 := newTestEngine(t)
	ctx := context.Background()

	body := make([]byte, 200*1024)
	for i := range body {
		body[i] = byte(i % 251)
	}

	v1, err := e1.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)
	v2, err := e2.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)

	ids1 := chunkIDs(v1)
	ids2 := chunkIDs(v2)
	assert.Equal(t, ids1, ids2)
}

func chunkIDs(v *domain.Version) []string {
	out := make([]string, len(v.Chunks))
	for i, c := range v.Chunks {
		out[i] = c.ChunkID
	}
	return out
}

func TestDedupAcrossFiles(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	body := make([]byte, 100*1024)
	for i := range body {
		body[i] = byte(i % 7)
	}

	v1, err := e.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)
	v2, err := e.SaveVersion(ctx, "f2", body, nil)
	require.NoError(t, err)

	assert.Equal(t, chunkIDs(v1), chunkIDs(v2))

	for _, ref := range v1.Chunks {
		rc, err := e.db.GetChunkRefCount(ctx, ref.ChunkID)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), rc.Refcount)
	}
}

func TestDedupSameFileTwoVersions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	body := make([]byte, 100*1024)
	for i := range body {
		body[i] = byte(i % 13)
	}

	v1, err := e.SaveVersion(ctx, "f1", body, nil)
	require.NoError(t, err)
	v2, err := e.SaveVersion(ctx, "f1", body, &v1.VersionID)
	require.NoError(t, err)

	assert.Equal(t, chunkIDs(v1), chunkIDs(v2))
	for _, ref := range v1.Chunks {
		rc, err := e.db.GetChunkRefCount(ctx, ref.ChunkID)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), rc.Refcount)
	}
}

func TestBoundaryEmptyInput(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, err := e.SaveVersion(ctx, "empty", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, v.Chunks)
	assert.Equal(t, sha256Hex(nil), v.WholeFileHash)

	got, err := e.ReadVersion(ctx, v.VersionID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBoundaryBelowMinChunkSize(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	body := []byte("tiny")
	v, err := e.SaveVersion(ctx, "small", body, nil)
	require.NoError(t, err)
	require.Len(t, v.Chunks, 1)
	assert.Equal(t, int64(len(body)), v.Chunks[0].Length)
}

func TestBoundaryExactlyMaxChunkSize(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	opts := chunker.DefaultOptions()
	body := make([]byte, opts.MaxChunkSize)
	for i := range body {
		body[i] = 0xAB // constant bytes never satisfy the rolling-hash boundary test
	}

	v, err := e.SaveVersion(ctx, "maxed", body, nil)
	require.NoError(t, err)
	require.Len(t, v.Chunks, 1)
	assert.Equal(t, int64(len(body)), v.Chunks[0].Length)
}

func TestListVersionsNewestFirst(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v1, err := e.SaveVersion(ctx, "f1", []byte("a"), nil)
	require.NoError(t, err)
	v2, err := e.SaveVersion(ctx, "f1", []byte("ab"), &v1.VersionID)
	require.NoError(t, err)

	versions, err := e.ListVersions(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, v2.VersionID, versions[0].VersionID)
	assert.Equal(t, v1.VersionID, versions[1].VersionID)
}

func TestDeleteVersionRejectsCurrent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v, err := e.SaveVersion(ctx, "f1", []byte("a"), nil)
	require.NoError(t, err)

	err = e.DeleteVersion(ctx, v.VersionID)
	require.Error(t, err)
}

func TestDeleteVersionThenGCEligible(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v1, err := e.SaveVersion(ctx, "f1", []byte("a"), nil)
	require.NoError(t, err)
	v2, err := e.SaveVersion(ctx, "f1", []byte("ab"), &v1.VersionID)
	require.NoError(t, err)
	_ = v2

	require.NoError(t, e.DeleteVersion(ctx, v1.VersionID))

	v1ChunkIDs := make(map[string]struct{}, len(v1.Chunks))
	for _, ref := range v1.Chunks {
		v1ChunkIDs[ref.ChunkID] = struct{}{}
	}
	for _, ref := range v2.Chunks {
		delete(v1ChunkIDs, ref.ChunkID) // still referenced by the surviving version
	}
	for chunkID := range v1ChunkIDs {
		rc, err := e.db.GetChunkRefCount(ctx, chunkID)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), rc.Refcount)
	}
}

func TestDeleteFileRemovesEverything(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	v1, err := e.SaveVersion(ctx, "f1", []byte("a"), nil)
	require.NoError(t, err)

	require.NoError(t, e.DeleteFile(ctx, "f1"))

	_, err = e.db.GetFileIndex(ctx, "f1")
	require.Error(t, err)
	_, err = e.db.GetVersion(ctx, v1.VersionID)
	require.Error(t, err)
}

func TestConcurrentWritesDistinctFiles(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const n = 8
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.SaveVersion(ctx, fmt.Sprintf("file-%d", i), []byte(fmt.Sprintf("body-%d", i)), nil)
			require.NoError(t, err)
			ids[i] = v.VersionID
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestConcurrentWritesSameFile(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.SaveVersion(ctx, "shared", []byte(fmt.Sprintf("version-%d", i)), nil)
			errs[i] = err
			if err == nil {
				ids[i] = v.VersionID
			}
		}(i)
	}
	wg.Wait()

	var maxID uint64
	for i, err := range errs {
		require.NoError(t, err)
		if ids[i] > maxID {
			maxID = ids[i]
		}
	}

	entry, err := e.db.GetFileIndex(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, maxID, entry.CurrentVersionID)
	assert.Equal(t, uint64(n), entry.VersionCount)
}
