package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/vaultsync/internal/chunker"
	"github.com/prn-tf/vaultsync/internal/chunkstore"
	"github.com/prn-tf/vaultsync/internal/compress"
	"github.com/prn-tf/vaultsync/internal/lock"
	"github.com/prn-tf/vaultsync/internal/metadb/sqlite"
	"github.com/prn-tf/vaultsync/internal/version"
)

func newTestWorker(t *testing.T) (*legacyWorker, *LegacyStore, *version.Engine) {
	t.Helper()
	dir := t.TempDir()

	legacyRoot := filepath.Join(dir, "legacy")
	legacy, err := NewLegacyStore(legacyRoot)
	require.NoError(t, err)

	comp, err := compress.New(compress.DefaultPolicy())
	require.NoError(t, err)
	store, err := chunkstore.NewFilesystemStore(filepath.Join(dir, "v2"), comp, zerolog.Nop())
	require.NoError(t, err)
	db, err := sqlite.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c, err := chunker.New(chunker.DefaultOptions())
	require.NoError(t, err)
	engine := version.NewEngine(c, store, db, lock.NewMemoryLocker(), zerolog.Nop())

	w := NewWorker(legacy, engine, 10, time.Hour, zerolog.Nop()).(*legacyWorker)
	return w, legacy, engine
}

func writeLegacyBlob(t *testing.T, legacy *LegacyStore, fileID string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(legacy.root, fileID), content, 0o644))
}

func TestMigrateOnAccessFoldsLegacyBlobIntoVersion(t *testing.T) {
	ctx := context.Background()
	w, legacy, engine := newTestWorker(t)

	writeLegacyBlob(t, legacy, "doc-1", []byte("legacy content for doc 1"))

	require.NoError(t, w.MigrateOnAccess(ctx, "doc-1"))

	current, err := engine.ReadCurrent(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy content for doc 1"), current)

	_, err = legacy.Read(ctx, "doc-1")
	assert.Error(t, err, "legacy blob should be retired after migration")
}

func TestMigrateOnAccessIsNoOpWithoutLegacyBlob(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newTestWorker(t)

	require.NoError(t, w.MigrateOnAccess(ctx, "never-existed"))
}

func TestRunOnceMigratesBatchAndReportsCounts(t *testing.T) {
	ctx := context.Background()
	w, legacy, _ := newTestWorker(t)

	writeLegacyBlob(t, legacy, "doc-a", []byte("content a"))
	writeLegacyBlob(t, legacy, "doc-b", []byte("content b, a bit longer"))

	result, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.BlobsProcessed)
	assert.Equal(t, 2, result.BlobsMigrated)
	assert.Equal(t, 0, result.BlobsFailed)

	pending, err := legacy.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	status, err := w.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.TotalMigrated)
}

func TestRunOnceIsIdempotentOnSecondRun(t *testing.T) {
	ctx := context.Background()
	w, legacy, _ := newTestWorker(t)

	writeLegacyBlob(t, legacy, "doc-c", []byte("content c"))

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	result, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.BlobsProcessed)
}

func TestStartAndStopRunsBackgroundBatches(t *testing.T) {
	ctx := context.Background()
	w, legacy, _ := newTestWorker(t)
	w.interval = 10 * time.Millisecond

	writeLegacyBlob(t, legacy, "doc-d", []byte("background migrated content"))

	require.NoError(t, w.Start(ctx))
	require.Eventually(t, func() bool {
		pending, err := legacy.List(ctx, 0)
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop())
}
