package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/vaultsync/internal/config"
	"github.com/prn-tf/vaultsync/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Storage: config.StorageConfig{RootPath: dir},
		Chunker: config.ChunkerConfig{
			WindowSize:   48,
			MinChunkSize: 2 * 1024,
			AvgChunkSize: 8 * 1024,
			MaxChunkSize: 32 * 1024,
		},
		Compression: config.CompressionConfig{Algo: "lz4", MinSizeThreshold: 1024},
		Metadata: config.MetadataConfig{
			Backend: "sqlite",
			SQLite:  config.SQLiteConfig{Path: filepath.Join(dir, "meta.db")},
		},
		GC: config.GCConfig{Interval: 1000 * 1000000, GracePeriod: 0, MinOrphans: 1},
		Sync: config.SyncConfig{
			MaxAttempts: 3,
			BackoffMin:  1000000,
			BackoffMax:  2000000,
		},
		WorkerPool:    config.WorkerPoolConfig{Size: 1, OffloadThresholdKB: 256},
		Observability: config.ObservabilityConfig{LogLevel: "error", MetricsPort: 9099},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func TestEngineSaveAndReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	v, err := e.SaveVersion(ctx, "file-1", payload, nil)
	require.NoError(t, err)
	assert.Equal(t, "file-1", v.FileID)

	got, err := e.ReadVersion(ctx, v.VersionID)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	current, err := e.ReadCurrent(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, payload, current)
}

func TestEngineListAndDeleteVersion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	v1, err := e.SaveVersion(ctx, "file-2", []byte("first revision of the document"), nil)
	require.NoError(t, err)
	v2, err := e.SaveVersion(ctx, "file-2", []byte("second revision of the document, edited"), &v1.VersionID)
	require.NoError(t, err)

	versions, err := e.ListVersions(ctx, "file-2")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, v2.VersionID, versions[0].VersionID)

	require.NoError(t, e.DeleteVersion(ctx, v1.VersionID))

	_, err = e.ReadVersion(ctx, v1.VersionID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngineDeleteFileRemovesAllVersions(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	v1, err := e.SaveVersion(ctx, "file-3", []byte("content a"), nil)
	require.NoError(t, err)
	_, err = e.SaveVersion(ctx, "file-3", []byte("content b, updated"), &v1.VersionID)
	require.NoError(t, err)

	require.NoError(t, e.DeleteFile(ctx, "file-3"))

	_, err = e.ReadCurrent(ctx, "file-3")
	assert.Error(t, err)
}

func TestEngineGarbageCollectReclaimsOrphans(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.SaveVersion(ctx, "file-4", []byte("another distinct payload for gc"), nil)
	require.NoError(t, err)
	require.NoError(t, e.DeleteFile(ctx, "file-4"))

	removed, reclaimed, err := e.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Greater(t, removed, 0)
	assert.Greater(t, reclaimed, int64(0))
}

func TestEngineGetSignatureMatchesCurrentVersion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	payload := []byte("signature round trip payload, long enough to chunk more than once maybe")
	v, err := e.SaveVersion(ctx, "file-6", payload, nil)
	require.NoError(t, err)

	sig, err := e.GetSignature(ctx, "file-6")
	require.NoError(t, err)
	assert.Equal(t, v.WholeFileHash, sig.WholeFileHash)
	assert.Equal(t, v.LogicalSize, sig.FileSize)
}

func TestEngineHealthReportsHealthy(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	status := e.Health(ctx)
	require.NotNil(t, status)
	assert.NotEmpty(t, status.Status)
	assert.Contains(t, status.Components, "metadb")
	assert.Contains(t, status.Components, "chunkstore")
}
