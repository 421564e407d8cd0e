package migration

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/version"
)

const legacyShardCount = 256

// legacyShardedLock gives per-file-id locking over the legacy flat-file
// tree, the same sharding idiom the v1 storage backend used for its own
// content-hash keyed blobs.
type legacyShardedLock struct {
	locks [legacyShardCount]sync.RWMutex
}

func (sl *legacyShardedLock) shardIndex(fileID string) int {
	if len(fileID) < 2 {
		return 0
	}
	b, err := hex.DecodeString(fileID[:2])
	if err != nil || len(b) == 0 {
		return int(fileID[0])
	}
	return int(b[0])
}

func (sl *legacyShardedLock) Lock(fileID string)   { sl.locks[sl.shardIndex(fileID)].Lock() }
func (sl *legacyShardedLock) Unlock(fileID string) { sl.locks[sl.shardIndex(fileID)].Unlock() }

// LegacyStore reads and retires v1 flat-file blobs: one file per file_id,
// with no chunking or dedup, stored directly under root.
type LegacyStore struct {
	root   string
	shards legacyShardedLock
}

// NewLegacyStore opens the legacy tree at root, creating it if absent
// (a fresh deployment with no v1 data migrates zero blobs, not an error).
func NewLegacyStore(root string) (*LegacyStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create legacy root: %v", domain.ErrIO, err)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve legacy root: %v", domain.ErrIO, err)
	}
	return &LegacyStore{root: absRoot}, nil
}

func (s *LegacyStore) pathFor(fileID string) string {
	return filepath.Join(s.root, fileID)
}

// List returns every file_id still present in the legacy tree, i.e. not
// yet migrated, capped at limit (0 means unbounded).
func (s *LegacyStore) List(ctx context.Context, limit int) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("%w: list legacy blobs: %v", domain.ErrIO, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, e.Name())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Read returns a legacy blob's plaintext, or domain.ErrNotFound if fileID
// has no legacy blob (already migrated or never existed in v1).
func (s *LegacyStore) Read(ctx context.Context, fileID string) ([]byte, error) {
	s.shards.Lock(fileID)
	defer s.shards.Unlock(fileID)

	data, err := os.ReadFile(s.pathFor(fileID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: legacy blob %s", domain.ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read legacy blob %s: %v", domain.ErrIO, fileID, err)
	}
	return data, nil
}

// Remove retires fileID's legacy blob once it has been folded into a
// version. Removing a blob that's already gone is not an error — two
// migration attempts racing on the same file_id both end up migrated.
func (s *LegacyStore) Remove(ctx context.Context, fileID string) error {
	s.shards.Lock(fileID)
	defer s.shards.Unlock(fileID)

	if err := os.Remove(s.pathFor(fileID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove legacy blob %s: %v", domain.ErrIO, fileID, err)
	}
	return nil
}

// memoryTracker is an in-memory Tracker, sufficient for a single-process
// migration run; progress doesn't need to survive a restart since
// LegacyStore.List's "still on disk" check already defines pending work.
type memoryTracker struct {
	mu       sync.Mutex
	progress map[string]*Progress
}

func newMemoryTracker() *memoryTracker {
	return &memoryTracker{progress: make(map[string]*Progress)}
}

func (t *memoryTracker) GetProgress(ctx context.Context, fileID string) (*Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.progress[fileID]
	if !ok {
		return &Progress{FileID: fileID, Status: StatusPending}, nil
	}
	cp := *p
	return &cp, nil
}

func (t *memoryTracker) SetProgress(ctx context.Context, p *Progress) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *p
	t.progress[p.FileID] = &cp
	return nil
}

func (t *memoryTracker) ListPending(ctx context.Context, limit int) ([]string, error) {
	return nil, nil // LegacyStore.List is the source of truth for this worker
}

func (t *memoryTracker) MarkCompleted(ctx context.Context, fileID string) error {
	now := time.Now()
	return t.SetProgress(ctx, &Progress{FileID: fileID, Status: StatusCompleted, CompletedAt: &now})
}

func (t *memoryTracker) MarkFailed(ctx context.Context, fileID string, cause error) error {
	msg := cause.Error()
	return t.SetProgress(ctx, &Progress{FileID: fileID, Status: StatusFailed, ErrorMessage: &msg})
}

// legacyWorker implements Worker, folding v1 flat blobs into the v2
// chunked version path (§12.1).
type legacyWorker struct {
	legacy  *LegacyStore
	engine  *version.Engine
	tracker Tracker
	logger  zerolog.Logger

	batchSize int
	interval  time.Duration

	mu       sync.Mutex
	running  bool
	last     *BatchResult
	migrated int64
	failed   int64
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWorker constructs a background legacy-migration Worker. batchSize
// bounds how many blobs RunOnce migrates per call; interval is how often
// Start schedules RunOnce.
func NewWorker(legacy *LegacyStore, engine *version.Engine, batchSize int, interval time.Duration, logger zerolog.Logger) Worker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &legacyWorker{
		legacy:    legacy,
		engine:    engine,
		tracker:   newMemoryTracker(),
		batchSize: batchSize,
		interval:  interval,
		logger:    logger.With().Str("component", "migration").Logger(),
	}
}

func (w *legacyWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("migration worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil {
					w.logger.Error().Err(err).Msg("legacy migration batch failed")
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (w *legacyWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}

func (w *legacyWorker) RunOnce(ctx context.Context) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{StartTime: start}

	pending, err := w.legacy.List(ctx, w.batchSize)
	if err != nil {
		return nil, fmt.Errorf("migration: list pending: %w", err)
	}

	for _, fileID := range pending {
		if err := ctx.Err(); err != nil {
			break
		}
		migrated, size, err := w.migrateOne(ctx, fileID)
		result.BlobsProcessed++
		switch {
		case err != nil:
			result.BlobsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", fileID, err))
			w.mu.Lock()
			w.failed++
			w.mu.Unlock()
		case migrated:
			result.BlobsMigrated++
			result.BytesProcessed += size
			w.mu.Lock()
			w.migrated++
			w.mu.Unlock()
		default:
			result.BlobsSkipped++
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(start)

	w.mu.Lock()
	w.last = result
	w.mu.Unlock()

	w.logger.Info().
		Int("processed", result.BlobsProcessed).
		Int("migrated", result.BlobsMigrated).
		Int("failed", result.BlobsFailed).
		Msg("legacy migration batch complete")
	return result, nil
}

func (w *legacyWorker) MigrateOnAccess(ctx context.Context, fileID string) error {
	_, _, err := w.migrateOne(ctx, fileID)
	return err
}

// migrateOne reads fileID's legacy blob (a no-op, not an error, if none
// exists) and saves it through the v2 path, setting the new version's
// parent to whatever version fileID already has in the v2 engine, if any.
func (w *legacyWorker) migrateOne(ctx context.Context, fileID string) (migrated bool, size int64, err error) {
	plaintext, err := w.legacy.Read(ctx, fileID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		_ = w.tracker.MarkFailed(ctx, fileID, err)
		return false, 0, err
	}

	parent, err := w.currentVersionID(ctx, fileID)
	if err != nil {
		_ = w.tracker.MarkFailed(ctx, fileID, err)
		return false, 0, err
	}

	if _, err := w.engine.SaveVersion(ctx, fileID, plaintext, parent); err != nil {
		_ = w.tracker.MarkFailed(ctx, fileID, err)
		return false, 0, fmt.Errorf("save migrated version: %w", err)
	}
	if err := w.legacy.Remove(ctx, fileID); err != nil {
		_ = w.tracker.MarkFailed(ctx, fileID, err)
		return false, 0, fmt.Errorf("retire legacy blob: %w", err)
	}
	_ = w.tracker.MarkCompleted(ctx, fileID)
	return true, int64(len(plaintext)), nil
}

func (w *legacyWorker) currentVersionID(ctx context.Context, fileID string) (*uint64, error) {
	versions, err := w.engine.ListVersions(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("check existing versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, nil
	}
	id := versions[0].VersionID
	return &id, nil
}

func (w *legacyWorker) Status(ctx context.Context) (*WorkerStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &WorkerStatus{
		Running:         w.running,
		LastBatchResult: w.last,
		TotalMigrated:   w.migrated,
		TotalFailed:     w.failed,
	}, nil
}

var _ Worker = (*legacyWorker)(nil)
