// Package engine wires the Chunker, Chunk Store, Metadata DB, Delta
// Engine, Version Engine, Garbage Collector, and Sync Coordinator into a
// single Storage API (§6.1), the one entry point the rest of a process
// built on this module calls against.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/vaultsync/internal/cache/memory"
	"github.com/prn-tf/vaultsync/internal/cache/redis"
	"github.com/prn-tf/vaultsync/internal/chunker"
	"github.com/prn-tf/vaultsync/internal/chunkstore"
	"github.com/prn-tf/vaultsync/internal/compress"
	"github.com/prn-tf/vaultsync/internal/config"
	"github.com/prn-tf/vaultsync/internal/delta"
	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/gc"
	"github.com/prn-tf/vaultsync/internal/gc/policy"
	"github.com/prn-tf/vaultsync/internal/lock"
	"github.com/prn-tf/vaultsync/internal/metadb"
	"github.com/prn-tf/vaultsync/internal/metadb/postgres"
	"github.com/prn-tf/vaultsync/internal/metadb/sqlite"
	"github.com/prn-tf/vaultsync/internal/metrics"
	"github.com/prn-tf/vaultsync/internal/migration"
	"github.com/prn-tf/vaultsync/internal/observability"
	"github.com/prn-tf/vaultsync/internal/repository"
	"github.com/prn-tf/vaultsync/internal/sync"
	"github.com/prn-tf/vaultsync/internal/version"
)

const signatureCacheTTL = 30 * time.Second

// Engine is the process-wide Storage API (§6.1), built once at startup
// from a Config and closed once at shutdown.
type Engine struct {
	cfg *config.Config

	db    metadb.Store
	store chunkstore.Store

	version   *version.Engine
	collector *gc.Collector
	gcCtl     *policy.Controller
	syncer   *sync.Coordinator
	migrator migration.Worker

	cache       repository.Cache
	memCache    *memory.Cache
	redisClient *redis.Client

	metrics *metrics.Metrics
	health  *observability.HealthChecker
	logger  zerolog.Logger
}

// New constructs an Engine from cfg: selects the metadata backend,
// builds the chunker/compressor/chunk store, wires the Version Engine,
// Garbage Collector, and Sync Coordinator over them, and starts the GC
// policy controller's ticker.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	logger := newLogger(cfg.Observability.LogLevel)

	db, err := openMetadb(ctx, cfg.Metadata)
	if err != nil {
		return nil, fmt.Errorf("engine: open metadata db: %w", err)
	}

	compressPolicy, err := compressPolicyFromConfig(cfg.Compression)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: compression policy: %w", err)
	}
	compressor, err := compress.New(compressPolicy)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: build compressor: %w", err)
	}

	store, err := chunkstore.NewFilesystemStore(cfg.Storage.RootPath, compressor, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: build chunk store: %w", err)
	}

	cdc, err := chunker.New(chunkerOptionsFromConfig(cfg.Chunker))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: build chunker: %w", err)
	}

	locks := lock.NewMemoryLocker()
	versionEngine := version.NewEngine(cdc, store, db, locks, logger)

	collector := gc.NewCollector(store, db, logger)
	gcPolicy := policy.DefaultPolicy(cfg.GC.GracePeriod, cfg.GC.MinOrphans)
	gcCtl := policy.NewController(collector, []policy.Policy{gcPolicy}, logger)
	gcCtl.Start(ctx, cfg.GC.Interval)

	sigCache, redisClient, memCache, err := buildCache(ctx, cfg.Redis, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: build cache: %w", err)
	}

	syncOpts := []sync.Option{sync.WithCache(sigCache)}
	if cfg.Redis.Enabled {
		syncOpts = append(syncOpts, sync.WithDistributedLock(redis.NewDistributedLock(redisClient)))
	}
	syncer := sync.NewCoordinator(versionEngine, store, db, syncConfigFromConfig(cfg.Sync), logger, syncOpts...)

	var migrator migration.Worker
	if cfg.Migration.LegacyRootPath != "" {
		legacy, err := migration.NewLegacyStore(cfg.Migration.LegacyRootPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("engine: open legacy store: %w", err)
		}
		migrator = migration.NewWorker(legacy, versionEngine, cfg.Migration.BatchSize, cfg.Migration.Interval, logger)
		if err := migrator.Start(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("engine: start migration worker: %w", err)
		}
	}

	m := metrics.New()
	health := observability.NewHealthChecker(db, store, 5*time.Second, logger)

	return &Engine{
		cfg:         cfg,
		db:          db,
		store:       store,
		version:     versionEngine,
		collector:   collector,
		gcCtl:       gcCtl,
		syncer:      syncer,
		migrator:    migrator,
		cache:       sigCache,
		memCache:    memCache,
		redisClient: redisClient,
		metrics:     m,
		health:      health,
		logger:      logger.With().Str("component", "engine").Logger(),
	}, nil
}

// buildCache constructs the signature cache the Sync Coordinator and
// GetSignature share. With Redis disabled (the default), it returns an
// in-process memory.Cache, sufficient for a single-process deployment;
// with Redis enabled, it dials Redis and returns a cache backed by it,
// shared with other processes pointed at the same instance.
func buildCache(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (repository.Cache, *redis.Client, *memory.Cache, error) {
	if !cfg.Enabled {
		mem := memory.NewCache()
		return mem, nil, mem, nil
	}
	client, err := redis.NewClient(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return redis.NewCache(client, signatureCacheTTL), client, nil, nil
}

// Close stops the GC ticker and migration worker, and flushes and closes
// the metadata DB.
func (e *Engine) Close(ctx context.Context) error {
	e.gcCtl.Stop()
	if e.migrator != nil {
		_ = e.migrator.Stop()
	}
	if e.memCache != nil {
		e.memCache.Stop()
	}
	if e.redisClient != nil {
		if err := e.redisClient.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("redis client close failed")
		}
	}
	if err := e.db.Flush(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("final flush failed")
	}
	return e.db.Close()
}

// Metrics returns the engine's Prometheus registry handle, for a caller
// to expose on its own metrics endpoint.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Health reports the current health of the metadata DB and chunk store.
func (e *Engine) Health(ctx context.Context) *observability.HealthStatus {
	return e.health.Check(ctx)
}

// SaveVersion creates a new version of fileID from plaintext, per §6.1.
func (e *Engine) SaveVersion(ctx context.Context, fileID string, plaintext []byte, parentVersionID *uint64) (*domain.Version, error) {
	var v *domain.Version
	err := observability.TraceOperation(ctx, e.metrics, e.logger, "save_version", int64(len(plaintext)), func() error {
		var err error
		v, err = e.version.SaveVersion(ctx, fileID, plaintext, parentVersionID)
		return err
	})
	if err == nil {
		if delErr := e.cache.Delete(ctx, redis.SignatureKey(fileID)); delErr != nil {
			e.logger.Debug().Err(delErr).Str("file_id", fileID).Msg("failed to invalidate signature cache")
		}
	}
	return v, err
}

// ReadVersion loads a specific version's plaintext, per §6.1.
func (e *Engine) ReadVersion(ctx context.Context, versionID uint64) ([]byte, error) {
	var out []byte
	err := observability.TraceOperation(ctx, e.metrics, e.logger, "read_version", 0, func() error {
		var err error
		out, err = e.version.ReadVersion(ctx, versionID)
		return err
	})
	return out, err
}

// ReadCurrent loads fileID's current version's plaintext, per §6.1. If a
// legacy migration worker is configured, it first folds any pending
// legacy blob for fileID into a version, satisfying §12.1's on-access
// fallback.
func (e *Engine) ReadCurrent(ctx context.Context, fileID string) ([]byte, error) {
	var out []byte
	err := observability.TraceOperation(ctx, e.metrics, e.logger, "read_current", 0, func() error {
		if e.migrator != nil {
			if err := e.migrator.MigrateOnAccess(ctx, fileID); err != nil {
				e.logger.Warn().Err(err).Str("file_id", fileID).Msg("on-access legacy migration failed")
			}
		}
		var err error
		out, err = e.version.ReadCurrent(ctx, fileID)
		return err
	})
	return out, err
}

// ListVersions returns every version of fileID, newest-first, per §6.1.
func (e *Engine) ListVersions(ctx context.Context, fileID string) ([]*domain.Version, error) {
	var out []*domain.Version
	err := observability.TraceOperation(ctx, e.metrics, e.logger, "list_versions", 0, func() error {
		var err error
		out, err = e.version.ListVersions(ctx, fileID)
		return err
	})
	return out, err
}

// DeleteVersion removes a non-current version, per §6.1.
func (e *Engine) DeleteVersion(ctx context.Context, versionID uint64) error {
	return observability.TraceOperation(ctx, e.metrics, e.logger, "delete_version", 0, func() error {
		return e.version.DeleteVersion(ctx, versionID)
	})
}

// DeleteFile removes every version of fileID and its file_index entry,
// per §6.1.
func (e *Engine) DeleteFile(ctx context.Context, fileID string) error {
	return observability.TraceOperation(ctx, e.metrics, e.logger, "delete_file", 0, func() error {
		return e.version.DeleteFile(ctx, fileID)
	})
}

// GarbageCollect runs one unconditional sweep, bypassing the GC policy
// controller's scheduling, per §6.1.
func (e *Engine) GarbageCollect(ctx context.Context) (chunksRemoved int, bytesReclaimed int64, err error) {
	err = observability.TraceOperation(ctx, e.metrics, e.logger, "garbage_collect", 0, func() error {
		var ierr error
		chunksRemoved, bytesReclaimed, ierr = e.gcCollect(ctx)
		return ierr
	})
	return chunksRemoved, bytesReclaimed, err
}

func (e *Engine) gcCollect(ctx context.Context) (int, int64, error) {
	start := time.Now()
	removed, reclaimed, err := e.collector.Collect(ctx)
	if err != nil {
		return removed, reclaimed, err
	}
	e.metrics.RecordGCRun(time.Since(start).Seconds(), removed, reclaimed)
	return removed, reclaimed, nil
}

// GetSignature computes fileID's current FileSignature for delta
// exchange, per §6.1 and §4.7. The result is cached: a sync peer polling
// GetSignature to serve several concurrent pullers doesn't force a
// metadata DB round trip for each one, and SaveVersion invalidates the
// entry the moment the signature actually changes.
func (e *Engine) GetSignature(ctx context.Context, fileID string) (domain.FileSignature, error) {
	key := redis.SignatureKey(fileID)
	if raw, err := e.cache.Get(ctx, key); err == nil {
		var cached domain.FileSignature
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			return cached, nil
		}
	}

	entry, err := e.db.GetFileIndex(ctx, fileID)
	if err != nil {
		return domain.FileSignature{}, fmt.Errorf("get_signature: %w", err)
	}
	v, err := e.db.GetVersion(ctx, entry.CurrentVersionID)
	if err != nil {
		return domain.FileSignature{}, fmt.Errorf("get_signature: %w", err)
	}
	sig := delta.Signature(fileID, v)

	if raw, jsonErr := json.Marshal(sig); jsonErr == nil {
		if err := e.cache.Set(ctx, key, raw, signatureCacheTTL); err != nil {
			e.logger.Debug().Err(err).Str("file_id", fileID).Msg("failed to cache signature")
		}
	}
	return sig, nil
}

// Pull synchronizes fileID against peer using the Sync Coordinator's
// delta protocol, per §4.9.
func (e *Engine) Pull(ctx context.Context, fileID string, peer sync.Peer) (*sync.Result, error) {
	var result *sync.Result
	err := observability.TraceOperation(ctx, e.metrics, e.logger, "sync_pull", 0, func() error {
		var err error
		result, err = e.syncer.Pull(ctx, fileID, peer)
		if result != nil {
			e.metrics.RecordSyncPull(syncResultLabel(result, err), result.BytesFetched, result.SavingsRatio)
		}
		return err
	})
	return result, err
}

func syncResultLabel(r *sync.Result, err error) string {
	switch {
	case err != nil:
		return "error"
	case r.UpToDate:
		return "up_to_date"
	case r.UsedWholeFile:
		return "whole_file"
	default:
		return "delta"
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func openMetadb(ctx context.Context, cfg config.MetadataConfig) (metadb.Store, error) {
	switch cfg.Backend {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(db), nil
	default:
		return sqlite.Open(cfg.SQLite.Path)
	}
}

func chunkerOptionsFromConfig(cfg config.ChunkerConfig) chunker.Options {
	return chunker.Options{
		WindowSize:   cfg.WindowSize,
		MinChunkSize: cfg.MinChunkSize,
		AvgChunkSize: cfg.AvgChunkSize,
		MaxChunkSize: cfg.MaxChunkSize,
	}
}

func compressPolicyFromConfig(cfg config.CompressionConfig) (compress.Policy, error) {
	var tag domain.CompressionTag
	switch cfg.Algo {
	case "none":
		tag = domain.CompressionNone
	case "lz4":
		tag = domain.CompressionLZ4
	case "zstd":
		tag = domain.CompressionZstd
	default:
		return compress.Policy{}, fmt.Errorf("unknown compression algo %q", cfg.Algo)
	}
	return compress.Policy{Algo: tag, MinSizeThreshold: cfg.MinSizeThreshold}, nil
}

func syncConfigFromConfig(cfg config.SyncConfig) sync.Config {
	return sync.Config{
		MaxAttempts:       cfg.MaxAttempts,
		BackoffMin:        cfg.BackoffMin,
		BackoffMax:        cfg.BackoffMax,
		BandwidthLimitBps: cfg.BandwidthLimitBps,
		LockTTL:           cfg.LockTTL,
		SignatureCacheTTL: cfg.SignatureCacheTTL,
	}
}

