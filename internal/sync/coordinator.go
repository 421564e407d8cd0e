// Package sync implements the Sync Coordinator (C9): pulling a file's
// current content from a remote peer using the Delta Engine (C7) so only
// the chunks the local store is missing cross the wire, per §4.9. It is
// the only component that talks to internal/delta, internal/version, and
// a internal/sync.Peer together.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/prn-tf/vaultsync/internal/chunkstore"
	"github.com/prn-tf/vaultsync/internal/delta"
	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/metadb"
	"github.com/prn-tf/vaultsync/internal/repository"
	"github.com/prn-tf/vaultsync/internal/version"
)

// ErrPullInProgress is returned by Pull when a distributed lock is
// configured and another process already holds the pull lock for
// fileID.
var ErrPullInProgress = errors.New("sync: pull already in progress on another process")

// Config tunes retry and throttling behavior, sourced from
// config.SyncConfig.
type Config struct {
	MaxAttempts       int
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	BandwidthLimitBps int64
	LockTTL           time.Duration
	SignatureCacheTTL time.Duration
}

// Coordinator drives a pull sync of one file at a time against a Peer.
type Coordinator struct {
	engine *version.Engine
	store  chunkstore.Store
	db     metadb.Store

	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
	throttle    *Throttle

	cache    repository.Cache
	lock     repository.DistributedLock
	lockTTL  time.Duration
	cacheTTL time.Duration

	logger zerolog.Logger
}

// Option configures optional Coordinator collaborators not every
// deployment needs.
type Option func(*Coordinator)

// WithCache installs a signature cache, keyed per peer per file, so
// concurrent or back-to-back pulls of the same file don't each pay for a
// fresh GetSignature round trip to the peer.
func WithCache(c repository.Cache) Option {
	return func(co *Coordinator) { co.cache = c }
}

// WithDistributedLock installs a cross-process lock so two processes
// pulling the same file_id from the same peer serialize instead of
// racing each other's SaveVersion calls.
func WithDistributedLock(l repository.DistributedLock) Option {
	return func(co *Coordinator) { co.lock = l }
}

// NewCoordinator builds a Coordinator. engine performs the local
// save_version that lands a pulled file as a new version; store backs
// the Reuse side of delta.Apply; db resolves the local FileSignature.
// The signature cache and distributed lock are optional: pass WithCache
// and/or WithDistributedLock to enable them for a multi-process
// deployment, or omit both for a single process where neither is
// needed.
func NewCoordinator(engine *version.Engine, store chunkstore.Store, db metadb.Store, cfg Config, logger zerolog.Logger, opts ...Option) *Coordinator {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	cacheTTL := cfg.SignatureCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	c := &Coordinator{
		engine:      engine,
		store:       store,
		db:          db,
		maxAttempts: maxAttempts,
		backoffMin:  cfg.BackoffMin,
		backoffMax:  cfg.BackoffMax,
		throttle:    NewThrottle(cfg.BandwidthLimitBps),
		lockTTL:     lockTTL,
		cacheTTL:    cacheTTL,
		logger:      logger.With().Str("component", "sync").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Result summarizes one Pull call.
type Result struct {
	FileID        string
	Version       *domain.Version
	UpToDate      bool
	BytesFetched  int64
	SavingsRatio  float64
	UsedWholeFile bool
}

// Pull brings fileID's local copy up to date with peer's, per §4.9's
// seven-step sequence. If the local and peer whole_file_hash already
// match, Pull is a no-op and returns the current local version.
func (c *Coordinator) Pull(ctx context.Context, fileID string, peer Peer) (*Result, error) {
	if c.lock != nil {
		token, err := c.lock.Lock(ctx, pullLockKey(fileID, peer.ID()), c.lockTTL)
		if err != nil {
			if errors.Is(err, repository.ErrLockNotAcquired) {
				return nil, fmt.Errorf("sync: pull %s: %w", fileID, ErrPullInProgress)
			}
			return nil, fmt.Errorf("sync: pull %s: acquire pull lock: %w", fileID, err)
		}
		defer c.releaseLock(fileID, peer.ID(), token)
	}

	localSig, localVersionID, err := c.localSignature(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("sync: pull %s: local signature: %w", fileID, err)
	}

	peerSig, err := c.peerSignature(ctx, fileID, peer)
	if err != nil {
		return nil, fmt.Errorf("sync: pull %s: get signature from %s: %w", fileID, peer.ID(), err)
	}

	if peerSig.WholeFileHash == localSig.WholeFileHash {
		c.logger.Debug().Str("file_id", fileID).Str("peer", peer.ID()).Msg("already up to date")
		v, err := c.currentVersion(ctx, fileID, localVersionID)
		if err != nil {
			return nil, err
		}
		return &Result{FileID: fileID, Version: v, UpToDate: true}, nil
	}

	d := delta.Diff(peerSig, localSig)

	assembled, bytesFetched, usedWholeFile, err := c.reconstruct(ctx, fileID, peer, localSig, peerSig, d)
	if err != nil {
		return nil, fmt.Errorf("sync: pull %s: reconstruct: %w", fileID, err)
	}

	var parent *uint64
	if localVersionID != 0 {
		id := localVersionID
		parent = &id
	}
	v, err := c.engine.SaveVersion(ctx, fileID, assembled, parent)
	if err != nil {
		return nil, fmt.Errorf("sync: pull %s: save version: %w", fileID, err)
	}

	c.logger.Info().
		Str("file_id", fileID).
		Str("peer", peer.ID()).
		Uint64("version_id", v.VersionID).
		Int64("bytes_fetched", bytesFetched).
		Float64("savings_ratio", d.SavingsRatio()).
		Bool("used_whole_file", usedWholeFile).
		Msg("sync pull complete")

	return &Result{
		FileID:        fileID,
		Version:       v,
		BytesFetched:  bytesFetched,
		SavingsRatio:  d.SavingsRatio(),
		UsedWholeFile: usedWholeFile,
	}, nil
}

// reconstruct fetches the Fetch chunks from peer, applies the delta, and
// falls back to a whole-object transfer on domain.ErrIntegrity, per §4.9
// step 6. Integrity failures are never retried at this layer; only
// transport calls (GetDeltaChunks, FetchWholeObject) go through
// withRetry.
func (c *Coordinator) reconstruct(ctx context.Context, fileID string, peer Peer, localSig, peerSig domain.FileSignature, d *delta.Delta) (assembled []byte, bytesFetched int64, usedWholeFile bool, err error) {
	if len(d.FetchChunkIDs()) == 0 {
		assembled, err = delta.Apply(ctx, c.store, d, nil, peerSig.WholeFileHash)
		if err == nil {
			return assembled, 0, false, nil
		}
		if !errors.Is(err, domain.ErrIntegrity) {
			return nil, 0, false, err
		}
	} else {
		fetched, fetchErr := withRetry(ctx, c, "get_delta_chunks", func() (map[string][]byte, error) {
			return peer.GetDeltaChunks(ctx, fileID, localSig)
		})
		if fetchErr != nil {
			return nil, 0, false, fmt.Errorf("get delta chunks: %w", fetchErr)
		}

		for _, chunkID := range d.FetchChunkIDs() {
			plaintext, ok := fetched[chunkID]
			if !ok {
				continue
			}
			if err := c.throttle.Wait(ctx, int64(len(plaintext))); err != nil {
				return nil, 0, false, err
			}
			bytesFetched += int64(len(plaintext))
		}

		assembled, err = delta.Apply(ctx, c.store, d, fetched, peerSig.WholeFileHash)
		if err == nil {
			return assembled, bytesFetched, false, nil
		}
		if !errors.Is(err, domain.ErrIntegrity) {
			return nil, bytesFetched, false, err
		}
	}

	c.logger.Warn().Str("file_id", fileID).Str("peer", peer.ID()).Msg("delta apply failed integrity check, falling back to whole object transfer")

	whole, wholeErr := withRetry(ctx, c, "fetch_whole_object", func() ([]byte, error) {
		return peer.FetchWholeObject(ctx, fileID)
	})
	if wholeErr != nil {
		return nil, bytesFetched, true, fmt.Errorf("whole object fallback: %w", wholeErr)
	}
	if err := c.throttle.Wait(ctx, int64(len(whole))); err != nil {
		return nil, bytesFetched, true, err
	}
	return whole, bytesFetched + int64(len(whole)), true, nil
}

func (c *Coordinator) localSignature(ctx context.Context, fileID string) (domain.FileSignature, uint64, error) {
	entry, err := c.db.GetFileIndex(ctx, fileID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return delta.EmptySignature(fileID), 0, nil
		}
		return domain.FileSignature{}, 0, err
	}
	v, err := c.db.GetVersion(ctx, entry.CurrentVersionID)
	if err != nil {
		return domain.FileSignature{}, 0, err
	}
	return delta.Signature(fileID, v), entry.CurrentVersionID, nil
}

// peerSignature returns peer's FileSignature for fileID, serving it from
// the signature cache when present so that several pulls of the same
// file in close succession (concurrent callers, or a retry loop one
// layer up) only pay for one GetSignature round trip. A cache miss or
// decode failure is not fatal: it just falls through to the network.
func (c *Coordinator) peerSignature(ctx context.Context, fileID string, peer Peer) (domain.FileSignature, error) {
	key := signatureCacheKey(fileID, peer.ID())
	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, key); err == nil {
			var sig domain.FileSignature
			if jsonErr := json.Unmarshal(raw, &sig); jsonErr == nil {
				return sig, nil
			}
		}
	}

	sig, err := withRetry(ctx, c, "get_signature", func() (domain.FileSignature, error) {
		return peer.GetSignature(ctx, fileID)
	})
	if err != nil {
		return domain.FileSignature{}, err
	}

	if c.cache != nil {
		if raw, jsonErr := json.Marshal(sig); jsonErr == nil {
			if err := c.cache.Set(ctx, key, raw, c.cacheTTL); err != nil {
				c.logger.Debug().Err(err).Str("file_id", fileID).Msg("failed to cache peer signature")
			}
		}
	}
	return sig, nil
}

func (c *Coordinator) releaseLock(fileID, peerID, token string) {
	if err := c.lock.Unlock(context.Background(), pullLockKey(fileID, peerID), token); err != nil {
		c.logger.Warn().Err(err).Str("file_id", fileID).Msg("failed to release pull lock")
	}
}

func pullLockKey(fileID, peerID string) string {
	return "pull:" + peerID + ":" + fileID
}

func signatureCacheKey(fileID, peerID string) string {
	return "peer_sig:" + peerID + ":" + fileID
}

func (c *Coordinator) currentVersion(ctx context.Context, fileID string, versionID uint64) (*domain.Version, error) {
	if versionID == 0 {
		return nil, fmt.Errorf("%w: file %s has no local version", domain.ErrNotFound, fileID)
	}
	return c.db.GetVersion(ctx, versionID)
}

// withRetry runs fn with exponential backoff and jitter, per §4.9's
// transport-error retry policy. fn's error is treated as a transport
// failure and retried up to maxAttempts times; callers are responsible
// for not routing domain.ErrIntegrity through this path.
func withRetry[T any](ctx context.Context, c *Coordinator, op string, fn func() (T, error)) (T, error) {
	b := &backoff.Backoff{Min: c.backoffMin, Max: c.backoffMax, Jitter: true, Factor: 2}
	var zero T
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		wait := b.Duration()
		c.logger.Debug().Str("op", op).Int("attempt", attempt).Dur("wait", wait).Err(err).Msg("sync transport call failed, retrying")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
