// Package version implements the Version Engine (C6): save_version,
// read_version, read_current, list_versions, delete_version, and
// delete_file, per §4.6. It is the only component that touches both the
// Chunk Store (C4) and the Metadata DB (C5) during a write, and it owns
// the per-file write lock that gives §5's ordering guarantees.
package version

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/vaultsync/internal/chunker"
	"github.com/prn-tf/vaultsync/internal/chunkstore"
	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/hash"
	"github.com/prn-tf/vaultsync/internal/lock"
	"github.com/prn-tf/vaultsync/internal/metadb"
)

const (
	lockTTL        = 30 * time.Second
	lockMaxRetries = 10
	lockRetryDelay = 50 * time.Millisecond
)

// Engine wires the Chunker, Chunk Store, and Metadata DB together into the
// Version Engine's write/read/delete contract.
type Engine struct {
	chunker chunker.Chunker
	store   chunkstore.Store
	db      metadb.Store
	locks   lock.Locker
	ids     *IDGenerator
	logger  zerolog.Logger
}

// NewEngine constructs a Version Engine from its collaborators.
func NewEngine(c chunker.Chunker, store chunkstore.Store, db metadb.Store, locks lock.Locker, logger zerolog.Logger) *Engine {
	return &Engine{
		chunker: c,
		store:   store,
		db:      db,
		locks:   locks,
		ids:     NewIDGenerator(),
		logger:  logger.With().Str("component", "version").Logger(),
	}
}

func fileLockKey(fileID string) string {
	return "file:" + fileID
}

// withFileLock serializes fn against every other writer for fileID, per
// §5's "per-file write lock" requirement.
func (e *Engine) withFileLock(ctx context.Context, fileID string, fn func() error) error {
	acquired, err := e.locks.AcquireWithRetry(ctx, fileLockKey(fileID), lockTTL, lockMaxRetries, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("%w: acquire file lock: %v", domain.ErrIO, err)
	}
	if !acquired {
		return fmt.Errorf("%w: file %s is locked by another writer", domain.ErrBusy, fileID)
	}
	defer func() {
		if _, err := e.locks.Release(ctx, fileLockKey(fileID)); err != nil {
			e.logger.Warn().Err(err).Str("file_id", fileID).Msg("failed to release file lock")
		}
	}()
	return fn()
}

// SaveVersion implements §4.6's seven-step write contract.
func (e *Engine) SaveVersion(ctx context.Context, fileID string, plaintext []byte, parentVersionID *uint64) (*domain.Version, error) {
	var result *domain.Version
	err := e.withFileLock(ctx, fileID, func() error {
		v, err := e.saveVersionLocked(ctx, fileID, plaintext, parentVersionID)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) saveVersionLocked(ctx context.Context, fileID string, plaintext []byte, parentVersionID *uint64) (*domain.Version, error) {
	// Step 1: chunk the plaintext.
	chunks, err := e.chunker.ChunkAll(ctx, bytes.NewReader(plaintext))
	if err != nil {
		return nil, fmt.Errorf("save_version: chunk: %w", err)
	}

	// Step 2: build ordered ChunkRefs and count reference occurrences,
	// since the spec requires incrementing refcount once per occurrence
	// (I2), not once per distinct chunk_id.
	refs := make([]domain.ChunkRef, 0, len(chunks))
	occurrences := make(map[string]int64, len(chunks))
	firstSeen := make(map[string]domain.Chunk, len(chunks))
	var offset int64
	for _, c := range chunks {
		refs = append(refs, domain.ChunkRef{ChunkID: c.ChunkID, OffsetInVersion: offset, Length: c.Size})
		offset += c.Size
		occurrences[c.ChunkID]++
		if _, ok := firstSeen[c.ChunkID]; !ok {
			firstSeen[c.ChunkID] = c
		}
	}

	// Step 3: for each distinct chunk, ensure the blob is stored and
	// deposit its reference occurrences into chunk_ref_count.
	for chunkID, count := range occurrences {
		chunk := firstSeen[chunkID]
		if err := e.store.Put(ctx, chunkID, chunk.Plaintext); err != nil {
			return nil, fmt.Errorf("save_version: store chunk %s: %w", chunkID, err)
		}
		tag, err := e.store.Stat(ctx, chunkID)
		if err != nil {
			return nil, fmt.Errorf("save_version: stat chunk %s: %w", chunkID, err)
		}
		blobPath := e.store.BlobPath(chunkID)

		_, err = e.db.UpdateChunkRefCount(ctx, chunkID, func(current *domain.ChunkRefCount) (*domain.ChunkRefCount, error) {
			if current == nil {
				return &domain.ChunkRefCount{
					ChunkID:     chunkID,
					Refcount:    uint64(count),
					Size:        chunk.Size,
					BlobPath:    blobPath,
					Compression: tag,
				}, nil
			}
			current.Refcount += uint64(count)
			return current, nil
		})
		if err != nil {
			return nil, fmt.Errorf("save_version: increment refcount for %s: %w", chunkID, err)
		}
	}

	// Step 4: build the Version record. Refcount deposits above are
	// already committed, so this version is never published short of
	// its deposits (§4.6, §5 "happens-before" ordering).
	v := &domain.Version{
		VersionID:       e.ids.Next(),
		FileID:          fileID,
		ParentVersionID: parentVersionID,
		Chunks:          refs,
		LogicalSize:     int64(len(plaintext)),
		WholeFileHash:   hash.Strong(plaintext),
		CreatedAt:       time.Now().UTC(),
	}

	// Step 5: upsert the file index entry.
	entry, err := e.db.GetFileIndex(ctx, fileID)
	if err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("save_version: load file index: %w", err)
	}
	if entry == nil {
		entry = &domain.FileIndexEntry{
			FileID:       fileID,
			CreatedAt:    v.CreatedAt,
			VersionCount: 0,
		}
	}
	entry.CurrentVersionID = v.VersionID
	entry.VersionCount++
	entry.ModifiedAt = v.CreatedAt
	if err := e.db.PutFileIndex(ctx, entry); err != nil {
		return nil, fmt.Errorf("save_version: upsert file index: %w", err)
	}

	// Step 6: publish the version.
	if err := e.db.PutVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("save_version: put version: %w", err)
	}

	// Step 7: flush.
	if err := e.db.Flush(ctx); err != nil {
		return nil, fmt.Errorf("save_version: flush: %w", err)
	}

	e.logger.Debug().
		Str("file_id", fileID).
		Uint64("version_id", v.VersionID).
		Int("chunks", len(refs)).
		Int64("size", v.LogicalSize).
		Msg("version saved")

	return v, nil
}

// ReadVersion loads a Version and reassembles its plaintext from the
// chunk store, verifying whole_file_hash per §4.6.
func (e *Engine) ReadVersion(ctx context.Context, versionID uint64) ([]byte, error) {
	v, err := e.db.GetVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("read_version: %w", err)
	}

	out := make([]byte, 0, v.LogicalSize)
	for _, ref := range v.Chunks {
		plaintext, err := e.store.Get(ctx, ref.ChunkID)
		if err != nil {
			return nil, fmt.Errorf("read_version: fetch chunk %s: %w", ref.ChunkID, err)
		}
		out = append(out, plaintext...)
	}

	if got := hash.Strong(out); got != v.WholeFileHash {
		return nil, fmt.Errorf("%w: version %d recomputed to %s, want %s", domain.ErrIntegrity, versionID, got, v.WholeFileHash)
	}
	return out, nil
}

// ReadCurrent resolves fileID's current version and reads it.
func (e *Engine) ReadCurrent(ctx context.Context, fileID string) ([]byte, error) {
	entry, err := e.db.GetFileIndex(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("read_current: %w", err)
	}
	return e.ReadVersion(ctx, entry.CurrentVersionID)
}

// ListVersions returns every version of fileID, newest-first by
// created_at, per §6.1.
func (e *Engine) ListVersions(ctx context.Context, fileID string) ([]*domain.Version, error) {
	var versions []*domain.Version
	err := e.db.IterateVersionsForFile(ctx, fileID, func(v *domain.Version) (bool, error) {
		versions = append(versions, v)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list_versions: %w", err)
	}
	sort.Slice(versions, func(i, j int) bool {
		if !versions[i].CreatedAt.Equal(versions[j].CreatedAt) {
			return versions[i].CreatedAt.After(versions[j].CreatedAt)
		}
		return versions[i].VersionID > versions[j].VersionID
	})
	return versions, nil
}

// DeleteVersion removes a non-current version, decrementing every chunk
// it references. Fails if versionID is its file's current_version_id.
func (e *Engine) DeleteVersion(ctx context.Context, versionID uint64) error {
	v, err := e.db.GetVersion(ctx, versionID)
	if err != nil {
		return fmt.Errorf("delete_version: %w", err)
	}

	return e.withFileLock(ctx, v.FileID, func() error {
		entry, err := e.db.GetFileIndex(ctx, v.FileID)
		if err != nil {
			return fmt.Errorf("delete_version: load file index: %w", err)
		}
		if entry.CurrentVersionID == versionID {
			return fmt.Errorf("%w: version %d is the current version of file %s", domain.ErrInvariantViolation, versionID, v.FileID)
		}
		return e.deleteVersionLocked(ctx, v)
	})
}

func (e *Engine) deleteVersionLocked(ctx context.Context, v *domain.Version) error {
	if err := e.decrementRefs(ctx, v.Chunks); err != nil {
		return fmt.Errorf("delete_version: %w", err)
	}
	if err := e.db.RemoveVersion(ctx, v.VersionID); err != nil {
		return fmt.Errorf("delete_version: remove: %w", err)
	}
	if err := e.db.Flush(ctx); err != nil {
		return fmt.Errorf("delete_version: flush: %w", err)
	}
	e.logger.Debug().Uint64("version_id", v.VersionID).Str("file_id", v.FileID).Msg("version deleted")
	return nil
}

// decrementRefs applies decrement_refcount to every chunk a version
// references. A missing chunk_ref_count entry, or one already at zero,
// means an invariant was violated upstream (a live version referencing a
// chunk with no deposit) rather than something routine.
func (e *Engine) decrementRefs(ctx context.Context, refs []domain.ChunkRef) error {
	for _, ref := range refs {
		_, err := e.db.UpdateChunkRefCount(ctx, ref.ChunkID, func(current *domain.ChunkRefCount) (*domain.ChunkRefCount, error) {
			if current == nil {
				return nil, fmt.Errorf("%w: chunk %s has no refcount entry", domain.ErrInvariantViolation, ref.ChunkID)
			}
			if current.Refcount == 0 {
				return nil, fmt.Errorf("%w: chunk %s refcount already zero", domain.ErrInvariantViolation, ref.ChunkID)
			}
			current.Refcount--
			return current, nil
		})
		if err != nil {
			return fmt.Errorf("decrement refcount for %s: %w", ref.ChunkID, err)
		}
	}
	return nil
}

// DeleteFile force-deletes every version of fileID (including the
// current one, since the file itself is going) and removes the file
// index entry.
func (e *Engine) DeleteFile(ctx context.Context, fileID string) error {
	return e.withFileLock(ctx, fileID, func() error {
		var versions []*domain.Version
		err := e.db.IterateVersionsForFile(ctx, fileID, func(v *domain.Version) (bool, error) {
			versions = append(versions, v)
			return true, nil
		})
		if err != nil {
			return fmt.Errorf("delete_file: list versions: %w", err)
		}

		for _, v := range versions {
			if err := e.deleteVersionLocked(ctx, v); err != nil {
				return err
			}
		}

		if err := e.db.RemoveFileIndex(ctx, fileID); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete_file: remove file index: %w", err)
		}
		if err := e.db.Flush(ctx); err != nil {
			return fmt.Errorf("delete_file: flush: %w", err)
		}
		e.logger.Debug().Str("file_id", fileID).Int("versions_removed", len(versions)).Msg("file deleted")
		return nil
	})
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, domain.ErrNotFound)
}
