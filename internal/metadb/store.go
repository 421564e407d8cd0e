// Package metadb defines the Metadata DB (C5) contract: three independent
// keyed maps — file_index, version_index, chunk_ref_count — all
// crash-consistent, per §4.5. Concrete backends live in sqlite/ (the
// default, embedded, pure-Go store) and postgres/ (for multi-process
// deployments sharing one metadata store over the network).
package metadb

import (
	"context"

	"github.com/prn-tf/vaultsync/internal/domain"
)

// RefCountUpdateFunc is the pure function passed to UpdateChunkRefCount.
// It receives the current value (nil if the key does not exist yet) and
// returns the value to commit, or nil to delete the key.
type RefCountUpdateFunc func(current *domain.ChunkRefCount) (*domain.ChunkRefCount, error)

// Store is the Metadata DB contract shared by every backend. All methods
// are safe for concurrent use; UpdateChunkRefCount is the sole CAS
// primitive the rest of the engine relies on for dedup/GC correctness.
type Store interface {
	GetFileIndex(ctx context.Context, fileID string) (*domain.FileIndexEntry, error)
	PutFileIndex(ctx context.Context, entry *domain.FileIndexEntry) error
	RemoveFileIndex(ctx context.Context, fileID string) error
	IterateFileIndex(ctx context.Context, fn func(*domain.FileIndexEntry) (bool, error)) error

	GetVersion(ctx context.Context, versionID uint64) (*domain.Version, error)
	PutVersion(ctx context.Context, version *domain.Version) error
	RemoveVersion(ctx context.Context, versionID uint64) error
	IterateVersionsForFile(ctx context.Context, fileID string, fn func(*domain.Version) (bool, error)) error

	GetChunkRefCount(ctx context.Context, chunkID string) (*domain.ChunkRefCount, error)
	IterateChunkRefCounts(ctx context.Context, fn func(*domain.ChunkRefCount) (bool, error)) error

	// UpdateChunkRefCount atomically reads the chunk_ref_count entry for
	// chunkID, applies fn, and commits the result (or the deletion, if fn
	// returns nil), isolated from concurrent writers to the same key.
	UpdateChunkRefCount(ctx context.Context, chunkID string, fn RefCountUpdateFunc) (*domain.ChunkRefCount, error)

	// Flush forces pending writes to stable storage. Called at the end of
	// every write that creates a version.
	Flush(ctx context.Context) error

	// Ping verifies connectivity to the backing store, for health checks.
	Ping(ctx context.Context) error

	Close() error
}
