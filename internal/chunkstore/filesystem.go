// Package chunkstore implements the Chunk Store (C4): content-addressed
// persistence of chunk blobs keyed by their strong digest, per §4.4.
package chunkstore

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/vaultsync/internal/compress"
	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/hash"
)

const shardCount = 256

// shardedLock gives fine-grained locking keyed on the first byte of a
// chunk id, so puts/gets against unrelated chunks never contend.
type shardedLock struct {
	locks [shardCount]sync.RWMutex
}

func (sl *shardedLock) shardIndex(chunkID string) int {
	if len(chunkID) < 2 {
		return 0
	}
	b, err := hex.DecodeString(chunkID[:2])
	if err != nil || len(b) == 0 {
		return 0
	}
	return int(b[0])
}

func (sl *shardedLock) Lock(chunkID string)    { sl.locks[sl.shardIndex(chunkID)].Lock() }
func (sl *shardedLock) Unlock(chunkID string)  { sl.locks[sl.shardIndex(chunkID)].Unlock() }
func (sl *shardedLock) RLock(chunkID string)   { sl.locks[sl.shardIndex(chunkID)].RLock() }
func (sl *shardedLock) RUnlock(chunkID string) { sl.locks[sl.shardIndex(chunkID)].RUnlock() }

// Store persists chunk blobs as content-addressed files, transparently
// compressing on write and decompressing on read.
type Store interface {
	Put(ctx context.Context, chunkID string, plaintext []byte) error
	Get(ctx context.Context, chunkID string) ([]byte, error)
	Exists(ctx context.Context, chunkID string) (bool, error)
	Remove(ctx context.Context, chunkID string) error

	// Stat returns the compression tag a stored chunk's blob was written
	// with, read from the blob header alone. save_version uses this to
	// populate chunk_ref_count.compression without re-reading plaintext.
	Stat(ctx context.Context, chunkID string) (domain.CompressionTag, error)

	// BlobPath returns the on-disk path backing chunkID, recorded in
	// chunk_ref_count so the garbage collector can remove it directly.
	BlobPath(chunkID string) string

	// HealthCheck verifies the store's directories are accessible.
	HealthCheck(ctx context.Context) error
}

// blobHeaderSize is the fixed prefix written ahead of every stored blob:
// one compression-tag byte followed by the plaintext size as a big-endian
// uint64, so Get can size its decompression buffer without consulting the
// metadata DB (§4.3's "blob header" option).
const blobHeaderSize = 1 + 8

// FilesystemStore implements Store on the local filesystem, sharding
// blobs under `chunks/<first-two-hex>/<chunk-id-hex>` per §4.4's layout.
type FilesystemStore struct {
	root       string
	tempDir    string
	compressor *compress.Compressor
	logger     zerolog.Logger
	shards     shardedLock
	tempMu     sync.Mutex
}

// NewFilesystemStore creates a FilesystemStore rooted at root, ensuring
// the chunks directory and a sibling temp directory both exist.
func NewFilesystemStore(root string, compressor *compress.Compressor, logger zerolog.Logger) (*FilesystemStore, error) {
	chunksDir := filepath.Join(root, "chunks")
	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create chunks dir: %v", domain.ErrIO, err)
	}
	tempDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create temp dir: %v", domain.ErrIO, err)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve root: %v", domain.ErrIO, err)
	}
	absTemp, err := filepath.Abs(tempDir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve temp dir: %v", domain.ErrIO, err)
	}

	logger.Info().Str("root", absRoot).Msg("chunk store initialized")

	return &FilesystemStore{
		root:       absRoot,
		tempDir:    absTemp,
		compressor: compressor,
		logger:     logger,
	}, nil
}

func (s *FilesystemStore) path(chunkID string) string {
	return domain.ComputeBlobPath(s.root, chunkID)
}

// Put writes plaintext under chunkID, idempotently. If a blob already
// exists at chunkID's path, it is decoded and its plaintext re-hashed and
// checked against chunkID rather than re-written (I7); a disagreement is an
// IntegrityError, never a silent overwrite.
func (s *FilesystemStore) Put(ctx context.Context, chunkID string, plaintext []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if got := hash.Strong(plaintext); got != chunkID {
		return fmt.Errorf("%w: plaintext hashes to %s, not %s", domain.ErrIntegrity, got, chunkID)
	}

	s.shards.Lock(chunkID)
	defer s.shards.Unlock(chunkID)

	fullPath := s.path(chunkID)
	if existing, err := s.readRaw(fullPath); err == nil {
		existingPlain, decErr := s.decodeBlob(existing)
		if decErr != nil {
			return fmt.Errorf("%w: existing blob at %s is corrupt: %v", domain.ErrIntegrity, fullPath, decErr)
		}
		if hash.Strong(existingPlain) != chunkID {
			return fmt.Errorf("%w: existing blob at %s disagrees with chunk id", domain.ErrIntegrity, fullPath)
		}
		s.logger.Debug().Str("chunk_id", chunkID).Msg("chunk already stored, put is a no-op")
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: stat existing blob: %v", domain.ErrIO, err)
	}

	blob, err := s.encodeBlob(plaintext)
	if err != nil {
		return err
	}

	s.tempMu.Lock()
	tmp, err := os.CreateTemp(s.tempDir, "chunk-*")
	s.tempMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", domain.ErrIO, err)
	}
	tmpPath := tmp.Name()
	written := false
	defer func() {
		if !written {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write temp file: %v", domain.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", domain.ErrIO, err)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("%w: create shard dir: %v", domain.ErrIO, err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		if err := copyFile(tmpPath, fullPath); err != nil {
			return fmt.Errorf("%w: move blob into place: %v", domain.ErrIO, err)
		}
		_ = os.Remove(tmpPath)
	}
	written = true

	s.logger.Debug().Str("chunk_id", chunkID).Int("bytes", len(blob)).Msg("chunk stored")
	return nil
}

// Get returns the decompressed plaintext for chunkID, verifying it still
// hashes to chunkID before returning it.
func (s *FilesystemStore) Get(ctx context.Context, chunkID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.shards.RLock(chunkID)
	defer s.shards.RUnlock(chunkID)

	raw, err := s.readRaw(s.path(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: chunk %s", domain.ErrNotFound, chunkID)
		}
		return nil, fmt.Errorf("%w: read blob: %v", domain.ErrIO, err)
	}

	plaintext, err := s.decodeBlob(raw)
	if err != nil {
		return nil, err
	}
	if got := hash.Strong(plaintext); got != chunkID {
		return nil, fmt.Errorf("%w: chunk %s recomputed to %s", domain.ErrIntegrity, chunkID, got)
	}
	return plaintext, nil
}

// Exists reports whether a blob is present for chunkID.
func (s *FilesystemStore) Exists(ctx context.Context, chunkID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.shards.RLock(chunkID)
	defer s.shards.RUnlock(chunkID)

	_, err := os.Stat(s.path(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat blob: %v", domain.ErrIO, err)
	}
	return true, nil
}

// Remove deletes the blob for chunkID. Called only by GC, after a CAS
// recheck that the chunk's refcount is still zero.
func (s *FilesystemStore) Remove(ctx context.Context, chunkID string) error {
	s.shards.Lock(chunkID)
	defer s.shards.Unlock(chunkID)

	fullPath := s.path(chunkID)
	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: chunk %s", domain.ErrNotFound, chunkID)
		}
		return fmt.Errorf("%w: remove blob: %v", domain.ErrIO, err)
	}
	s.cleanupEmptyDir(filepath.Dir(fullPath))
	return nil
}

// Stat reads just the header of chunkID's stored blob to report the
// compression tag it was written with.
func (s *FilesystemStore) Stat(ctx context.Context, chunkID string) (domain.CompressionTag, error) {
	if err := ctx.Err(); err != nil {
		return domain.CompressionNone, err
	}

	s.shards.RLock(chunkID)
	defer s.shards.RUnlock(chunkID)

	f, err := os.Open(s.path(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.CompressionNone, fmt.Errorf("%w: chunk %s", domain.ErrNotFound, chunkID)
		}
		return domain.CompressionNone, fmt.Errorf("%w: open blob: %v", domain.ErrIO, err)
	}
	defer f.Close()

	header := make([]byte, 1)
	if _, err := io.ReadFull(f, header); err != nil {
		return domain.CompressionNone, fmt.Errorf("%w: read blob header: %v", domain.ErrIntegrity, err)
	}
	return domain.CompressionTag(header[0]), nil
}

// BlobPath returns the path Store uses for chunkID, relative to nothing
// in particular — callers persist it verbatim for GC's direct removal.
func (s *FilesystemStore) BlobPath(chunkID string) string {
	return s.path(chunkID)
}

func (s *FilesystemStore) readRaw(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (s *FilesystemStore) encodeBlob(plaintext []byte) ([]byte, error) {
	compressed, tag, err := s.compressor.Compress(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: compress chunk: %v", domain.ErrIO, err)
	}
	header := make([]byte, blobHeaderSize)
	header[0] = byte(tag)
	binary.BigEndian.PutUint64(header[1:], uint64(len(plaintext)))
	return append(header, compressed...), nil
}

func (s *FilesystemStore) decodeBlob(raw []byte) ([]byte, error) {
	if len(raw) < blobHeaderSize {
		return nil, fmt.Errorf("%w: blob shorter than header", domain.ErrIntegrity)
	}
	tag := domain.CompressionTag(raw[0])
	plaintextSize := int64(binary.BigEndian.Uint64(raw[1:blobHeaderSize]))
	plaintext, err := s.compressor.Decompress(raw[blobHeaderSize:], tag, plaintextSize)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (s *FilesystemStore) cleanupEmptyDir(dir string) {
	shardRoot := filepath.Join(s.root, "chunks")
	if dir == shardRoot || dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}

// HealthCheck verifies the store's directories are accessible.
func (s *FilesystemStore) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("%w: root not accessible: %v", domain.ErrIO, err)
	}
	if _, err := os.Stat(s.tempDir); err != nil {
		return fmt.Errorf("%w: temp dir not accessible: %v", domain.ErrIO, err)
	}
	probe := filepath.Join(s.tempDir, ".health-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("%w: write probe file: %v", domain.ErrIO, err)
	}
	return os.Remove(probe)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

var _ Store = (*FilesystemStore)(nil)
