package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/metadb"
)

// Store implements metadb.Store against a shared postgres database,
// giving the Metadata DB (C5) a multi-process-capable backend alongside
// the embedded sqlite.Store. Every CAS update runs inside a transaction
// that takes an advisory lock keyed on chunk_id before SELECT ... FOR
// UPDATE, which serializes concurrent writers to the same chunk_id (even
// before its row exists) the same way sqlite.Store's
// immediate-transaction does for a single process.
type Store struct {
	db *DB
}

// NewStore wraps an already-opened DB (schema already applied by Open).
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Flush(ctx context.Context) error {
	// Every write already committed synchronously; postgres fsyncs WAL
	// on commit. Nothing further to force here.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping postgres: %v", domain.ErrDB, err)
	}
	return nil
}

func (s *Store) GetFileIndex(ctx context.Context, fileID string) (*domain.FileIndexEntry, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT file_id, current_version_id, version_count, created_at, modified_at
		FROM file_index WHERE file_id = $1`, fileID)
	entry, err := scanFileIndex(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %s", domain.ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get file_index: %v", domain.ErrDB, err)
	}
	return entry, nil
}

func (s *Store) PutFileIndex(ctx context.Context, entry *domain.FileIndexEntry) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO file_index (file_id, current_version_id, version_count, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_id) DO UPDATE SET
			current_version_id = excluded.current_version_id,
			version_count       = excluded.version_count,
			modified_at         = excluded.modified_at`,
		entry.FileID, entry.CurrentVersionID, entry.VersionCount, entry.CreatedAt, entry.ModifiedAt)
	if err != nil {
		return fmt.Errorf("%w: put file_index: %v", domain.ErrDB, err)
	}
	return nil
}

func (s *Store) RemoveFileIndex(ctx context.Context, fileID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM file_index WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("%w: remove file_index: %v", domain.ErrDB, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: file %s", domain.ErrNotFound, fileID)
	}
	return nil
}

func (s *Store) IterateFileIndex(ctx context.Context, fn func(*domain.FileIndexEntry) (bool, error)) error {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT file_id, current_version_id, version_count, created_at, modified_at FROM file_index`)
	if err != nil {
		return fmt.Errorf("%w: iterate file_index: %v", domain.ErrDB, err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanFileIndex(rows)
		if err != nil {
			return fmt.Errorf("%w: scan file_index: %v", domain.ErrDB, err)
		}
		cont, err := fn(entry)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFileIndex(r scanner) (*domain.FileIndexEntry, error) {
	var entry domain.FileIndexEntry
	if err := r.Scan(&entry.FileID, &entry.CurrentVersionID, &entry.VersionCount, &entry.CreatedAt, &entry.ModifiedAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) GetVersion(ctx context.Context, versionID uint64) (*domain.Version, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT version_id, file_id, parent_version_id, chunks, logical_size, whole_file_hash, created_at
		FROM version_index WHERE version_id = $1`, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %d", domain.ErrNotFound, versionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get version_index: %v", domain.ErrDB, err)
	}
	return v, nil
}

func (s *Store) PutVersion(ctx context.Context, v *domain.Version) error {
	chunksJSON, err := json.Marshal(v.Chunks)
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}
	var parent any
	if v.ParentVersionID != nil {
		parent = *v.ParentVersionID
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO version_index (version_id, file_id, parent_version_id, chunks, logical_size, whole_file_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (version_id) DO NOTHING`,
		v.VersionID, v.FileID, parent, chunksJSON, v.LogicalSize, v.WholeFileHash, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: put version_index: %v", domain.ErrDB, err)
	}
	return nil
}

func (s *Store) RemoveVersion(ctx context.Context, versionID uint64) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM version_index WHERE version_id = $1`, versionID)
	if err != nil {
		return fmt.Errorf("%w: remove version_index: %v", domain.ErrDB, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: version %d", domain.ErrNotFound, versionID)
	}
	return nil
}

func (s *Store) IterateVersionsForFile(ctx context.Context, fileID string, fn func(*domain.Version) (bool, error)) error {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT version_id, file_id, parent_version_id, chunks, logical_size, whole_file_hash, created_at
		FROM version_index WHERE file_id = $1 ORDER BY version_id DESC`, fileID)
	if err != nil {
		return fmt.Errorf("%w: iterate version_index: %v", domain.ErrDB, err)
	}
	defer rows.Close()

	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return fmt.Errorf("%w: scan version_index: %v", domain.ErrDB, err)
		}
		cont, err := fn(v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return rows.Err()
}

func scanVersion(r scanner) (*domain.Version, error) {
	var v domain.Version
	var parent *int64
	var chunksJSON []byte
	if err := r.Scan(&v.VersionID, &v.FileID, &parent, &chunksJSON, &v.LogicalSize, &v.WholeFileHash, &v.CreatedAt); err != nil {
		return nil, err
	}
	if parent != nil {
		id := uint64(*parent)
		v.ParentVersionID = &id
	}
	if err := json.Unmarshal(chunksJSON, &v.Chunks); err != nil {
		return nil, fmt.Errorf("unmarshal chunks: %w", err)
	}
	return &v, nil
}

func (s *Store) GetChunkRefCount(ctx context.Context, chunkID string) (*domain.ChunkRefCount, error) {
	row := s.db.Pool.QueryRow(ctx, `
		SELECT chunk_id, refcount, size, blob_path, compression FROM chunk_ref_count WHERE chunk_id = $1`, chunkID)
	rc, err := scanRefCount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %s", domain.ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get chunk_ref_count: %v", domain.ErrDB, err)
	}
	return rc, nil
}

func (s *Store) IterateChunkRefCounts(ctx context.Context, fn func(*domain.ChunkRefCount) (bool, error)) error {
	rows, err := s.db.Pool.Query(ctx, `SELECT chunk_id, refcount, size, blob_path, compression FROM chunk_ref_count`)
	if err != nil {
		return fmt.Errorf("%w: iterate chunk_ref_count: %v", domain.ErrDB, err)
	}
	defer rows.Close()

	for rows.Next() {
		rc, err := scanRefCount(rows)
		if err != nil {
			return fmt.Errorf("%w: scan chunk_ref_count: %v", domain.ErrDB, err)
		}
		cont, err := fn(rc)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return rows.Err()
}

func scanRefCount(r scanner) (*domain.ChunkRefCount, error) {
	var rc domain.ChunkRefCount
	var compression int16
	if err := r.Scan(&rc.ChunkID, &rc.Refcount, &rc.Size, &rc.BlobPath, &compression); err != nil {
		return nil, err
	}
	rc.Compression = domain.CompressionTag(compression)
	return &rc, nil
}

// UpdateChunkRefCount is the store's CAS primitive. A transaction-scoped
// advisory lock keyed on chunk_id is taken first (SELECT ... FOR UPDATE
// alone locks nothing when the row does not exist yet), so a concurrent
// UpdateChunkRefCount for the same chunk_id blocks until this one commits
// or rolls back, giving the same linearizable-per-key guarantee as
// sqlite.Store's immediate transaction.
func (s *Store) UpdateChunkRefCount(ctx context.Context, chunkID string, fn metadb.RefCountUpdateFunc) (*domain.ChunkRefCount, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", domain.ErrDB, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chunkID); err != nil {
		return nil, fmt.Errorf("%w: lock chunk_ref_count key: %v", domain.ErrDB, err)
	}

	row := tx.QueryRow(ctx, `
		SELECT chunk_id, refcount, size, blob_path, compression
		FROM chunk_ref_count WHERE chunk_id = $1 FOR UPDATE`, chunkID)
	current, err := scanRefCount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current = nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: read chunk_ref_count: %v", domain.ErrDB, err)
	}

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	if next == nil {
		if current != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM chunk_ref_count WHERE chunk_id = $1`, chunkID); err != nil {
				return nil, fmt.Errorf("%w: delete chunk_ref_count: %v", domain.ErrDB, err)
			}
		}
	} else {
		_, err := tx.Exec(ctx, `
			INSERT INTO chunk_ref_count (chunk_id, refcount, size, blob_path, compression)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chunk_id) DO UPDATE SET
				refcount    = excluded.refcount,
				size        = excluded.size,
				blob_path   = excluded.blob_path,
				compression = excluded.compression`,
			next.ChunkID, next.Refcount, next.Size, next.BlobPath, int16(next.Compression))
		if err != nil {
			return nil, fmt.Errorf("%w: upsert chunk_ref_count: %v", domain.ErrDB, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit chunk_ref_count update: %v", domain.ErrDB, err)
	}
	return next, nil
}

var _ metadb.Store = (*Store)(nil)
