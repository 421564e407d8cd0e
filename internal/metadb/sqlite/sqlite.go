// Package sqlite implements the Metadata DB (C5) on an embedded,
// pure-Go SQLite database via modernc.org/sqlite, the default backend
// for single-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/prn-tf/vaultsync/internal/domain"
	"github.com/prn-tf/vaultsync/internal/metadb"
)

const schema = `
CREATE TABLE IF NOT EXISTS file_index (
	file_id             TEXT PRIMARY KEY,
	current_version_id  INTEGER NOT NULL,
	version_count       INTEGER NOT NULL,
	created_at          TEXT NOT NULL,
	modified_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS version_index (
	version_id        INTEGER PRIMARY KEY,
	file_id           TEXT NOT NULL,
	parent_version_id INTEGER,
	chunks            TEXT NOT NULL,
	logical_size      INTEGER NOT NULL,
	whole_file_hash   TEXT NOT NULL,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_version_index_file_id ON version_index(file_id);

CREATE TABLE IF NOT EXISTS chunk_ref_count (
	chunk_id    TEXT PRIMARY KEY,
	refcount    INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	blob_path   TEXT NOT NULL,
	compression INTEGER NOT NULL
);
`

// Store implements metadb.Store on a local SQLite file. A single
// *sql.DB is shared across goroutines; every write that needs CAS
// semantics runs inside a transaction opened with an immediate
// (RESERVED) lock, via the `_txlock=immediate` DSN option, so concurrent
// writers to the same key serialize rather than racing on commit.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", domain.ErrDB, err)
	}
	db.SetMaxOpenConns(1) // single-writer file database; avoid SQLITE_BUSY under our own load

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", domain.ErrDB, err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Flush(ctx context.Context) error {
	// SQLite fsyncs on commit by default (journal_mode=DELETE); nothing
	// further to force here beyond what each transaction already did.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping sqlite: %v", domain.ErrDB, err)
	}
	return nil
}

func (s *Store) GetFileIndex(ctx context.Context, fileID string) (*domain.FileIndexEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, current_version_id, version_count, created_at, modified_at
		FROM file_index WHERE file_id = ?`, fileID)
	entry, err := scanFileIndex(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %s", domain.ErrNotFound, fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get file_index: %v", domain.ErrDB, err)
	}
	return entry, nil
}

func (s *Store) PutFileIndex(ctx context.Context, entry *domain.FileIndexEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_index (file_id, current_version_id, version_count, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			current_version_id = excluded.current_version_id,
			version_count       = excluded.version_count,
			modified_at         = excluded.modified_at`,
		entry.FileID, entry.CurrentVersionID, entry.VersionCount,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano), entry.ModifiedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: put file_index: %v", domain.ErrDB, err)
	}
	return nil
}

func (s *Store) RemoveFileIndex(ctx context.Context, fileID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_index WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("%w: remove file_index: %v", domain.ErrDB, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: file %s", domain.ErrNotFound, fileID)
	}
	return nil
}

func (s *Store) IterateFileIndex(ctx context.Context, fn func(*domain.FileIndexEntry) (bool, error)) error {
	rows, err := s.db.QueryContext(ctx, `
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
	var createdAt, modifiedAt string
	if err := r.Scan(&entry.FileID, &entry.CurrentVersionID, &entry.VersionCount, &createdAt, &modifiedAt); err != nil {
		return nil, err
	}
	var err error
	if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if entry.ModifiedAt, err = time.Parse(time.RFC3339Nano, modifiedAt); err != nil {
		return nil, fmt.Errorf("parse modified_at: %w", err)
	}
	return &entry, nil
}

func (s *Store) GetVersion(ctx context.Context, versionID uint64) (*domain.Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version_id, file_id, parent_version_id, chunks, logical_size, whole_file_hash, created_at
		FROM version_index WHERE version_id = ?`, versionID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO version_index (version_id, file_id, parent_version_id, chunks, logical_size, whole_file_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version_id) DO NOTHING`,
		v.VersionID, v.FileID, parent, string(chunksJSON), v.LogicalSize, v.WholeFileHash,
		v.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: put version_index: %v", domain.ErrDB, err)
	}
	return nil
}

func (s *Store) RemoveVersion(ctx context.Context, versionID uint64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM version_index WHERE version_id = ?`, versionID)
	if err != nil {
		return fmt.Errorf("%w: remove version_index: %v", domain.ErrDB, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: version %d", domain.ErrNotFound, versionID)
	}
	return nil
}

func (s *Store) IterateVersionsForFile(ctx context.Context, fileID string, fn func(*domain.Version) (bool, error)) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version_id, file_id, parent_version_id, chunks, logical_size, whole_file_hash, created_at
		FROM version_index WHERE file_id = ? ORDER BY version_id DESC`, fileID)
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
	var parent sql.NullInt64
	var chunksJSON, createdAt string
	if err := r.Scan(&v.VersionID, &v.FileID, &parent, &chunksJSON, &v.LogicalSize, &v.WholeFileHash, &createdAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		id := uint64(parent.Int64)
		v.ParentVersionID = &id
	}
	if err := json.Unmarshal([]byte(chunksJSON), &v.Chunks); err != nil {
		return nil, fmt.Errorf("unmarshal chunks: %w", err)
	}
	var err error
	if v.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &v, nil
}

func (s *Store) GetChunkRefCount(ctx context.Context, chunkID string) (*domain.ChunkRefCount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chunk_id, refcount, size, blob_path, compression FROM chunk_ref_count WHERE chunk_id = ?`, chunkID)
	rc, err := scanRefCount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chunk %s", domain.ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get chunk_ref_count: %v", domain.ErrDB, err)
	}
	return rc, nil
}

func (s *Store) IterateChunkRefCounts(ctx context.Context, fn func(*domain.ChunkRefCount) (bool, error)) error {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id, refcount, size, blob_path, compression FROM chunk_ref_count`)
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
	var compression int
	if err := r.Scan(&rc.ChunkID, &rc.Refcount, &rc.Size, &rc.BlobPath, &compression); err != nil {
		return nil, err
	}
	rc.Compression = domain.CompressionTag(compression)
	return &rc, nil
}

// UpdateChunkRefCount is the store's CAS primitive: it opens an immediate
// transaction (so no other writer can interleave against the same row),
// reads the current value, applies fn, and commits the result or the
// deletion. The `_txlock=immediate` DSN option makes BeginTx acquire the
// RESERVED lock up front rather than on first write, so readers never
// race this update into a torn read.
func (s *Store) UpdateChunkRefCount(ctx context.Context, chunkID string, fn metadb.RefCountUpdateFunc) (*domain.ChunkRefCount, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", domain.ErrDB, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT chunk_id, refcount, size, blob_path, compression FROM chunk_ref_count WHERE chunk_id = ?`, chunkID)
	current, err := scanRefCount(row)
	if errors.Is(err, sql.ErrNoRows) {
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
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_ref_count WHERE chunk_id = ?`, chunkID); err != nil {
				return nil, fmt.Errorf("%w: delete chunk_ref_count: %v", domain.ErrDB, err)
			}
		}
	} else {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunk_ref_count (chunk_id, refcount, size, blob_path, compression)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				refcount    = excluded.refcount,
				size        = excluded.size,
				blob_path   = excluded.blob_path,
				compression = excluded.compression`,
			next.ChunkID, next.Refcount, next.Size, next.BlobPath, int(next.Compression))
		if err != nil {
			return nil, fmt.Errorf("%w: upsert chunk_ref_count: %v", domain.ErrDB, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit chunk_ref_count update: %v", domain.ErrDB, err)
	}
	return next, nil
}

var _ metadb.Store = (*Store)(nil)
