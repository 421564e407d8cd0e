package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prn-tf/vaultsync/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS file_index (
	file_id             TEXT PRIMARY KEY,
	current_version_id  BIGINT NOT NULL,
	version_count       BIGINT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	modified_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS version_index (
	version_id        BIGINT PRIMARY KEY,
	file_id           TEXT NOT NULL,
	parent_version_id BIGINT,
	chunks            JSONB NOT NULL,
	logical_size      BIGINT NOT NULL,
	whole_file_hash   TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_version_index_file_id ON version_index(file_id);

CREATE TABLE IF NOT EXISTS chunk_ref_count (
	chunk_id    TEXT PRIMARY KEY,
	refcount    BIGINT NOT NULL,
	size        BIGINT NOT NULL,
	blob_path   TEXT NOT NULL,
	compression SMALLINT NOT NULL
);
`

// DB wraps a pgxpool.Pool, the connection surface every repository in
// this package shares.
type DB struct {
	Pool *pgxpool.Pool
}

// Open connects to postgres at dsn, verifies connectivity, and ensures
// the schema exists.
func Open(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %v", domain.ErrDB, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", domain.ErrDB, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", domain.ErrDB, err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: create schema: %v", domain.ErrDB, err)
	}

	return &DB{Pool: pool}, nil
}

func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}
