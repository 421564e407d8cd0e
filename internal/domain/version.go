package domain

import "time"

// Version is an immutable snapshot of a file's bytes, materialized as an
// ordered chunk list plus metadata. VersionID is monotonic and sortable so
// that parent chains are trivially ordered.
type Version struct {
	VersionID       uint64     `json:"version_id"`
	FileID          string     `json:"file_id"`
	ParentVersionID *uint64    `json:"parent_version_id,omitempty"`
	Chunks          []ChunkRef `json:"chunks"`
	LogicalSize     int64      `json:"logical_size"`
	WholeFileHash   string     `json:"whole_file_hash"`
	CreatedAt       time.Time  `json:"created_at"`
}

// FileIndexEntry tracks the current version and version count of a
// caller-assigned file id. Mutated on every write; deleted on file delete.
type FileIndexEntry struct {
	FileID           string    `json:"file_id"`
	CurrentVersionID uint64    `json:"current_version_id"`
	VersionCount     uint64    `json:"version_count"`
	CreatedAt        time.Time `json:"created_at"`
	ModifiedAt       time.Time `json:"modified_at"`
}

// FileSignature is a derived, wire-serializable description of a version
// sufficient to compute a delta against another version. Never persisted.
type FileSignature struct {
	FileID        string      `json:"file_id"`
	WholeFileHash string      `json:"whole_file_hash"`
	FileSize      int64       `json:"file_size"`
	Chunks        []ChunkMeta `json:"chunks"`
}
