package chunkstore

import "errors"

// Store-local sentinel errors. Callers that need the shared error-kind
// vocabulary should match against the wrapped domain.Err* sentinel with
// errors.Is instead of these directly.
var (
	// ErrChunkNotFound indicates the requested chunk has no blob on disk.
	ErrChunkNotFound = errors.New("chunkstore: chunk not found")

	// ErrHashMismatch indicates a blob's content disagrees with its chunk_id,
	// either on put (against a pre-existing blob) or get (recomputed digest).
	ErrHashMismatch = errors.New("chunkstore: content hash mismatch")
)
