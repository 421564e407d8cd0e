package domain

import "errors"

// Engine-wide error kinds. Each has distinct surface semantics per the
// error handling design: some are retried internally, some fall back to a
// different code path, the rest propagate as-is to the caller.
var (
	// ErrNotFound indicates a missing file, version, or chunk on read.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity indicates a hash mismatch on blob read or assembled
	// version. At the sync layer this triggers a whole-object fallback.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrIO indicates an underlying filesystem failure. The chunk store
	// does not retry failed I/O; the first failure surfaces as this error.
	ErrIO = errors.New("storage i/o error")

	// ErrDB indicates a metadata DB failure, fatal for the current
	// operation.
	ErrDB = errors.New("metadata db error")

	// ErrInvariantViolation indicates a CAS or cross-map check caught a
	// logical corruption. Never recovered locally.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrAlreadyExists indicates save_version was attempted with a
	// version_id already present.
	ErrAlreadyExists = errors.New("already exists")

	// ErrBusy indicates the per-file write lock was unavailable under
	// timeout.
	ErrBusy = errors.New("resource busy")
)
