// Package migration folds legacy flat-file blobs into the engine's
// content-addressed version format in the background, per §12.1. Only
// MigrationCDC exists in this deployment's scope: the v1 "flat file per
// id" mode never had a parallel v2 storage mode of its own to migrate
// between, so the teacher's other migration types (encryption,
// encryption-scheme, composite, delta) have no source format here.
package migration

import (
	"context"
	"time"
)

// Status is the migration status of one legacy blob.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Progress tracks one legacy blob's migration.
type Progress struct {
	FileID       string     `json:"file_id"`
	Status       Status     `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
}

// Worker performs background migration of legacy flat-file blobs into
// chunked versions.
type Worker interface {
	// Start runs batches on an interval until ctx is done or Stop is called.
	Start(ctx context.Context) error

	// Stop halts the background loop, waiting for the current batch to finish.
	Stop() error

	// RunOnce migrates up to the worker's batch size of pending legacy
	// blobs and returns the outcome.
	RunOnce(ctx context.Context) (*BatchResult, error)

	// MigrateOnAccess folds a single legacy blob into the v2 format the
	// moment it's read, satisfying §12.1's "migrated the first time it is
	// touched" lazy path, used instead of waiting for the next batch sweep.
	MigrateOnAccess(ctx context.Context, fileID string) error

	// Status reports the worker's current run state.
	Status(ctx context.Context) (*WorkerStatus, error)
}

// BatchResult is the outcome of one RunOnce call.
type BatchResult struct {
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
	BlobsProcessed int           `json:"blobs_processed"`
	BlobsMigrated  int           `json:"blobs_migrated"`
	BlobsSkipped   int           `json:"blobs_skipped"`
	BlobsFailed    int           `json:"blobs_failed"`
	BytesProcessed int64         `json:"bytes_processed"`
	Errors         []string      `json:"errors,omitempty"`
}

// WorkerStatus is the worker's current run state.
type WorkerStatus struct {
	Running         bool         `json:"running"`
	LastBatchResult *BatchResult `json:"last_batch_result,omitempty"`
	TotalMigrated   int64        `json:"total_migrated"`
	TotalFailed     int64        `json:"total_failed"`
}

// Tracker records per-blob migration progress, so a crashed batch resumes
// instead of re-migrating blobs already completed.
type Tracker interface {
	GetProgress(ctx context.Context, fileID string) (*Progress, error)
	SetProgress(ctx context.Context, progress *Progress) error
	ListPending(ctx context.Context, limit int) ([]string, error)
	MarkCompleted(ctx context.Context, fileID string) error
	MarkFailed(ctx context.Context, fileID string, err error) error
}
