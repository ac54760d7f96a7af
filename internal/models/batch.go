// -----------------------------------------------------------------------
// Batch - Durable record for one orchestrated fan-out operation
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"math"
	"time"
)

// BatchKind classifies what a batch does. Fixed at creation, never changes.
type BatchKind string

const (
	BatchKindImageProcessing    BatchKind = "image_processing"
	BatchKindArchiveProcessing  BatchKind = "archive_processing"
	BatchKindAnalysis           BatchKind = "analysis"
	BatchKindDownloadGeneration BatchKind = "download_generation"
	BatchKindReportGeneration   BatchKind = "report_generation"
)

// ParseBatchKind validates a kind string
func ParseBatchKind(s string) (BatchKind, error) {
	switch BatchKind(s) {
	case BatchKindImageProcessing, BatchKindArchiveProcessing, BatchKindAnalysis,
		BatchKindDownloadGeneration, BatchKindReportGeneration:
		return BatchKind(s), nil
	}
	return "", fmt.Errorf("unknown batch kind: %s", s)
}

// BatchStatus is the lifecycle state of a batch.
//
// Transitions:
//
//	pending -> processing -> {paused, cancelling}
//	processing -> {completed, completed_with_errors, failed}
//	cancelling -> cancelled
//
// completed, completed_with_errors, failed and cancelled are terminal.
type BatchStatus string

const (
	BatchStatusPending             BatchStatus = "pending"
	BatchStatusProcessing          BatchStatus = "processing"
	BatchStatusPaused              BatchStatus = "paused"
	BatchStatusCancelling          BatchStatus = "cancelling"
	BatchStatusCompleted           BatchStatus = "completed"
	BatchStatusCompletedWithErrors BatchStatus = "completed_with_errors"
	BatchStatusFailed              BatchStatus = "failed"
	BatchStatusCancelled           BatchStatus = "cancelled"
)

// IsTerminal returns true for states a batch never leaves
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusCompletedWithErrors, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// IsCompletedFamily returns true for completed and completed_with_errors
func (s BatchStatus) IsCompletedFamily() bool {
	return s == BatchStatusCompleted || s == BatchStatusCompletedWithErrors
}

// GeneratedFile is one output artifact recorded against a batch
type GeneratedFile struct {
	Path      string    `json:"path"`
	Type      string    `json:"type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorEntry is one entry in a batch's append-only error summary
type ErrorEntry struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Batch is the single source of truth for one orchestrated operation.
// Workers never hold a reference to it - all mutation goes through the
// batch manager's narrow operation set so concurrent reporters cannot
// race on these fields directly.
type Batch struct {
	ID         string      `json:"id" badgerhold:"key"`
	OwnerScope string      `json:"owner_scope" badgerholdIndex:"OwnerScope"`
	Kind       BatchKind   `json:"kind"`
	Status     BatchStatus `json:"status" badgerholdIndex:"Status"`

	// Opaque per-kind parameters. The core stores and forwards, never interprets.
	Config map[string]interface{} `json:"config,omitempty"`

	TotalItems     int `json:"total_items"`
	ProcessedItems int `json:"processed_items"`
	FailedItems    int `json:"failed_items"`
	SkippedItems   int `json:"skipped_items"`
	ActiveJobs     int `json:"active_jobs"`

	// Dispatched-but-unresolved worker job IDs. Observability only - the
	// completion predicate never consults this list.
	OutstandingJobIDs []string `json:"outstanding_job_ids,omitempty"`

	StoragePath     string          `json:"storage_path,omitempty"`
	GeneratedFiles  []GeneratedFile `json:"generated_files,omitempty"`
	ArtifactsPurged bool            `json:"artifacts_purged,omitempty"`

	ErrorSummary []ErrorEntry `json:"error_summary,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	RetryCount   int          `json:"retry_count"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	CancellationReason    string     `json:"cancellation_reason,omitempty"`
	CancellationStartedAt *time.Time `json:"cancellation_started_at,omitempty"`
}

// IsActive returns true while the batch can still accept work
func (b *Batch) IsActive() bool {
	switch b.Status {
	case BatchStatusPending, BatchStatusProcessing, BatchStatusPaused:
		return true
	}
	return false
}

// IsTerminal returns true once the batch has reached a final state
func (b *Batch) IsTerminal() bool {
	return b.Status.IsTerminal()
}

// IsCompleted returns true for the completed family of terminal states
func (b *Batch) IsCompleted() bool {
	return b.Status.IsCompletedFamily()
}

// IsCancelled returns true while cancelling or after cancellation
func (b *Batch) IsCancelled() bool {
	return b.Status == BatchStatusCancelled || b.Status == BatchStatusCancelling
}

// CompletionDue is the auto-completion predicate: no active jobs remain
// and every item is accounted for. Evaluated inside the same atomic
// mutation as the triggering counter change.
func (b *Batch) CompletionDue() bool {
	accounted := b.ProcessedItems + b.FailedItems + b.SkippedItems
	return b.ActiveJobs <= 0 && accounted >= b.TotalItems
}

// IsStuck reports whether the batch is stalled: still processing, jobs
// outstanding, but no counter activity within the threshold. Always false
// for terminal states regardless of elapsed time.
func (b *Batch) IsStuck(threshold time.Duration) bool {
	return b.Status == BatchStatusProcessing &&
		b.ActiveJobs > 0 &&
		!b.LastActivityAt.IsZero() &&
		time.Since(b.LastActivityAt) >= threshold
}

// HasExpired returns true once the artifact retention window has passed
func (b *Batch) HasExpired() bool {
	return b.ExpiresAt != nil && b.ExpiresAt.Before(time.Now())
}

// IsReady reports whether the batch output is still retrievable
func (b *Batch) IsReady() bool {
	return b.IsCompleted() && !b.HasExpired() && !b.ArtifactsPurged && len(b.GeneratedFiles) > 0
}

// ProgressPercentage returns completion progress as 0-100 with two decimals
func (b *Batch) ProgressPercentage() float64 {
	if b.TotalItems <= 0 {
		return 0.0
	}
	completed := b.ProcessedItems + b.FailedItems
	return math.Round(float64(completed)/float64(b.TotalItems)*100*100) / 100
}

// EstimatedTimeRemaining extrapolates remaining duration from the observed
// processing rate. Returns nil when no estimate is possible.
func (b *Batch) EstimatedTimeRemaining() *time.Duration {
	if !b.IsActive() || b.ProcessedItems <= 0 || b.StartedAt == nil {
		return nil
	}

	elapsed := time.Since(*b.StartedAt)
	if elapsed <= 0 {
		return nil
	}

	remaining := b.TotalItems - b.ProcessedItems - b.FailedItems
	if remaining <= 0 {
		return nil
	}

	perItem := elapsed / time.Duration(b.ProcessedItems)
	estimate := perItem * time.Duration(remaining)
	return &estimate
}

// StorageBasePath returns the batch's artifact base path, deriving the
// conventional layout when none was assigned
func (b *Batch) StorageBasePath() string {
	if b.StoragePath != "" {
		return b.StoragePath
	}
	return fmt.Sprintf("projects/%s/batches/%s", b.OwnerScope, b.ID)
}

// Touch updates the last-activity timestamp
func (b *Batch) Touch() {
	b.LastActivityAt = time.Now()
}

// RecordError appends to the error summary and updates the last error
func (b *Batch) RecordError(message string) {
	b.ErrorSummary = append(b.ErrorSummary, ErrorEntry{
		Error:     message,
		Timestamp: time.Now(),
	})
	b.LastError = message
}

// AddGeneratedFile records an output artifact against the batch
func (b *Batch) AddGeneratedFile(path, fileType string) {
	b.GeneratedFiles = append(b.GeneratedFiles, GeneratedFile{
		Path:      path,
		Type:      fileType,
		CreatedAt: time.Now(),
	})
}

// AddJobID tracks a dispatched worker job ID. Duplicates are ignored.
func (b *Batch) AddJobID(jobID string) {
	for _, id := range b.OutstandingJobIDs {
		if id == jobID {
			return
		}
	}
	b.OutstandingJobIDs = append(b.OutstandingJobIDs, jobID)
}

// RemoveJobID drops a resolved worker job ID. Unknown IDs are a no-op.
func (b *Batch) RemoveJobID(jobID string) {
	for i, id := range b.OutstandingJobIDs {
		if id == jobID {
			b.OutstandingJobIDs = append(b.OutstandingJobIDs[:i], b.OutstandingJobIDs[i+1:]...)
			return
		}
	}
}
