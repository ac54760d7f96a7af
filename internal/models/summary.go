package models

import "time"

// CompletionSummary is the read-only snapshot handed to the notification
// collaborator when a batch reaches the completed family. The core never
// formats or sends notifications itself.
type CompletionSummary struct {
	BatchID        string          `json:"batch_id"`
	OwnerScope     string          `json:"owner_scope"`
	Kind           BatchKind       `json:"kind"`
	Status         BatchStatus     `json:"status"`
	TotalItems     int             `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	FailedItems    int             `json:"failed_items"`
	SkippedItems   int             `json:"skipped_items"`
	GeneratedFiles []GeneratedFile `json:"generated_files,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

// Summary builds the completion summary for the notifier
func (b *Batch) Summary() *CompletionSummary {
	files := make([]GeneratedFile, len(b.GeneratedFiles))
	copy(files, b.GeneratedFiles)
	return &CompletionSummary{
		BatchID:        b.ID,
		OwnerScope:     b.OwnerScope,
		Kind:           b.Kind,
		Status:         b.Status,
		TotalItems:     b.TotalItems,
		ProcessedItems: b.ProcessedItems,
		FailedItems:    b.FailedItems,
		SkippedItems:   b.SkippedItems,
		GeneratedFiles: files,
		CompletedAt:    b.CompletedAt,
		ExpiresAt:      b.ExpiresAt,
	}
}

// BatchProgress is the progress block of a batch snapshot
type BatchProgress struct {
	Total      int     `json:"total"`
	Processed  int     `json:"processed"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Percentage float64 `json:"percentage"`
	ActiveJobs int     `json:"active_jobs"`
}

// BatchTiming is the timing block of a batch snapshot
type BatchTiming struct {
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	EstimatedRemaining *int64     `json:"estimated_remaining_ms,omitempty"`
}

// BatchResults is the results block of a batch snapshot
type BatchResults struct {
	GeneratedFiles []GeneratedFile `json:"generated_files,omitempty"`
	StoragePath    string          `json:"storage_path"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

// BatchFlags is the derived-state block of a batch snapshot
type BatchFlags struct {
	IsActive    bool `json:"is_active"`
	IsCompleted bool `json:"is_completed"`
	IsReady     bool `json:"is_ready"`
	HasExpired  bool `json:"has_expired"`
}

// BatchErrors is the error block of a batch snapshot
type BatchErrors struct {
	LastError    string       `json:"last_error,omitempty"`
	ErrorSummary []ErrorEntry `json:"error_summary,omitempty"`
	RetryCount   int          `json:"retry_count"`
}

// BatchSnapshot is the detailed status view exposed to the dispatcher
// and any read-only consumer
type BatchSnapshot struct {
	ID       string        `json:"id"`
	Kind     BatchKind     `json:"kind"`
	Status   BatchStatus   `json:"status"`
	Progress BatchProgress `json:"progress"`
	Timing   BatchTiming   `json:"timing"`
	Results  BatchResults  `json:"results"`
	Flags    BatchFlags    `json:"flags"`
	Errors   BatchErrors   `json:"errors"`
}

// Snapshot builds the detailed status view of the batch
func (b *Batch) Snapshot() *BatchSnapshot {
	var remaining *int64
	if d := b.EstimatedTimeRemaining(); d != nil {
		ms := d.Milliseconds()
		remaining = &ms
	}

	return &BatchSnapshot{
		ID:     b.ID,
		Kind:   b.Kind,
		Status: b.Status,
		Progress: BatchProgress{
			Total:      b.TotalItems,
			Processed:  b.ProcessedItems,
			Failed:     b.FailedItems,
			Skipped:    b.SkippedItems,
			Percentage: b.ProgressPercentage(),
			ActiveJobs: b.ActiveJobs,
		},
		Timing: BatchTiming{
			CreatedAt:          b.CreatedAt,
			StartedAt:          b.StartedAt,
			CompletedAt:        b.CompletedAt,
			LastActivityAt:     b.LastActivityAt,
			EstimatedRemaining: remaining,
		},
		Results: BatchResults{
			GeneratedFiles: b.GeneratedFiles,
			StoragePath:    b.StorageBasePath(),
			ExpiresAt:      b.ExpiresAt,
		},
		Flags: BatchFlags{
			IsActive:    b.IsActive(),
			IsCompleted: b.IsCompleted(),
			IsReady:     b.IsReady(),
			HasExpired:  b.HasExpired(),
		},
		Errors: BatchErrors{
			LastError:    b.LastError,
			ErrorSummary: b.ErrorSummary,
			RetryCount:   b.RetryCount,
		},
	}
}
