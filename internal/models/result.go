// -----------------------------------------------------------------------
// ResultRecord - Durable record for an artifact-bearing output
// (download bundle, generated report)
// -----------------------------------------------------------------------

package models

import "time"

// ResultStatus is the lifecycle state of a result record
type ResultStatus string

const (
	ResultStatusPending    ResultStatus = "pending"
	ResultStatusProcessing ResultStatus = "processing"
	ResultStatusCompleted  ResultStatus = "completed"
	ResultStatusFailed     ResultStatus = "failed"
	ResultStatusCancelled  ResultStatus = "cancelled"
)

// ResultRecord is one durable artifact-bearing output. File paths may span
// the hot and cold tiers; the tier of each path is derived from its prefix.
type ResultRecord struct {
	ID         string       `json:"id" badgerhold:"key"`
	OwnerScope string       `json:"owner_scope" badgerholdIndex:"OwnerScope"`
	BatchID    string       `json:"batch_id,omitempty"`
	Kind       string       `json:"kind"` // e.g. "download", "report"
	Status     ResultStatus `json:"status" badgerholdIndex:"Status"`

	FilePaths      []string `json:"file_paths,omitempty"` // Ordered, possibly mixed-tier
	TotalItems     int      `json:"total_items"`
	ProcessedItems int      `json:"processed_items"`
	FilesPurged    bool     `json:"files_purged,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// HasExpired returns true once the retention window has passed
func (r *ResultRecord) HasExpired() bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(time.Now())
}

// IsReady reports whether the record's files can still be served
func (r *ResultRecord) IsReady() bool {
	return r.Status == ResultStatusCompleted &&
		len(r.FilePaths) > 0 &&
		!r.FilesPurged &&
		!r.HasExpired()
}

// ProgressPercentage returns completion progress as 0-100
func (r *ResultRecord) ProgressPercentage() int {
	if r.Status == ResultStatusCompleted {
		return 100
	}
	if r.TotalItems <= 0 {
		return 0
	}
	pct := r.ProcessedItems * 100 / r.TotalItems
	if pct > 100 {
		pct = 100
	}
	return pct
}
