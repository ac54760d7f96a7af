// -----------------------------------------------------------------------
// Batch Manager - State machine and counter store for fan-out batches
// -----------------------------------------------------------------------

package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Outcome is the result a worker reports for one unit of work
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Manager owns all batch mutation. It is the only writer of batch
// counters; workers and the dispatcher go through its operation set and
// never touch batch fields directly. Each operation is applied as one
// atomic read-modify-write against the batch's record, so concurrent
// reporters are linearized per batch.
type Manager struct {
	store     interfaces.BatchStorage
	artifacts interfaces.ArtifactService    // Optional, may be nil
	notifier  interfaces.CompletionNotifier // Optional, may be nil
	config    *common.Config
	logger    arbor.ILogger
	validate  *validator.Validate
}

// NewManager creates a new batch manager
func NewManager(store interfaces.BatchStorage, config *common.Config, logger arbor.ILogger) *Manager {
	return &Manager{
		store:    store,
		config:   config,
		logger:   logger,
		validate: validator.New(),
	}
}

// WithArtifactService attaches the artifact tiering/deletion collaborator
func (m *Manager) WithArtifactService(svc interfaces.ArtifactService) *Manager {
	m.artifacts = svc
	return m
}

// WithNotifier attaches the completion notification collaborator
func (m *Manager) WithNotifier(n interfaces.CompletionNotifier) *Manager {
	m.notifier = n
	return m
}

type createRequest struct {
	Kind       string `validate:"required,oneof=image_processing archive_processing analysis download_generation report_generation"`
	OwnerScope string `validate:"required"`
	TotalItems int    `validate:"gte=0"`
}

// Create initializes a new batch in pending state with zeroed counters
func (m *Manager) Create(ctx context.Context, kind models.BatchKind, ownerScope string, totalItems int, config map[string]interface{}) (*models.Batch, error) {
	req := createRequest{Kind: string(kind), OwnerScope: ownerScope, TotalItems: totalItems}
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid batch parameters: %w", err)
	}

	now := time.Now()
	batch := &models.Batch{
		ID:             common.NewBatchID(),
		OwnerScope:     ownerScope,
		Kind:           kind,
		Status:         models.BatchStatusPending,
		Config:         config,
		TotalItems:     totalItems,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	batch.StoragePath = batch.StorageBasePath()

	if err := m.store.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	m.logger.Info().
		Str("batch_id", batch.ID).
		Str("kind", string(kind)).
		Str("owner_scope", ownerScope).
		Int("total_items", totalItems).
		Msg("Batch created")

	return batch, nil
}

// Begin transitions a pending batch to processing
func (m *Manager) Begin(ctx context.Context, batchID string) error {
	batch, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		if b.Status != models.BatchStatusPending {
			return fmt.Errorf("cannot begin batch in status %s", b.Status)
		}
		now := time.Now()
		b.Status = models.BatchStatusProcessing
		b.StartedAt = &now
		b.Touch()
		return nil
	})
	if err != nil {
		return err
	}

	m.logTransition(batch, "Batch processing started")
	return nil
}

// ReportOutcome records the result of one unit of work: increments the
// matching counter, decrements the active-job count (clamped at zero),
// and evaluates the auto-completion predicate inside the same atomic
// update. Whichever reporter observes the predicate true performs the
// one-time terminal transition; calls arriving after that are no-ops.
// Duplicate or out-of-order reports are expected and tolerated.
func (m *Manager) ReportOutcome(ctx context.Context, batchID string, outcome Outcome, errorMessage string) (*models.Batch, error) {
	completedNow := false

	batch, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		if b.IsTerminal() {
			m.logger.Debug().
				Str("batch_id", b.ID).
				Str("status", string(b.Status)).
				Str("outcome", string(outcome)).
				Msg("Outcome reported for terminal batch, ignoring")
			return nil
		}

		switch outcome {
		case OutcomeProcessed:
			b.ProcessedItems++
		case OutcomeFailed:
			b.FailedItems++
		case OutcomeSkipped:
			b.SkippedItems++
		default:
			return fmt.Errorf("unknown outcome: %s", outcome)
		}

		if b.ActiveJobs > 0 {
			b.ActiveJobs--
		} else {
			// Retried or duplicated worker reports land here. Clamp and log.
			m.logger.Warn().
				Str("batch_id", b.ID).
				Str("outcome", string(outcome)).
				Msg("Active job count already zero, clamping")
		}

		if errorMessage != "" {
			b.RecordError(errorMessage)
		}
		b.Touch()

		if m.finalizeIfDue(b) {
			completedNow = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completedNow {
		m.afterTerminal(batch)
	}
	return batch, nil
}

// finalizeIfDue applies the one-time terminal transition when the
// completion predicate holds. Runs inside the mutation critical section.
// A cancelling batch routes to cancelled as soon as its active jobs reach
// zero; the completed family additionally requires every item accounted for.
func (m *Manager) finalizeIfDue(b *models.Batch) bool {
	if b.IsTerminal() {
		return false
	}

	now := time.Now()

	if b.Status == models.BatchStatusCancelling {
		if b.ActiveJobs > 0 {
			return false
		}
		b.Status = models.BatchStatusCancelled
		b.CompletedAt = &now
		return true
	}

	if !b.CompletionDue() {
		return false
	}

	if b.FailedItems > 0 {
		b.Status = models.BatchStatusCompletedWithErrors
	} else {
		b.Status = models.BatchStatusCompleted
	}
	b.ActiveJobs = 0
	b.CompletedAt = &now

	if retention := m.config.Retention(string(b.Kind)); retention > 0 {
		expires := now.Add(retention)
		b.ExpiresAt = &expires
	}

	return true
}

// afterTerminal runs completion side effects off the reporting path.
// Failures here never roll back the state transition that triggered them.
func (m *Manager) afterTerminal(batch *models.Batch) {
	m.logTransition(batch, "Batch reached terminal state")

	if !batch.IsCompleted() && batch.Status != models.BatchStatusCancelled {
		return
	}

	summary := batch.Summary()
	batchID := batch.ID
	hasFiles := len(batch.GeneratedFiles) > 0
	completed := batch.IsCompleted()

	go func() {
		ctx := context.Background()

		if completed && m.notifier != nil {
			m.notifier.BatchCompleted(ctx, summary)
		}

		if completed && hasFiles && m.artifacts != nil {
			if err := m.artifacts.TierBatchArtifacts(ctx, batchID); err != nil {
				m.logger.Warn().
					Err(err).
					Str("batch_id", batchID).
					Msg("Artifact tiering failed, files remain on hot storage")
			}
		}
	}()
}

// IncrementActiveJobs raises the active-job count by n when the
// dispatcher enqueues units of work
func (m *Manager) IncrementActiveJobs(ctx context.Context, batchID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("increment must be positive, got %d", n)
	}
	_, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		b.ActiveJobs += n
		b.Touch()
		return nil
	})
	return err
}

// DecrementActiveJobs lowers the active-job count by n, clamped at zero,
// and evaluates the completion predicate like any other counter change
func (m *Manager) DecrementActiveJobs(ctx context.Context, batchID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("decrement must be positive, got %d", n)
	}

	completedNow := false
	batch, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		if b.IsTerminal() {
			return nil
		}
		b.ActiveJobs -= n
		if b.ActiveJobs < 0 {
			m.logger.Warn().
				Str("batch_id", b.ID).
				Int("decrement", n).
				Msg("Active job count would go negative, clamping")
			b.ActiveJobs = 0
		}
		b.Touch()
		if m.finalizeIfDue(b) {
			completedNow = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if completedNow {
		m.afterTerminal(batch)
	}
	return nil
}

// TrackJob records a dispatched worker job ID for observability
func (m *Manager) TrackJob(ctx context.Context, batchID, jobID string) error {
	_, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		b.AddJobID(jobID)
		return nil
	})
	return err
}

// UntrackJob drops a resolved worker job ID
func (m *Manager) UntrackJob(ctx context.Context, batchID, jobID string) error {
	_, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		b.RemoveJobID(jobID)
		return nil
	})
	return err
}

// RequestCancellation flips a batch to cancelling. Cancellation is
// cooperative: in-flight workers are expected to observe the flag, skip
// remaining sub-units, and report skipped. The batch becomes cancelled
// once its active jobs drain to zero.
func (m *Manager) RequestCancellation(ctx context.Context, batchID, reason string) error {
	completedNow := false
	batch, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		switch b.Status {
		case models.BatchStatusPending, models.BatchStatusProcessing, models.BatchStatusPaused:
		default:
			return fmt.Errorf("cannot cancel batch in status %s", b.Status)
		}

		now := time.Now()
		b.Status = models.BatchStatusCancelling
		b.CancellationReason = reason
		b.CancellationStartedAt = &now
		b.Touch()

		// A batch with nothing in flight cancels immediately
		if m.finalizeIfDue(b) {
			completedNow = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if completedNow {
		m.afterTerminal(batch)
	} else {
		m.logTransition(batch, "Batch cancellation requested")
	}
	return nil
}

// MarkFailed forces a batch to the terminal failed state, independent of
// the counter predicate. Used by the dispatcher after exhausting retries
// and by the stuck-batch detector.
func (m *Manager) MarkFailed(ctx context.Context, batchID, reason string) error {
	batch, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		if b.IsTerminal() {
			return fmt.Errorf("batch already terminal: %s", b.Status)
		}
		now := time.Now()
		b.Status = models.BatchStatusFailed
		b.ActiveJobs = 0
		b.CompletedAt = &now
		b.RecordError(reason)
		b.Touch()
		return nil
	})
	if err != nil {
		return err
	}

	m.logTransition(batch, "Batch marked failed")
	return nil
}

// ForceCancel moves a cancelling batch straight to cancelled without
// waiting for its active jobs to drain. Used by the detector when a batch
// overstays the cancellation grace period.
func (m *Manager) ForceCancel(ctx context.Context, batchID, reason string) error {
	batch, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		if b.Status != models.BatchStatusCancelling {
			return fmt.Errorf("cannot force-cancel batch in status %s", b.Status)
		}
		now := time.Now()
		b.Status = models.BatchStatusCancelled
		b.ActiveJobs = 0
		b.CompletedAt = &now
		if reason != "" {
			b.RecordError(reason)
		}
		b.Touch()
		return nil
	})
	if err != nil {
		return err
	}

	m.logTransition(batch, "Batch force-cancelled")
	return nil
}

// Pause suspends a processing batch
func (m *Manager) Pause(ctx context.Context, batchID string) error {
	batch, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		if b.Status != models.BatchStatusProcessing {
			return fmt.Errorf("cannot pause batch in status %s", b.Status)
		}
		b.Status = models.BatchStatusPaused
		b.Touch()
		return nil
	})
	if err != nil {
		return err
	}

	m.logTransition(batch, "Batch paused")
	return nil
}

// Resume returns a paused batch to processing
func (m *Manager) Resume(ctx context.Context, batchID string) error {
	batch, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		if b.Status != models.BatchStatusPaused {
			return fmt.Errorf("cannot resume batch in status %s", b.Status)
		}
		b.Status = models.BatchStatusProcessing
		b.Touch()
		return nil
	})
	if err != nil {
		return err
	}

	m.logTransition(batch, "Batch resumed")
	return nil
}

// IncrementRetry bumps the retry counter when the dispatcher re-runs a
// failed finalization step
func (m *Manager) IncrementRetry(ctx context.Context, batchID string) error {
	_, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		b.RetryCount++
		b.Touch()
		return nil
	})
	return err
}

// AddGeneratedFile records an output artifact against the batch
func (m *Manager) AddGeneratedFile(ctx context.Context, batchID, path, fileType string) error {
	_, err := m.store.MutateBatch(ctx, batchID, func(b *models.Batch) error {
		b.AddGeneratedFile(path, fileType)
		return nil
	})
	return err
}

// Get returns the batch record
func (m *Manager) Get(ctx context.Context, batchID string) (*models.Batch, error) {
	return m.store.GetBatch(ctx, batchID)
}

// Snapshot returns the detailed status view of a batch
func (m *Manager) Snapshot(ctx context.Context, batchID string) (*models.BatchSnapshot, error) {
	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return batch.Snapshot(), nil
}

// IsStuck reports whether the batch is stalled beyond the threshold.
// Pure query, no side effect.
func (m *Manager) IsStuck(ctx context.Context, batchID string, threshold time.Duration) (bool, error) {
	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	return batch.IsStuck(threshold), nil
}

// Delete removes a batch record and cascades best-effort deletion of its
// artifact files across both storage tiers
func (m *Manager) Delete(ctx context.Context, batchID string) error {
	batch, err := m.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if m.artifacts != nil && len(batch.GeneratedFiles) > 0 {
		deleted := m.artifacts.DeleteBatchArtifacts(ctx, batch)
		m.logger.Info().
			Str("batch_id", batchID).
			Int("files_deleted", deleted).
			Msg("Batch artifacts deleted")
	}

	return m.store.DeleteBatch(ctx, batchID)
}

// EmergencyCleanupResult reports what an emergency cleanup did
type EmergencyCleanupResult struct {
	CancelledBatches int `json:"cancelled_batches"`
	CleanedFiles     int `json:"cleaned_files"`
}

// EmergencyCleanup force-cancels every active batch for an owner scope
// and deletes their artifacts. Last-resort operator action.
func (m *Manager) EmergencyCleanup(ctx context.Context, ownerScope string) (*EmergencyCleanupResult, error) {
	m.logger.Warn().Str("owner_scope", ownerScope).Msg("Emergency cleanup started")

	active, err := m.store.ListBatches(ctx, &interfaces.BatchListOptions{OwnerScope: ownerScope})
	if err != nil {
		return nil, fmt.Errorf("emergency cleanup: %w", err)
	}

	result := &EmergencyCleanupResult{}
	for _, b := range active {
		if !b.IsActive() {
			continue
		}
		cancelled, err := m.store.MutateBatch(ctx, b.ID, func(b *models.Batch) error {
			now := time.Now()
			b.Status = models.BatchStatusCancelled
			b.CancellationReason = "emergency_cleanup"
			b.ActiveJobs = 0
			b.CompletedAt = &now
			b.Touch()
			return nil
		})
		if err != nil {
			m.logger.Error().Err(err).Str("batch_id", b.ID).Msg("Emergency cancel failed")
			continue
		}
		result.CancelledBatches++

		if m.artifacts != nil && len(cancelled.GeneratedFiles) > 0 {
			result.CleanedFiles += m.artifacts.DeleteBatchArtifacts(ctx, cancelled)
		}
	}

	m.logger.Info().
		Str("owner_scope", ownerScope).
		Int("cancelled", result.CancelledBatches).
		Int("cleaned_files", result.CleanedFiles).
		Msg("Emergency cleanup completed")

	return result, nil
}

// logTransition emits the structured observability event for a state change
func (m *Manager) logTransition(b *models.Batch, message string) {
	event := m.logger.Info().
		Str("batch_id", b.ID).
		Str("kind", string(b.Kind)).
		Str("status", string(b.Status)).
		Int("total", b.TotalItems).
		Int("processed", b.ProcessedItems).
		Int("failed", b.FailedItems).
		Int("skipped", b.SkippedItems).
		Int("active_jobs", b.ActiveJobs)

	if b.StartedAt != nil && b.CompletedAt != nil {
		event = event.Str("elapsed", b.CompletedAt.Sub(*b.StartedAt).String())
	}

	event.Msg(message)
}
