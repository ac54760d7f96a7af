package interfaces

import (
	"context"

	"github.com/ternarybob/colligo/internal/models"
)

// CompletionNotifier receives the read-only summary when a batch reaches a
// terminal completed state. Implementations render/send notifications out
// of band; failures never affect the batch's own state.
type CompletionNotifier interface {
	BatchCompleted(ctx context.Context, summary *models.CompletionSummary)
}

// ArtifactService manages the physical artifact files behind batches and
// result records: hot-to-cold relocation and cascading deletion. All file
// operations are best-effort and isolated per file.
type ArtifactService interface {
	// TierBatchArtifacts relocates a completed batch's files to cold
	// storage when their aggregate size warrants it. Runs off the
	// reporting path.
	TierBatchArtifacts(ctx context.Context, batchID string) error

	// DeleteBatchArtifacts removes every file regardless of tier,
	// logging and skipping individual failures. Returns the number of
	// files deleted.
	DeleteBatchArtifacts(ctx context.Context, batch *models.Batch) int

	// DeleteResultArtifacts removes a result record's files across tiers.
	DeleteResultArtifacts(ctx context.Context, record *models.ResultRecord) int
}

// SchedulerService runs registered maintenance jobs on cron schedules
type SchedulerService interface {
	RegisterJob(name, schedule, description string, handler func() error) error
	Start() error
	Stop()
	IsRunning() bool
}
