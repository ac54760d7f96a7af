package notify

import (
	"context"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/models"
)

// LogNotifier emits completion notifications as structured log events. It is
// the default notifier; deployments that deliver notifications elsewhere
// swap in their own CompletionNotifier.
type LogNotifier struct {
	logger arbor.ILogger
}

// NewLogNotifier creates a log-based completion notifier
func NewLogNotifier(logger arbor.ILogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// BatchCompleted logs the completion summary. Never fails.
func (n *LogNotifier) BatchCompleted(ctx context.Context, summary *models.CompletionSummary) {
	event := n.logger.Info().
		Str("batch_id", summary.BatchID).
		Str("owner_scope", summary.OwnerScope).
		Str("kind", string(summary.Kind)).
		Str("status", string(summary.Status)).
		Int("total", summary.TotalItems).
		Int("processed", summary.ProcessedItems).
		Int("failed", summary.FailedItems).
		Int("skipped", summary.SkippedItems).
		Int("files", len(summary.GeneratedFiles))

	if summary.ExpiresAt != nil {
		event = event.Str("expires_at", summary.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	event.Msg("Batch completion notification")
}
