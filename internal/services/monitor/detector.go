// -----------------------------------------------------------------------
// Detector - Periodic sweeps for stuck batches, overdue cancellations,
// expired artifacts and unfinished tiering
// -----------------------------------------------------------------------

package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/batch"
	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/services/tiering"
)

// Detector is the safety net behind the counter protocol. Workers that die
// without reporting leave their batch's active-job count high forever; the
// detector fails those batches, forces overdue cancellations through, purges
// expired artifacts and retries incomplete tiering.
type Detector struct {
	manager   *batch.Manager
	batches   interfaces.BatchStorage
	results   interfaces.ResultStorage
	artifacts interfaces.ArtifactService
	config    *common.Config
	logger    arbor.ILogger
}

// SweepStats summarizes what one detector run did
type SweepStats struct {
	StuckFailed     int `json:"stuck_failed"`
	ForcedCancels   int `json:"forced_cancels"`
	BatchesPurged   int `json:"batches_purged"`
	ResultsPurged   int `json:"results_purged"`
	TieringRetried  int `json:"tiering_retried"`
	ArtifactsPurged int `json:"artifacts_purged"`
}

// NewDetector creates the batch health detector
func NewDetector(manager *batch.Manager, store interfaces.StorageManager, artifacts interfaces.ArtifactService, config *common.Config, logger arbor.ILogger) *Detector {
	return &Detector{
		manager:   manager,
		batches:   store.BatchStorage(),
		results:   store.ResultStorage(),
		artifacts: artifacts,
		config:    config,
		logger:    logger,
	}
}

// Run executes every sweep once. Sweeps are independent; a failure in one
// never blocks the others.
func (d *Detector) Run(ctx context.Context) (*SweepStats, error) {
	start := time.Now()
	stats := &SweepStats{}

	if err := d.SweepStuck(ctx, stats); err != nil {
		d.logger.Error().Err(err).Msg("Stuck-batch sweep failed")
	}
	if err := d.SweepCancelling(ctx, stats); err != nil {
		d.logger.Error().Err(err).Msg("Cancellation sweep failed")
	}
	if err := d.SweepExpired(ctx, stats); err != nil {
		d.logger.Error().Err(err).Msg("Expiry sweep failed")
	}
	if err := d.SweepTiering(ctx, stats); err != nil {
		d.logger.Error().Err(err).Msg("Tiering retry sweep failed")
	}

	d.logger.Info().
		Int("stuck_failed", stats.StuckFailed).
		Int("forced_cancels", stats.ForcedCancels).
		Int("batches_purged", stats.BatchesPurged).
		Int("results_purged", stats.ResultsPurged).
		Int("tiering_retried", stats.TieringRetried).
		Str("elapsed", time.Since(start).String()).
		Msg("Detector sweep completed")

	return stats, nil
}

// SweepStuck fails processing batches that have had no counter activity
// within their kind's stuck threshold. This is the backstop for workers
// that died without reporting: the batch would otherwise wait forever for
// an active-job count that can no longer reach zero.
func (d *Detector) SweepStuck(ctx context.Context, stats *SweepStats) error {
	processing, err := d.batches.ListBatchesByStatus(ctx, models.BatchStatusProcessing)
	if err != nil {
		return fmt.Errorf("list processing batches: %w", err)
	}

	for _, b := range processing {
		threshold := d.config.StuckThreshold(string(b.Kind))
		if !b.IsStuck(threshold) {
			continue
		}

		idle := time.Since(b.LastActivityAt).Round(time.Minute)
		reason := fmt.Sprintf("stuck: no activity for %s with %d active jobs", idle, b.ActiveJobs)

		d.logger.Warn().
			Str("batch_id", b.ID).
			Str("kind", string(b.Kind)).
			Int("active_jobs", b.ActiveJobs).
			Str("idle", idle.String()).
			Str("threshold", threshold.String()).
			Msg("Stuck batch detected, marking failed")

		if err := d.manager.MarkFailed(ctx, b.ID, reason); err != nil {
			d.logger.Error().Err(err).Str("batch_id", b.ID).Msg("Failed to mark stuck batch")
			continue
		}
		stats.StuckFailed++
	}
	return nil
}

// SweepCancelling forces batches through to cancelled when they have sat in
// cancelling longer than the grace period. Workers that were meant to drain
// are presumed dead at that point.
func (d *Detector) SweepCancelling(ctx context.Context, stats *SweepStats) error {
	cancelling, err := d.batches.ListBatchesByStatus(ctx, models.BatchStatusCancelling)
	if err != nil {
		return fmt.Errorf("list cancelling batches: %w", err)
	}

	grace := d.config.CancelGrace()
	for _, b := range cancelling {
		if b.CancellationStartedAt == nil || time.Since(*b.CancellationStartedAt) < grace {
			continue
		}

		reason := fmt.Sprintf("cancellation grace period of %s exceeded with %d active jobs", grace, b.ActiveJobs)
		if err := d.manager.ForceCancel(ctx, b.ID, reason); err != nil {
			d.logger.Error().Err(err).Str("batch_id", b.ID).Msg("Failed to force-cancel batch")
			continue
		}
		stats.ForcedCancels++
	}
	return nil
}

// SweepExpired purges artifact files for batches and result records whose
// retention window has passed. Records stay queryable after the purge; only
// their readiness flips off.
func (d *Detector) SweepExpired(ctx context.Context, stats *SweepStats) error {
	expiredBatches, err := d.batches.ListExpiredBatches(ctx)
	if err != nil {
		return fmt.Errorf("list expired batches: %w", err)
	}

	for _, b := range expiredBatches {
		deleted := 0
		if d.artifacts != nil && len(b.GeneratedFiles) > 0 {
			deleted = d.artifacts.DeleteBatchArtifacts(ctx, b)
		}

		_, err := d.batches.MutateBatch(ctx, b.ID, func(b *models.Batch) error {
			b.ArtifactsPurged = true
			return nil
		})
		if err != nil {
			d.logger.Error().Err(err).Str("batch_id", b.ID).Msg("Failed to mark batch purged")
			continue
		}

		stats.BatchesPurged++
		stats.ArtifactsPurged += deleted
		d.logger.Info().
			Str("batch_id", b.ID).
			Int("files_deleted", deleted).
			Msg("Expired batch artifacts purged")
	}

	expiredResults, err := d.results.ListExpiredResults(ctx)
	if err != nil {
		return fmt.Errorf("list expired results: %w", err)
	}

	for _, r := range expiredResults {
		deleted := 0
		if d.artifacts != nil && len(r.FilePaths) > 0 {
			deleted = d.artifacts.DeleteResultArtifacts(ctx, r)
		}

		_, err := d.results.MutateResult(ctx, r.ID, func(r *models.ResultRecord) error {
			r.FilesPurged = true
			return nil
		})
		if err != nil {
			d.logger.Error().Err(err).Str("result_id", r.ID).Msg("Failed to mark result purged")
			continue
		}

		stats.ResultsPurged++
		stats.ArtifactsPurged += deleted
		d.logger.Info().
			Str("result_id", r.ID).
			Int("files_deleted", deleted).
			Msg("Expired result files purged")
	}

	return nil
}

// SweepTiering retries hot-to-cold relocation for completed batches whose
// tiering failed or was interrupted. Tiering is idempotent per file, so
// re-running it only moves what is still hot.
func (d *Detector) SweepTiering(ctx context.Context, stats *SweepStats) error {
	if d.artifacts == nil {
		return nil
	}

	for _, status := range []models.BatchStatus{models.BatchStatusCompleted, models.BatchStatusCompletedWithErrors} {
		batches, err := d.batches.ListBatchesByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s batches: %w", status, err)
		}

		for _, b := range batches {
			if b.ArtifactsPurged || b.HasExpired() || len(b.GeneratedFiles) == 0 {
				continue
			}
			if !hasHotFiles(b) {
				continue
			}

			if err := d.artifacts.TierBatchArtifacts(ctx, b.ID); err != nil {
				d.logger.Warn().Err(err).Str("batch_id", b.ID).Msg("Tiering retry incomplete")
				continue
			}
			stats.TieringRetried++
		}
	}
	return nil
}

func hasHotFiles(b *models.Batch) bool {
	for _, f := range b.GeneratedFiles {
		if tiering.Locate(f.Path) == tiering.TierHot {
			return true
		}
	}
	return false
}
