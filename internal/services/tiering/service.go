// -----------------------------------------------------------------------
// Tiering Service - Hot-to-cold artifact relocation and cascading deletion
// -----------------------------------------------------------------------

package tiering

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// ColdPrefix marks a recorded artifact path as living in the cold tier.
// Paths without the prefix are hot-tier paths relative to the data dir.
const ColdPrefix = "cold/"

// Tier identifies where an artifact path resolves
type Tier string

const (
	TierHot   Tier = "hot"
	TierCold  Tier = "cold"
	TierMixed Tier = "mixed"
)

// Service relocates completed batch artifacts from the hot tier (local
// filesystem under the data dir) to a cold ObjectStore, and handles
// cascading artifact deletion for batches and result records.
type Service struct {
	batches   interfaces.BatchStorage
	cold      ObjectStore
	hotRoot   string
	threshold int64
	tolerance int64
	limiter   *rate.Limiter
	logger    arbor.ILogger
}

// NewService creates the artifact tiering service
func NewService(batches interfaces.BatchStorage, cold ObjectStore, config *common.Config, logger arbor.ILogger) *Service {
	var limiter *rate.Limiter
	if config.Tiering.CopyRateMBps > 0 {
		bytesPerSec := float64(config.Tiering.CopyRateMBps) * 1024 * 1024
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	}

	return &Service{
		batches:   batches,
		cold:      cold,
		hotRoot:   config.Storage.DataDir,
		threshold: config.TieringThresholdBytes(),
		tolerance: config.Tiering.ToleranceBytes,
		limiter:   limiter,
		logger:    logger,
	}
}

// Locate reports which tier a recorded artifact path resolves to
func Locate(path string) Tier {
	if strings.HasPrefix(path, ColdPrefix) {
		return TierCold
	}
	return TierHot
}

// ClassifyBatch reports where a batch's artifact set lives as a whole:
// hot, cold, or mixed when a partial tiering pass left files in both tiers.
// A batch with no files classifies as hot.
func ClassifyBatch(b *models.Batch) Tier {
	var hot, cold bool
	for _, f := range b.GeneratedFiles {
		if Locate(f.Path) == TierCold {
			cold = true
		} else {
			hot = true
		}
	}
	switch {
	case hot && cold:
		return TierMixed
	case cold:
		return TierCold
	}
	return TierHot
}

// coldKey builds the cold-tier object key for one of a batch's files
func coldKey(batch *models.Batch, hotPath string) string {
	return ColdPrefix + batch.OwnerScope + "/" + batch.ID + "/" + filepath.Base(hotPath)
}

// hotPath resolves a recorded hot-tier path to an absolute filesystem path
func (s *Service) hotPath(recorded string) string {
	if filepath.IsAbs(recorded) {
		return recorded
	}
	return filepath.Join(s.hotRoot, filepath.FromSlash(recorded))
}

// ShouldTier reports whether a batch's hot files exceed the size threshold.
// Missing files contribute nothing to the total.
func (s *Service) ShouldTier(batch *models.Batch) (bool, int64) {
	var total int64
	for _, f := range batch.GeneratedFiles {
		if Locate(f.Path) != TierHot {
			continue
		}
		info, err := os.Stat(s.hotPath(f.Path))
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total >= s.threshold, total
}

// TierBatchArtifacts relocates a completed batch's hot files to cold storage
// when their aggregate size reaches the threshold. Each file moves
// independently: copy, verify size, then delete the hot original. A file
// whose cold copy fails verification keeps its hot original and its recorded
// path, so a later sweep can retry it.
func (s *Service) TierBatchArtifacts(ctx context.Context, batchID string) error {
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if !batch.Status.IsCompletedFamily() {
		s.logger.Debug().
			Str("batch_id", batchID).
			Str("status", string(batch.Status)).
			Msg("Skipping tiering for non-completed batch")
		return nil
	}

	due, total := s.ShouldTier(batch)
	if !due {
		s.logger.Debug().
			Str("batch_id", batchID).
			Int64("hot_bytes", total).
			Int64("threshold_bytes", s.threshold).
			Msg("Batch below tiering threshold")
		return nil
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Int64("hot_bytes", total).
		Int("files", len(batch.GeneratedFiles)).
		Msg("Tiering batch artifacts to cold storage")

	// Move each hot file, collecting the new cold keys. The batch record is
	// updated once at the end so readers never observe a half-written list.
	moved := make(map[string]string)
	var failed int
	for _, f := range batch.GeneratedFiles {
		if Locate(f.Path) != TierHot {
			continue
		}
		key, err := s.tierFile(ctx, batch, f.Path)
		if err != nil {
			failed++
			s.logger.Warn().
				Str("batch_id", batchID).
				Str("path", f.Path).
				Err(err).
				Msg("Failed to tier artifact, hot copy retained")
			continue
		}
		moved[f.Path] = key
	}

	updated := batch
	if len(moved) > 0 {
		updated, err = s.batches.MutateBatch(ctx, batchID, func(b *models.Batch) error {
			for i := range b.GeneratedFiles {
				if key, ok := moved[b.GeneratedFiles[i].Path]; ok {
					b.GeneratedFiles[i].Path = key
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("update batch after tiering: %w", err)
		}
	}

	if failed > 0 {
		s.logger.Warn().
			Str("batch_id", batchID).
			Str("tier", string(ClassifyBatch(updated))).
			Int("files_moved", len(moved)).
			Int("files_failed", failed).
			Msg("Batch artifacts partially tiered")
		return fmt.Errorf("tiered %d of %d files for batch %s", len(moved), len(moved)+failed, batchID)
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Int("files_moved", len(moved)).
		Msg("Batch artifacts tiered to cold storage")
	return nil
}

// tierFile copies one hot file to the cold store, verifies the copy by size,
// and deletes the hot original. On any failure the hot file is untouched and
// a partial cold copy is removed.
func (s *Service) tierFile(ctx context.Context, batch *models.Batch, recorded string) (string, error) {
	hot := s.hotPath(recorded)
	info, err := os.Stat(hot)
	if err != nil {
		return "", fmt.Errorf("stat hot file: %w", err)
	}

	f, err := os.Open(hot)
	if err != nil {
		return "", fmt.Errorf("open hot file: %w", err)
	}
	defer f.Close()

	key := coldKey(batch, recorded)
	var reader io.Reader = f
	if s.limiter != nil {
		reader = &pacedReader{r: f, limiter: s.limiter, ctx: ctx}
	}

	start := time.Now()
	if err := s.cold.Put(ctx, key, reader); err != nil {
		_ = s.cold.Delete(ctx, key)
		return "", fmt.Errorf("copy to cold store: %w", err)
	}

	coldSize, err := s.cold.Size(ctx, key)
	if err != nil {
		_ = s.cold.Delete(ctx, key)
		return "", fmt.Errorf("verify cold copy: %w", err)
	}

	delta := coldSize - info.Size()
	if delta < 0 {
		delta = -delta
	}
	if delta > s.tolerance {
		_ = s.cold.Delete(ctx, key)
		return "", fmt.Errorf("cold copy size mismatch: hot=%d cold=%d tolerance=%d", info.Size(), coldSize, s.tolerance)
	}

	if err := os.Remove(hot); err != nil {
		// Cold copy is verified, so the move counts even if the hot file
		// lingers. The expiry sweep cleans it up later.
		s.logger.Warn().
			Str("path", hot).
			Err(err).
			Msg("Failed to remove hot file after verified cold copy")
	}

	s.logger.Debug().
		Str("key", key).
		Int64("bytes", coldSize).
		Str("elapsed", time.Since(start).String()).
		Msg("Artifact moved to cold storage")
	return key, nil
}

// MaterializeLocally fetches a cold artifact into a temp file and returns its
// path. The caller owns the file and must remove it. On any failure the temp
// file is cleaned up before returning.
func (s *Service) MaterializeLocally(ctx context.Context, coldPath string) (string, error) {
	if Locate(coldPath) != TierCold {
		return "", fmt.Errorf("not a cold-tier path: %s", coldPath)
	}

	rc, err := s.cold.Get(ctx, coldPath)
	if err != nil {
		return "", fmt.Errorf("open cold object: %w", err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "colligo-cold-*"+filepath.Ext(coldPath))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("materialize cold object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return tmp.Name(), nil
}

// DeleteBatchArtifacts removes every file recorded against a batch, in
// whichever tier each lives. Individual failures are logged and skipped.
func (s *Service) DeleteBatchArtifacts(ctx context.Context, batch *models.Batch) int {
	deleted := 0
	for _, f := range batch.GeneratedFiles {
		if s.deletePath(ctx, f.Path) {
			deleted++
		}
	}

	// Drop the batch's hot directory when it is empty
	if batch.StoragePath != "" {
		_ = os.Remove(s.hotPath(batch.StoragePath))
	}

	if deleted > 0 {
		s.logger.Info().
			Str("batch_id", batch.ID).
			Int("files_deleted", deleted).
			Msg("Deleted batch artifacts")
	}
	return deleted
}

// DeleteResultArtifacts removes a result record's files across tiers
func (s *Service) DeleteResultArtifacts(ctx context.Context, record *models.ResultRecord) int {
	deleted := 0
	for _, path := range record.FilePaths {
		if s.deletePath(ctx, path) {
			deleted++
		}
	}

	if deleted > 0 {
		s.logger.Info().
			Str("result_id", record.ID).
			Int("files_deleted", deleted).
			Msg("Deleted result artifacts")
	}
	return deleted
}

// deletePath removes one artifact from its tier. Missing files count as
// deleted so repeated sweeps converge.
func (s *Service) deletePath(ctx context.Context, path string) bool {
	if Locate(path) == TierCold {
		if err := s.cold.Delete(ctx, path); err != nil {
			s.logger.Warn().Str("path", path).Err(err).Msg("Failed to delete cold artifact")
			return false
		}
		return true
	}

	if err := os.Remove(s.hotPath(path)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Str("path", path).Err(err).Msg("Failed to delete hot artifact")
		return false
	}
	return true
}

// pacedReader throttles reads through a shared rate limiter so bulk copies
// do not saturate disk or network bandwidth
type pacedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (p *pacedReader) Read(b []byte) (int, error) {
	// Cap each read at the limiter burst so WaitN never exceeds it
	if burst := p.limiter.Burst(); len(b) > burst {
		b = b[:burst]
	}
	n, err := p.r.Read(b)
	if n > 0 {
		if werr := p.limiter.WaitN(p.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
