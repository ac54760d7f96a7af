package badger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// batchLockCount is the size of the striped lock table. Contention is
// scoped per batch; stripes only matter when two batch IDs collide.
const batchLockCount = 64

// BatchStorage implements the BatchStorage interface for Badger.
//
// Badger transactions alone do not give us read-modify-write atomicity
// across Get+Upsert, so every mutation for a batch ID is serialized
// through a striped lock. This makes each MutateBatch call a single
// linearizable update for that batch, which is what the completion
// predicate relies on.
type BatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	locks  [batchLockCount]sync.Mutex
}

// NewBatchStorage creates a new BatchStorage instance
func NewBatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BatchStorage) lockFor(batchID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(batchID))
	return &s.locks[h.Sum32()%batchLockCount]
}

func (s *BatchStorage) SaveBatch(ctx context.Context, batch *models.Batch) error {
	if batch.ID == "" {
		return fmt.Errorf("batch ID is required")
	}

	mu := s.lockFor(batch.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	var batch models.Batch
	if err := s.db.Store().Get(batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("batch not found: %s", batchID)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

func (s *BatchStorage) MutateBatch(ctx context.Context, batchID string, fn func(*models.Batch) error) (*models.Batch, error) {
	mu := s.lockFor(batchID)
	mu.Lock()
	defer mu.Unlock()

	var batch models.Batch
	if err := s.db.Store().Get(batchID, &batch); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("batch not found: %s", batchID)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	if err := fn(&batch); err != nil {
		return nil, err
	}

	if err := s.db.Store().Upsert(batch.ID, &batch); err != nil {
		return nil, fmt.Errorf("failed to update batch: %w", err)
	}

	return &batch, nil
}

func (s *BatchStorage) ListBatches(ctx context.Context, opts *interfaces.BatchListOptions) ([]*models.Batch, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.OwnerScope != "" {
			query = query.And("OwnerScope").Eq(opts.OwnerScope).Index("OwnerScope")
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Kind != "" {
			query = query.And("Kind").Eq(opts.Kind)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var batches []models.Batch
	if err := s.db.Store().Find(&batches, query); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	result := make([]*models.Batch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	return result, nil
}

func (s *BatchStorage) ListActiveBatches(ctx context.Context) ([]*models.Batch, error) {
	var batches []models.Batch
	query := badgerhold.Where("Status").In(
		models.BatchStatusPending,
		models.BatchStatusProcessing,
		models.BatchStatusPaused,
	)
	if err := s.db.Store().Find(&batches, query); err != nil {
		return nil, fmt.Errorf("failed to list active batches: %w", err)
	}

	result := make([]*models.Batch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	return result, nil
}

func (s *BatchStorage) ListBatchesByStatus(ctx context.Context, status models.BatchStatus) ([]*models.Batch, error) {
	var batches []models.Batch
	if err := s.db.Store().Find(&batches, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list batches by status: %w", err)
	}

	result := make([]*models.Batch, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	return result, nil
}

// ListExpiredBatches returns batches whose retention window has passed and
// whose artifacts have not yet been purged. ExpiresAt is a pointer, which
// badgerhold cannot compare directly, so the time filter runs in Go.
func (s *BatchStorage) ListExpiredBatches(ctx context.Context) ([]*models.Batch, error) {
	var batches []models.Batch
	if err := s.db.Store().Find(&batches, badgerhold.Where("ArtifactsPurged").Eq(false)); err != nil {
		return nil, fmt.Errorf("failed to list expired batches: %w", err)
	}

	now := time.Now()
	var result []*models.Batch
	for i := range batches {
		b := &batches[i]
		if b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			result = append(result, b)
		}
	}
	return result, nil
}

func (s *BatchStorage) DeleteBatch(ctx context.Context, batchID string) error {
	mu := s.lockFor(batchID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.db.Store().Delete(batchID, &models.Batch{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("batch not found: %s", batchID)
		}
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	return nil
}

func (s *BatchStorage) CountBatches(ctx context.Context, opts *interfaces.BatchListOptions) (int, error) {
	query := badgerhold.Where("ID").Ne("")
	if opts != nil {
		if opts.OwnerScope != "" {
			query = query.And("OwnerScope").Eq(opts.OwnerScope)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Kind != "" {
			query = query.And("Kind").Eq(opts.Kind)
		}
	}

	count, err := s.db.Store().Count(&models.Batch{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count batches: %w", err)
	}
	return int(count), nil
}
