package interfaces

import (
	"context"

	"github.com/ternarybob/colligo/internal/models"
)

// BatchListOptions filters batch listings
type BatchListOptions struct {
	OwnerScope string
	Status     models.BatchStatus
	Kind       models.BatchKind
	Limit      int
	Offset     int
}

// BatchStorage persists batch records. MutateBatch is the linearization
// point for all counter updates: the callback runs under a per-batch lock
// as a single read-modify-write, so concurrent reporters for the same
// batch never interleave. There is no cross-batch ordering guarantee.
type BatchStorage interface {
	SaveBatch(ctx context.Context, batch *models.Batch) error
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)

	// MutateBatch loads the batch, applies fn, and persists the result as
	// one atomic unit. Returning an error from fn aborts the write.
	MutateBatch(ctx context.Context, batchID string, fn func(*models.Batch) error) (*models.Batch, error)

	ListBatches(ctx context.Context, opts *BatchListOptions) ([]*models.Batch, error)
	ListActiveBatches(ctx context.Context) ([]*models.Batch, error)
	ListBatchesByStatus(ctx context.Context, status models.BatchStatus) ([]*models.Batch, error)
	ListExpiredBatches(ctx context.Context) ([]*models.Batch, error)

	DeleteBatch(ctx context.Context, batchID string) error
	CountBatches(ctx context.Context, opts *BatchListOptions) (int, error)
}

// ResultStorage persists artifact-bearing result records (downloads, reports)
type ResultStorage interface {
	SaveResult(ctx context.Context, record *models.ResultRecord) error
	GetResult(ctx context.Context, resultID string) (*models.ResultRecord, error)
	MutateResult(ctx context.Context, resultID string, fn func(*models.ResultRecord) error) (*models.ResultRecord, error)
	ListReadyResults(ctx context.Context, ownerScope string) ([]*models.ResultRecord, error)
	ListExpiredResults(ctx context.Context) ([]*models.ResultRecord, error)
	DeleteResult(ctx context.Context, resultID string) error
}

// StorageManager is the facade over all persistent storage
type StorageManager interface {
	BatchStorage() BatchStorage
	ResultStorage() ResultStorage
	Close() error
}
