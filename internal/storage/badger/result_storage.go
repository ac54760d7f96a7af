package badger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// ResultStorage implements the ResultStorage interface for Badger
type ResultStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	mu     sync.Mutex // Result records see far less write contention than batches
}

// NewResultStorage creates a new ResultStorage instance
func NewResultStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ResultStorage {
	return &ResultStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ResultStorage) SaveResult(ctx context.Context, record *models.ResultRecord) error {
	if record.ID == "" {
		return fmt.Errorf("result ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

func (s *ResultStorage) GetResult(ctx context.Context, resultID string) (*models.ResultRecord, error) {
	var record models.ResultRecord
	if err := s.db.Store().Get(resultID, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("result not found: %s", resultID)
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return &record, nil
}

func (s *ResultStorage) MutateResult(ctx context.Context, resultID string, fn func(*models.ResultRecord) error) (*models.ResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var record models.ResultRecord
	if err := s.db.Store().Get(resultID, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("result not found: %s", resultID)
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	if err := fn(&record); err != nil {
		return nil, err
	}

	if err := s.db.Store().Upsert(record.ID, &record); err != nil {
		return nil, fmt.Errorf("failed to update result: %w", err)
	}

	return &record, nil
}

func (s *ResultStorage) ListReadyResults(ctx context.Context, ownerScope string) ([]*models.ResultRecord, error) {
	query := badgerhold.Where("Status").Eq(models.ResultStatusCompleted)
	if ownerScope != "" {
		query = query.And("OwnerScope").Eq(ownerScope)
	}

	var records []models.ResultRecord
	if err := s.db.Store().Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list ready results: %w", err)
	}

	var result []*models.ResultRecord
	for i := range records {
		if records[i].IsReady() {
			result = append(result, &records[i])
		}
	}
	return result, nil
}

// ListExpiredResults returns completed records whose retention window has
// passed but whose files are still on disk. Time filtering runs in Go,
// same reasoning as ListExpiredBatches.
func (s *ResultStorage) ListExpiredResults(ctx context.Context) ([]*models.ResultRecord, error) {
	var records []models.ResultRecord
	if err := s.db.Store().Find(&records, badgerhold.Where("FilesPurged").Eq(false)); err != nil {
		return nil, fmt.Errorf("failed to list expired results: %w", err)
	}

	now := time.Now()
	var result []*models.ResultRecord
	for i := range records {
		r := &records[i]
		if r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (s *ResultStorage) DeleteResult(ctx context.Context, resultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Store().Delete(resultID, &models.ResultRecord{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("result not found: %s", resultID)
		}
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return nil
}
