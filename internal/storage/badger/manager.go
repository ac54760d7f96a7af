package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/colligo/internal/common"
	"github.com/ternarybob/colligo/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	batch  interfaces.BatchStorage
	result interfaces.ResultStorage
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		batch:  NewBatchStorage(db, logger),
		result: NewResultStorage(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// BatchStorage returns the Batch storage interface
func (m *Manager) BatchStorage() interfaces.BatchStorage {
	return m.batch
}

// ResultStorage returns the Result storage interface
func (m *Manager) ResultStorage() interfaces.ResultStorage {
	return m.result
}

// Close closes the underlying database
func (m *Manager) Close() error {
	return m.db.Close()
}
