package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	tokens   interfaces.TokenBackend
	blocking interfaces.BlockingStateStorage
	results  interfaces.ResultStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		tokens:   NewTokenStorage(db, logger),
		blocking: NewBlockingStorage(db, logger),
		results:  NewResultStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// TokenBackend returns the local token bundle storage
func (m *Manager) TokenBackend() interfaces.TokenBackend {
	return m.tokens
}

// BlockingStateStorage returns the blocking state storage
func (m *Manager) BlockingStateStorage() interfaces.BlockingStateStorage {
	return m.blocking
}

// ResultStorage returns the attempt history storage
func (m *Manager) ResultStorage() interfaces.ResultStorage {
	return m.results
}

// DB returns the underlying database connection
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
