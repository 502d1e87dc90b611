package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BlockingStorage persists one blocking-state document per platform
type BlockingStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBlockingStorage creates a new BlockingStorage instance
func NewBlockingStorage(db *BadgerDB, logger arbor.ILogger) *BlockingStorage {
	return &BlockingStorage{
		db:     db,
		logger: logger,
	}
}

// LoadState returns interfaces.ErrNotFound when no state has been saved for platform
func (s *BlockingStorage) LoadState(ctx context.Context, platform string) (*models.BlockingState, error) {
	var state models.BlockingState
	if err := s.db.Store().Get(platform, &state); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load blocking state for %s: %w", platform, err)
	}
	return &state, nil
}

func (s *BlockingStorage) SaveState(ctx context.Context, state *models.BlockingState) error {
	if state == nil || state.Platform == "" {
		return fmt.Errorf("blocking state platform is required")
	}

	state.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(state.Platform, state); err != nil {
		return fmt.Errorf("failed to save blocking state for %s: %w", state.Platform, err)
	}
	return nil
}
