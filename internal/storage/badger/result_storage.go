package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ResultStorage records the history of registration attempts
type ResultStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewResultStorage creates a new ResultStorage instance
func NewResultStorage(db *BadgerDB, logger arbor.ILogger) *ResultStorage {
	return &ResultStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ResultStorage) SaveResult(ctx context.Context, result *models.AutomationResult) error {
	if result.ID == "" {
		return fmt.Errorf("result ID is required")
	}
	if err := s.db.Store().Upsert(result.ID, result); err != nil {
		return fmt.Errorf("failed to save result %s: %w", result.ID, err)
	}
	return nil
}

func (s *ResultStorage) GetResult(ctx context.Context, id string) (*models.AutomationResult, error) {
	var result models.AutomationResult
	if err := s.db.Store().Get(id, &result); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get result %s: %w", id, err)
	}
	return &result, nil
}

// ListResults returns the most recent results first. An empty platform lists all platforms.
func (s *ResultStorage) ListResults(ctx context.Context, platform string, limit int) ([]*models.AutomationResult, error) {
	query := badgerhold.Where("ID").Ne("")
	if platform != "" {
		query = badgerhold.Where("Platform").Eq(platform)
	}
	query = query.SortBy("StartedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var results []models.AutomationResult
	if err := s.db.Store().Find(&results, query); err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}

	out := make([]*models.AutomationResult, 0, len(results))
	for i := range results {
		out = append(out, &results[i])
	}
	return out, nil
}

// LatestSuccess returns the newest successful result for listingID on platform
func (s *ResultStorage) LatestSuccess(ctx context.Context, platform, listingID string) (*models.AutomationResult, error) {
	query := badgerhold.Where("ListingID").Eq(listingID).
		And("Platform").Eq(platform).
		And("Success").Eq(true).
		SortBy("StartedAt").Reverse().
		Limit(1)

	var results []models.AutomationResult
	if err := s.db.Store().Find(&results, query); err != nil {
		return nil, fmt.Errorf("failed to find result for listing %s: %w", listingID, err)
	}
	if len(results) == 0 {
		return nil, interfaces.ErrNotFound
	}
	return &results[0], nil
}
