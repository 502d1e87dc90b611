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

// tokenRecord is the persisted form of a token bundle, keyed by platform
type tokenRecord struct {
	Platform string
	Bundle   models.TokenBundle
}

// TokenStorage stores one token bundle document per platform
type TokenStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTokenStorage creates a new TokenStorage instance
func NewTokenStorage(db *BadgerDB, logger arbor.ILogger) *TokenStorage {
	return &TokenStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TokenStorage) GetBundle(ctx context.Context, platform string) (*models.TokenBundle, error) {
	var record tokenRecord
	if err := s.db.Store().Get(platform, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token bundle for %s: %w", platform, err)
	}
	bundle := record.Bundle
	return &bundle, nil
}

func (s *TokenStorage) SaveBundle(ctx context.Context, bundle *models.TokenBundle) error {
	if bundle == nil || bundle.Platform == "" {
		return fmt.Errorf("token bundle platform is required")
	}

	record := tokenRecord{Platform: bundle.Platform, Bundle: *bundle}
	if err := s.db.Store().Upsert(bundle.Platform, &record); err != nil {
		return fmt.Errorf("failed to save token bundle for %s: %w", bundle.Platform, err)
	}

	s.logger.Debug().
		Str("platform", bundle.Platform).
		Int("cookies", len(bundle.Cookies)).
		Bool("has_csrf", bundle.HasCSRF()).
		Msg("Token bundle persisted")
	return nil
}

func (s *TokenStorage) DeleteBundle(ctx context.Context, platform string) error {
	if err := s.db.Store().Delete(platform, &tokenRecord{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete token bundle for %s: %w", platform, err)
	}
	return nil
}

func (s *TokenStorage) ListBundles(ctx context.Context) ([]*models.TokenBundle, error) {
	var records []tokenRecord
	if err := s.db.Store().Find(&records, nil); err != nil {
		return nil, fmt.Errorf("failed to list token bundles: %w", err)
	}

	bundles := make([]*models.TokenBundle, 0, len(records))
	for i := range records {
		bundle := records[i].Bundle
		bundles = append(bundles, &bundle)
	}
	return bundles, nil
}
