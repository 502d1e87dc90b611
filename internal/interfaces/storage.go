package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/marketpost/internal/models"
)

// ErrNotFound is returned by storage implementations when a key does not exist
var ErrNotFound = errors.New("not found")

// TokenBackend is the durable layer behind the token bundle cache.
// Implementations: badger (local), redis, remote token-management service.
type TokenBackend interface {
	GetBundle(ctx context.Context, platform string) (*models.TokenBundle, error)
	SaveBundle(ctx context.Context, bundle *models.TokenBundle) error
	DeleteBundle(ctx context.Context, platform string) error
	ListBundles(ctx context.Context) ([]*models.TokenBundle, error)
}

// BlockingStateStorage persists one blocking-state document per platform
type BlockingStateStorage interface {
	LoadState(ctx context.Context, platform string) (*models.BlockingState, error)
	SaveState(ctx context.Context, state *models.BlockingState) error
}

// ResultStorage records the history of registration attempts
type ResultStorage interface {
	SaveResult(ctx context.Context, result *models.AutomationResult) error
	GetResult(ctx context.Context, id string) (*models.AutomationResult, error)
	ListResults(ctx context.Context, platform string, limit int) ([]*models.AutomationResult, error)
	LatestSuccess(ctx context.Context, platform, listingID string) (*models.AutomationResult, error)
}

// StorageManager groups the storage implementations
type StorageManager interface {
	TokenBackend() TokenBackend
	BlockingStateStorage() BlockingStateStorage
	ResultStorage() ResultStorage
	Close() error
}
