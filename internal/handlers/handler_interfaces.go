package handlers

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/automation"
)

// Registrar runs registrations and reports on them
type Registrar interface {
	RegisterAll(ctx context.Context, listing *models.ProductListing, creds *models.Credentials) ([]*models.AutomationResult, error)
	RegisterVia(ctx context.Context, platform string, listing *models.ProductListing, creds *models.Credentials, mode automation.Mode) (*models.AutomationResult, error)
	RefreshTokens(ctx context.Context, platform string, creds *models.Credentials) (*models.TokenStatus, error)
	Raw(ctx context.Context, platform, method, path string, body json.RawMessage) (json.RawMessage, int, error)
	History(ctx context.Context, platform string, limit int) ([]*models.AutomationResult, error)
	Result(ctx context.Context, id string) (*models.AutomationResult, error)
	PlatformStatus(ctx context.Context) []automation.PlatformStatus
	SupportedPlatforms() []string
}

// TokenStore is the token bundle store as seen by the HTTP layer
type TokenStore interface {
	Save(ctx context.Context, bundle *models.TokenBundle) error
	Delete(ctx context.Context, platform string) error
	Status(ctx context.Context, platform string) models.TokenStatus
	AllStatus(ctx context.Context) ([]models.TokenStatus, error)
}
