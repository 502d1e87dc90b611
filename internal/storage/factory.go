package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/services/tokens"
	"github.com/ternarybob/marketpost/internal/storage/badger"
	"github.com/ternarybob/marketpost/internal/storage/redis"
)

// NewStorageManager opens the local Badger store that holds results,
// blocking state and (by default) token bundles
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	return badger.NewManager(logger, &config.Storage.Badger)
}

// TokenBackend is a token backend plus the function that releases it
type TokenBackend struct {
	interfaces.TokenBackend
	Name  string
	close func() error
}

// Close releases connections owned by the backend
func (b *TokenBackend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// NewTokenBackend selects the durable layer behind the token store from
// tokens.backend: "badger" (local), "redis" or "remote"
func NewTokenBackend(ctx context.Context, config *common.Config, manager interfaces.StorageManager, logger arbor.ILogger) (*TokenBackend, error) {
	name := strings.ToLower(config.Tokens.Backend)
	switch name {
	case "", "badger":
		return &TokenBackend{TokenBackend: manager.TokenBackend(), Name: "badger"}, nil

	case "redis":
		client, err := redis.NewClient(ctx, &config.Redis)
		if err != nil {
			return nil, err
		}
		store := redis.NewTokenStorage(client, config.Redis.KeyPrefix, logger)
		logger.Debug().Str("addr", config.Redis.Addr).Msg("Token bundles stored in Redis")
		return &TokenBackend{TokenBackend: store, Name: name, close: store.Close}, nil

	case "remote":
		if config.Tokens.Remote.BaseURL == "" {
			return nil, fmt.Errorf("tokens.remote.base_url is required for the remote token backend")
		}
		timeout := common.ParseDuration(config.Tokens.Remote.Timeout, 10*time.Second)
		logger.Debug().Str("base_url", config.Tokens.Remote.BaseURL).Msg("Token bundles stored in remote service")
		return &TokenBackend{
			TokenBackend: tokens.NewRemoteBackend(config.Tokens.Remote.BaseURL, timeout, logger),
			Name:         name,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported token backend: %s (expected badger, redis or remote)", config.Tokens.Backend)
	}
}
