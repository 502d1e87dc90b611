package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
)

// TokenStorage keeps token bundles in Redis with a TTL equal to their remaining lifetime
type TokenStorage struct {
	client    *redis.Client
	keyPrefix string
	logger    arbor.ILogger
}

// NewClient connects to Redis and verifies the connection
func NewClient(ctx context.Context, config *common.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", config.Addr, err)
	}
	return client, nil
}

// NewTokenStorage creates a token backend over an existing client
func NewTokenStorage(client *redis.Client, keyPrefix string, logger arbor.ILogger) *TokenStorage {
	if keyPrefix == "" {
		keyPrefix = "marketpost:token:"
	}
	return &TokenStorage{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (s *TokenStorage) key(platform string) string {
	return s.keyPrefix + platform
}

func (s *TokenStorage) GetBundle(ctx context.Context, platform string) (*models.TokenBundle, error) {
	data, err := s.client.Get(ctx, s.key(platform)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token bundle for %s: %w", platform, err)
	}

	var bundle models.TokenBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode token bundle for %s: %w", platform, err)
	}
	return &bundle, nil
}

// SaveBundle stores the bundle. Bundles without an expiry are kept without a TTL;
// an already expired bundle is not written.
func (s *TokenStorage) SaveBundle(ctx context.Context, bundle *models.TokenBundle) error {
	if bundle == nil || bundle.Platform == "" {
		return fmt.Errorf("token bundle platform is required")
	}

	var ttl time.Duration
	if !bundle.ExpiresAt.IsZero() {
		ttl = time.Until(bundle.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("token bundle for %s is already expired", bundle.Platform)
		}
	}

	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to encode token bundle for %s: %w", bundle.Platform, err)
	}

	if err := s.client.Set(ctx, s.key(bundle.Platform), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save token bundle for %s: %w", bundle.Platform, err)
	}

	s.logger.Debug().
		Str("platform", bundle.Platform).
		Dur("ttl", ttl).
		Msg("Token bundle stored in redis")
	return nil
}

func (s *TokenStorage) DeleteBundle(ctx context.Context, platform string) error {
	if err := s.client.Del(ctx, s.key(platform)).Err(); err != nil {
		return fmt.Errorf("failed to delete token bundle for %s: %w", platform, err)
	}
	return nil
}

func (s *TokenStorage) ListBundles(ctx context.Context) ([]*models.TokenBundle, error) {
	var bundles []*models.TokenBundle

	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		platform := strings.TrimPrefix(iter.Val(), s.keyPrefix)
		bundle, err := s.GetBundle(ctx, platform)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan token bundles: %w", err)
	}

	return bundles, nil
}

// Close closes the Redis client
func (s *TokenStorage) Close() error {
	return s.client.Close()
}

var _ interfaces.TokenBackend = (*TokenStorage)(nil)
