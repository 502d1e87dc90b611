package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/models"
)

func newTestConfig(t *testing.T) *common.Config {
	t.Helper()
	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = t.TempDir()
	return config
}

func TestNewTokenBackend(t *testing.T) {
	logger := arbor.NewLogger()
	ctx := context.Background()
	config := newTestConfig(t)

	manager, err := NewStorageManager(logger, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	t.Run("badger by default", func(t *testing.T) {
		config.Tokens.Backend = ""
		backend, err := NewTokenBackend(ctx, config, manager, logger)
		require.NoError(t, err)
		assert.Equal(t, "badger", backend.Name)
		assert.NoError(t, backend.Close())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		config.Tokens.Backend = "redis"
		config.Redis.Addr = mr.Addr()

		backend, err := NewTokenBackend(ctx, config, manager, logger)
		require.NoError(t, err)
		defer backend.Close()

		bundle := &models.TokenBundle{
			Platform: "bunjang",
			Cookies:  []models.BundleCookie{{Name: "sid", Value: "session-value"}},
		}
		require.NoError(t, backend.SaveBundle(ctx, bundle))
		assert.True(t, mr.Exists(config.Redis.KeyPrefix+"bunjang"))
	})

	t.Run("redis unreachable", func(t *testing.T) {
		config.Tokens.Backend = "redis"
		config.Redis.Addr = "127.0.0.1:1"
		_, err := NewTokenBackend(ctx, config, manager, logger)
		assert.Error(t, err)
	})

	t.Run("remote requires a base url", func(t *testing.T) {
		config.Tokens.Backend = "remote"
		config.Tokens.Remote.BaseURL = ""
		_, err := NewTokenBackend(ctx, config, manager, logger)
		assert.Error(t, err)

		config.Tokens.Remote.BaseURL = "http://tokens.internal"
		backend, err := NewTokenBackend(ctx, config, manager, logger)
		require.NoError(t, err)
		assert.Equal(t, "remote", backend.Name)
	})

	t.Run("unknown", func(t *testing.T) {
		config.Tokens.Backend = "etcd"
		_, err := NewTokenBackend(ctx, config, manager, logger)
		assert.ErrorContains(t, err, "unsupported token backend")
	})
}
