package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
)

func newTestStorage(t *testing.T) (*TokenStorage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewTokenStorage(client, "test:token:", arbor.NewLogger()), mr
}

func testBundle(platform string, ttl time.Duration) *models.TokenBundle {
	return &models.TokenBundle{
		Platform:   platform,
		Cookies:    []models.BundleCookie{{Name: "sid", Value: "session-value"}},
		CSRFToken:  "csrf-token-value",
		CapturedAt: time.Now(),
		ExpiresAt:  time.Now().Add(ttl),
	}
}

func TestTokenStorage_SaveGetDelete(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveBundle(ctx, testBundle("bunjang", time.Hour)))

	loaded, err := storage.GetBundle(ctx, "bunjang")
	require.NoError(t, err)
	assert.Len(t, loaded.Cookies, 1)
	assert.True(t, loaded.HasCSRF())

	require.NoError(t, storage.DeleteBundle(ctx, "bunjang"))
	_, err = storage.GetBundle(ctx, "bunjang")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestTokenStorage_TTLFollowsExpiry(t *testing.T) {
	storage, mr := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveBundle(ctx, testBundle("danggeun", time.Hour)))
	ttl := mr.TTL("test:token:danggeun")
	assert.Greater(t, ttl, 59*time.Minute)

	mr.FastForward(2 * time.Hour)
	_, err := storage.GetBundle(ctx, "danggeun")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestTokenStorage_RejectsExpiredBundle(t *testing.T) {
	storage, _ := newTestStorage(t)
	err := storage.SaveBundle(context.Background(), testBundle("bunjang", -time.Minute))
	assert.Error(t, err)
}

func TestTokenStorage_ListBundles(t *testing.T) {
	storage, _ := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.SaveBundle(ctx, testBundle("bunjang", time.Hour)))
	require.NoError(t, storage.SaveBundle(ctx, testBundle("junggonara", time.Hour)))

	bundles, err := storage.ListBundles(ctx)
	require.NoError(t, err)
	assert.Len(t, bundles, 2)
}

func TestNewClient_PingFailure(t *testing.T) {
	_, err := NewClient(context.Background(), &common.RedisConfig{Addr: "127.0.0.1:1", PoolSize: 1})
	assert.Error(t, err)
}

func TestNewClient_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), &common.RedisConfig{Addr: mr.Addr(), PoolSize: 2})
	require.NoError(t, err)
	client.Close()
}
