package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
)

func openTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func TestBadgerDB_RunGCWithNothingToReclaim(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.RunGC())
}

func TestBadgerDB_RequiresPath(t *testing.T) {
	_, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{})
	assert.Error(t, err)
}

func TestTokenStorage_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	storage := NewTokenStorage(db, arbor.NewLogger())
	ctx := context.Background()

	_, err := storage.GetBundle(ctx, "bunjang")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	bundle := &models.TokenBundle{
		Platform: "bunjang",
		Cookies: []models.BundleCookie{
			{Name: "bun_session", Value: "abcdefghij", Domain: ".bunjang.co.kr", HTTPOnly: true},
			{Name: "x", Value: "y"},
		},
		CSRFToken: "csrf-123456",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, storage.SaveBundle(ctx, bundle))

	loaded, err := storage.GetBundle(ctx, "bunjang")
	require.NoError(t, err)
	assert.Len(t, loaded.Cookies, 2)
	assert.True(t, loaded.HasCSRF())
	assert.True(t, loaded.Cookies[0].HTTPOnly)

	all, err := storage.ListBundles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, storage.DeleteBundle(ctx, "bunjang"))
	_, err = storage.GetBundle(ctx, "bunjang")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	assert.NoError(t, storage.DeleteBundle(ctx, "bunjang"), "deleting a missing bundle is not an error")
}

func TestTokenStorage_RequiresPlatform(t *testing.T) {
	storage := NewTokenStorage(openTestDB(t), arbor.NewLogger())
	assert.Error(t, storage.SaveBundle(context.Background(), &models.TokenBundle{}))
}

func TestBlockingStorage_RoundTrip(t *testing.T) {
	storage := NewBlockingStorage(openTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	_, err := storage.LoadState(ctx, "danggeun")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	state := &models.BlockingState{
		Platform:              "danggeun",
		ConsecutiveErrorCount: 3,
		Threshold:             5,
		RetryIDs:              []string{"p1"},
		FinalFailureIDs:       []string{"p2"},
	}
	require.NoError(t, storage.SaveState(ctx, state))

	loaded, err := storage.LoadState(ctx, "danggeun")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.ConsecutiveErrorCount)
	assert.Equal(t, []string{"p1"}, loaded.RetryIDs)
	assert.Equal(t, []string{"p2"}, loaded.FinalFailureIDs)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestResultStorage_ListMostRecentFirst(t *testing.T) {
	storage := NewResultStorage(openTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		platform := "bunjang"
		if i%2 == 1 {
			platform = "junggonara"
		}
		result := models.NewAutomationResult(fmt.Sprintf("att_%d", i), platform, "p1")
		result.StartedAt = base.Add(time.Duration(i) * time.Minute)
		result.Fail(models.ErrorCodeLoginFailure, "login failed")
		require.NoError(t, storage.SaveResult(ctx, result))
	}

	all, err := storage.ListResults(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "att_3", all[0].ID)

	bunjang, err := storage.ListResults(ctx, "bunjang", 1)
	require.NoError(t, err)
	require.Len(t, bunjang, 1)
	assert.Equal(t, "att_2", bunjang[0].ID)

	got, err := storage.GetResult(ctx, "att_1")
	require.NoError(t, err)
	assert.Equal(t, "junggonara", got.Platform)

	_, err = storage.GetResult(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestResultStorage_LatestSuccess(t *testing.T) {
	storage := NewResultStorage(openTestDB(t), arbor.NewLogger())
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	save := func(id, platform, listingID string, offset time.Duration, ok bool) {
		result := models.NewAutomationResult(id, platform, listingID)
		result.StartedAt = base.Add(offset)
		if ok {
			require.True(t, result.Succeed("https://example.com/products/"+id, id))
		} else {
			result.Fail(models.ErrorCodeSubmissionFailure, "rejected")
		}
		require.NoError(t, storage.SaveResult(ctx, result))
	}
	save("att_old", "bunjang", "p1", 0, true)
	save("att_new", "bunjang", "p1", time.Minute, true)
	save("att_fail", "bunjang", "p1", 2*time.Minute, false)
	save("att_other", "junggonara", "p1", 3*time.Minute, true)

	got, err := storage.LatestSuccess(ctx, "bunjang", "p1")
	require.NoError(t, err)
	assert.Equal(t, "att_new", got.ID)
	assert.True(t, got.Success)

	_, err = storage.LatestSuccess(ctx, "bunjang", "p2")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
