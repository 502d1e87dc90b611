package browser_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/browser"
	"github.com/ternarybob/marketpost/internal/services/browser/browsertest"
)

func testProfile(t *testing.T) *locators.Profile {
	t.Helper()
	registry, err := locators.NewRegistry(arbor.NewLogger())
	require.NoError(t, err)
	profile, ok := registry.Get("bunjang")
	require.True(t, ok)
	return profile
}

func testManager(t *testing.T, launcher browser.Launcher) *browser.Manager {
	t.Helper()
	cfg := common.NewDefaultConfig().Browser
	cfg.ProfileRoot = t.TempDir()
	cfg.NavigationDelay = "0s"
	cfg.RandomDelay = "0s"
	cfg.RecoverDelay = "0s"
	return browser.NewManager(&cfg, launcher, nil, arbor.NewLogger())
}

func TestCreateSession_LaunchesWithAntiDetection(t *testing.T) {
	launcher := &browsertest.Launcher{}
	manager := testManager(t, launcher)
	profile := testProfile(t)

	session, err := manager.CreateSession(context.Background(), profile)
	require.NoError(t, err)
	defer manager.Release(session)

	require.Equal(t, 1, launcher.Count())
	opts := launcher.Options[0]
	assert.Contains(t, opts.StealthJS, "navigator, 'webdriver'")
	assert.Contains(t, opts.StealthJS, "'ko-KR'")
	assert.NotEmpty(t, opts.UserAgent)
	assert.Equal(t, session.UserAgent, opts.UserAgent)
	assert.DirExists(t, opts.ProfileDir)

	driver := launcher.Last()
	assert.Equal(t, []string{profile.EntryURL()}, driver.Navigations)
	assert.Equal(t, models.SessionValid, session.Health())
	assert.Len(t, manager.ActiveSessions(), 1)
}

func TestCreateSession_LaunchFailure(t *testing.T) {
	launcher := &browsertest.Launcher{Err: errors.New("chrome not found")}
	manager := testManager(t, launcher)

	_, err := manager.CreateSession(context.Background(), testProfile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
	assert.Empty(t, manager.ActiveSessions())
}

func TestIsSessionValid(t *testing.T) {
	launcher := &browsertest.Launcher{}
	manager := testManager(t, launcher)

	session, err := manager.CreateSession(context.Background(), testProfile(t))
	require.NoError(t, err)
	defer manager.Release(session)

	assert.True(t, manager.IsSessionValid(context.Background(), session))

	launcher.Last().Handles = nil
	assert.False(t, manager.IsSessionValid(context.Background(), session))
	assert.Equal(t, models.SessionDead, session.Health())

	launcher.Last().Handles = []string{"main"}
	launcher.Last().Kill()
	assert.False(t, manager.IsSessionValid(context.Background(), session))
	assert.Equal(t, models.SessionDead, session.Health())
}

func TestIsSessionValid_StaleSessionStaysValid(t *testing.T) {
	launcher := &browsertest.Launcher{}
	cfg := common.NewDefaultConfig().Browser
	cfg.ProfileRoot = t.TempDir()
	cfg.NavigationDelay = "0s"
	cfg.RandomDelay = "0s"
	cfg.MaxSessionAge = "1ns"
	manager := browser.NewManager(&cfg, launcher, nil, arbor.NewLogger())

	session, err := manager.CreateSession(context.Background(), testProfile(t))
	require.NoError(t, err)
	defer manager.Release(session)

	assert.True(t, manager.IsSessionValid(context.Background(), session))
	assert.Equal(t, models.SessionStale, session.Health())
}

func TestRecoverSession_ReinjectsCookiesAndReopensPage(t *testing.T) {
	launcher := &browsertest.Launcher{}
	manager := testManager(t, launcher)
	profile := testProfile(t)
	ctx := context.Background()

	session, err := manager.CreateSession(ctx, profile)
	require.NoError(t, err)
	defer manager.Release(session)

	first := launcher.Last()
	firstProfileDir := launcher.Options[0].ProfileDir
	first.Jar = []models.BundleCookie{{Name: "x-bun-auth-token", Value: "abc.def.ghi", Domain: ".bunjang.co.kr"}}
	require.NoError(t, session.Navigate(ctx, profile.RegisterURL))
	require.NoError(t, session.Checkpoint(ctx))

	first.Kill()
	require.False(t, manager.IsSessionValid(ctx, session))

	require.NoError(t, manager.RecoverSession(ctx, session))
	require.Equal(t, 2, launcher.Count())

	second := launcher.Last()
	assert.True(t, first.IsClosed())
	assert.NoDirExists(t, firstProfileDir)
	assert.NotEqual(t, firstProfileDir, launcher.Options[1].ProfileDir)
	require.Len(t, second.Injected, 1)
	assert.Equal(t, "x-bun-auth-token", second.Injected[0][0].Name)
	assert.Equal(t, profile.RegisterURL, second.URL)
	assert.Equal(t, models.SessionValid, session.Health())
	assert.Same(t, second, session.Driver())
}

func TestRelease_ClosesAndRemovesProfile(t *testing.T) {
	launcher := &browsertest.Launcher{}
	manager := testManager(t, launcher)

	session, err := manager.CreateSession(context.Background(), testProfile(t))
	require.NoError(t, err)
	dir := launcher.Options[0].ProfileDir

	manager.Release(session)
	manager.Release(session)

	assert.True(t, launcher.Last().IsClosed())
	assert.True(t, session.IsClosed())
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, manager.ActiveSessions())
}

func TestShutdown_ReleasesAll(t *testing.T) {
	launcher := &browsertest.Launcher{}
	manager := testManager(t, launcher)
	profile := testProfile(t)

	for i := 0; i < 3; i++ {
		_, err := manager.CreateSession(context.Background(), profile)
		require.NoError(t, err)
	}
	require.Len(t, manager.ActiveSessions(), 3)

	manager.Shutdown()
	assert.Empty(t, manager.ActiveSessions())
	for _, d := range launcher.Launched {
		assert.True(t, d.IsClosed())
	}
}
