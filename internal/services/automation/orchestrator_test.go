package automation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/apireg"
	"github.com/ternarybob/marketpost/internal/services/blocking"
	"github.com/ternarybob/marketpost/internal/services/browser"
	"github.com/ternarybob/marketpost/internal/services/browser/browsertest"
	"github.com/ternarybob/marketpost/internal/services/tokens"
	"github.com/ternarybob/marketpost/internal/storage/badger"
)

type harness struct {
	orchestrator *Orchestrator
	registry     *locators.Registry
	launcher     *browsertest.Launcher
	store        *tokens.Store
	blocking     *blocking.Controller
	publisher    *recordingPublisher
	site         *site
}

type harnessOptions struct {
	preferAPI bool
	accounts  map[string]common.AccountConfig
	// configure adjusts the registry before the workers are built
	configure func(t *testing.T, r *locators.Registry)
}

func newHarness(t *testing.T, s *site, opts harnessOptions) *harness {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	registry := testRegistry(t)
	if opts.configure != nil {
		opts.configure(t, registry)
	}
	profile, ok := registry.Get(locators.PlatformJunggonara)
	require.True(t, ok)
	s.profile = profile

	// Only junggonara is scripted; bunjang crashes on launch and any other
	// platform gets a blank page
	launcher := &browsertest.Launcher{NewDriver: func(opts browser.LaunchOptions) *browsertest.Driver {
		switch {
		case strings.Contains(opts.ProfileDir, locators.PlatformJunggonara):
			return s.newDriver(opts)
		case strings.Contains(opts.ProfileDir, locators.PlatformBunjang):
			panic("browser crashed during launch")
		default:
			return browsertest.NewDriver()
		}
	}}

	publisher := &recordingPublisher{}
	store := tokens.NewStore(manager.TokenBackend(), time.Hour, logger)
	controller := blocking.NewController(manager.BlockingStateStorage(), nil, models.DefaultBlockingThreshold, publisher, nil, logger)

	rt := testRuntime(t, launcher, publisher)
	rt.Bundles = store

	orchestrator := NewOrchestrator(Dependencies{
		Registry:  registry,
		Runtime:   rt,
		API:       apireg.NewService(store, apireg.WithRateLimit(0), apireg.WithLogger(logger)),
		Tokens:    store,
		Blocking:  controller,
		Results:   manager.ResultStorage(),
		Accounts:  opts.accounts,
		PreferAPI: opts.preferAPI,
	})

	return &harness{
		orchestrator: orchestrator,
		registry:     registry,
		launcher:     launcher,
		store:        store,
		blocking:     controller,
		publisher:    publisher,
		site:         s,
	}
}

// pointBunjangAPI re-registers the bunjang profile with its endpoint on url
func pointBunjangAPI(url string) func(t *testing.T, r *locators.Registry) {
	return func(t *testing.T, r *locators.Registry) {
		profile, ok := r.Get(locators.PlatformBunjang)
		require.True(t, ok)
		updated := *profile
		updated.API.Endpoint = url + "/api/sell"
		require.NoError(t, r.Register(&updated))
	}
}

func saveBunjangBundle(t *testing.T, store *tokens.Store) {
	t.Helper()
	bundle := &models.TokenBundle{
		Platform: locators.PlatformBunjang,
		Cookies: []models.BundleCookie{
			{Name: "SESSION", Value: "sess-value-123", Domain: "127.0.0.1", Path: "/"},
		},
		AuthToken: "auth-token-abcdef",
	}
	bundle.Stamp(time.Now(), time.Hour)
	require.NoError(t, store.Save(context.Background(), bundle))
}

func TestOrchestrator_RegisterAll_OneResultPerPlatform(t *testing.T) {
	h := newHarness(t, &site{publishURL: jgListingURL}, harnessOptions{})
	ctx := context.Background()

	results, err := h.orchestrator.RegisterAll(ctx, testListing(), testCredentials())
	require.NoError(t, err)

	platforms := h.orchestrator.SupportedPlatforms()
	require.Len(t, results, len(platforms))

	byPlatform := make(map[string]*models.AutomationResult)
	for i, result := range results {
		require.NotNil(t, result)
		assert.Equal(t, platforms[i], result.Platform, "results follow platform order")
		assert.True(t, result.IsCompleted())
		byPlatform[result.Platform] = result
	}

	// A crash on one platform does not affect the others
	assert.True(t, byPlatform[locators.PlatformJunggonara].Success, byPlatform[locators.PlatformJunggonara].ErrorMessage)
	assert.False(t, byPlatform[locators.PlatformBunjang].Success)
	assert.Equal(t, models.ErrorCodeInternal, byPlatform[locators.PlatformBunjang].ErrorCode)
	assert.Contains(t, byPlatform[locators.PlatformBunjang].ErrorMessage, "browser crashed")

	history, err := h.orchestrator.History(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, history, len(platforms))

	detector, err := h.blocking.Detector(ctx, locators.PlatformJunggonara)
	require.NoError(t, err)
	assert.True(t, detector.IsCompleted("listing-1"))
	assert.Equal(t, len(platforms), h.publisher.count(models.EventRegistrationCompleted))
}

func TestOrchestrator_RegisterAll_InvalidListing(t *testing.T) {
	h := newHarness(t, &site{}, harnessOptions{})

	listing := testListing()
	listing.Price = 0

	results, err := h.orchestrator.RegisterAll(context.Background(), listing, testCredentials())
	assert.ErrorIs(t, err, ErrInvalidListing)
	assert.Nil(t, results)
	assert.Equal(t, 0, h.launcher.Count())

	_, err = h.orchestrator.RegisterAll(context.Background(), nil, testCredentials())
	assert.ErrorIs(t, err, ErrInvalidListing)
}

func TestOrchestrator_RegisterSingle_UnsupportedPlatform(t *testing.T) {
	h := newHarness(t, &site{}, harnessOptions{})
	ctx := context.Background()

	result, err := h.orchestrator.RegisterSingle(ctx, "ebay", testListing(), testCredentials())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrorCodeUnsupportedPlatform, result.ErrorCode)
	assert.Equal(t, "Unsupported platform: ebay", result.ErrorMessage)
	assert.Equal(t, 0, h.launcher.Count())

	stored, err := h.orchestrator.Result(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, result.ErrorCode, stored.ErrorCode)
}

func TestOrchestrator_RegisterSingle_UsesConfiguredAccount(t *testing.T) {
	h := newHarness(t, &site{publishURL: jgListingURL}, harnessOptions{
		accounts: map[string]common.AccountConfig{
			locators.PlatformJunggonara: {Username: "configured", Password: "from-config"},
		},
	})

	result, err := h.orchestrator.RegisterSingle(context.Background(), locators.PlatformJunggonara, testListing(), nil)
	require.NoError(t, err)

	require.True(t, result.Success, result.ErrorMessage)
	assert.Equal(t, "configured", h.launcher.Last().Value(jgUsername))
	assert.Equal(t, "from-config", h.launcher.Last().Value(jgPassword))
}

func TestOrchestrator_RegisterSingle_BlockingFeedsDetector(t *testing.T) {
	h := newHarness(t, &site{publishURL: jgListingURL, pageText: "Access Denied"}, harnessOptions{})
	ctx := context.Background()

	result, err := h.orchestrator.RegisterSingle(ctx, locators.PlatformJunggonara, testListing(), testCredentials())
	require.NoError(t, err)
	assert.Equal(t, models.ErrorCodeBlockingDetected, result.ErrorCode)

	detector, err := h.blocking.Detector(ctx, locators.PlatformJunggonara)
	require.NoError(t, err)
	assert.Equal(t, 1, detector.Snapshot().ConsecutiveErrorCount)
	assert.Empty(t, result.Metadata["rotation_triggered"])
}

func TestOrchestrator_RegisterSingle_SkipsCompletedListing(t *testing.T) {
	h := newHarness(t, &site{publishURL: jgListingURL}, harnessOptions{})
	ctx := context.Background()

	first, err := h.orchestrator.RegisterSingle(ctx, locators.PlatformJunggonara, testListing(), testCredentials())
	require.NoError(t, err)
	require.True(t, first.Success, first.ErrorMessage)
	launches := h.launcher.Count()

	second, err := h.orchestrator.RegisterSingle(ctx, locators.PlatformJunggonara, testListing(), testCredentials())
	require.NoError(t, err)

	assert.Equal(t, launches, h.launcher.Count(), "a completed listing is not posted again")
	assert.True(t, second.Success)
	assert.Equal(t, first.ProductURL, second.ProductURL)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Equal(t, "completed", second.Metadata["skipped"])
	assert.Equal(t, first.ID, second.Metadata["previous_result_id"])

	// RegisterAll honours the same state
	results, err := h.orchestrator.RegisterAll(ctx, testListing(), testCredentials())
	require.NoError(t, err)
	for _, result := range results {
		if result.Platform == locators.PlatformJunggonara {
			assert.Equal(t, "completed", result.Metadata["skipped"])
		}
	}
	h.site.mu.Lock()
	defer h.site.mu.Unlock()
	assert.Equal(t, 1, h.site.launches, "junggonara opened a browser only for the first registration")
}

func TestOrchestrator_RegisterSingle_CompletedWithoutHistory(t *testing.T) {
	h := newHarness(t, &site{publishURL: jgListingURL}, harnessOptions{})
	ctx := context.Background()

	// State restored from an earlier run whose history is gone
	detector, err := h.blocking.Detector(ctx, locators.PlatformJunggonara)
	require.NoError(t, err)
	require.NoError(t, detector.MarkCompleted(ctx, "listing-1"))

	result, err := h.orchestrator.RegisterSingle(ctx, locators.PlatformJunggonara, testListing(), testCredentials())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrorCodeAlreadyCompleted, result.ErrorCode)
	assert.Equal(t, 0, h.launcher.Count())
}

func TestOrchestrator_RegisterSingle_SkipsFinalFailure(t *testing.T) {
	h := newHarness(t, &site{}, harnessOptions{})
	ctx := context.Background()

	detector, err := h.blocking.Detector(ctx, locators.PlatformJunggonara)
	require.NoError(t, err)
	require.NoError(t, detector.AddErrorID(ctx, "listing-1"))

	// Still queued for retry: dispatched
	_, err = h.orchestrator.RegisterSingle(ctx, locators.PlatformJunggonara, testListing(), testCredentials())
	require.NoError(t, err)
	launches := h.launcher.Count()
	require.Equal(t, 1, launches)
	require.True(t, detector.IsFinalFailure("listing-1"))

	result, err := h.orchestrator.RegisterSingle(ctx, locators.PlatformJunggonara, testListing(), testCredentials())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, models.ErrorCodeFinalFailure, result.ErrorCode)
	assert.Equal(t, "final_failure", result.Metadata["skipped"])
	assert.Equal(t, launches, h.launcher.Count())
}

func TestOrchestrator_RegisterVia_APIWithoutBundle(t *testing.T) {
	h := newHarness(t, &site{}, harnessOptions{preferAPI: true})

	result, err := h.orchestrator.RegisterVia(context.Background(), locators.PlatformBunjang, testListing(), testCredentials(), ModeAPI)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, models.ViaAPI, result.Via)
	assert.Equal(t, models.ErrorCodeTokenExpired, result.ErrorCode)
	assert.Equal(t, 0, h.launcher.Count(), "API mode never opens a browser")
}

func TestOrchestrator_RegisterSingle_PrefersAPIWithValidBundle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sell", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"success","data":{"pid":987654}}`))
	}))
	defer server.Close()

	h := newHarness(t, &site{}, harnessOptions{preferAPI: true, configure: pointBunjangAPI(server.URL)})
	saveBunjangBundle(t, h.store)

	result, err := h.orchestrator.RegisterSingle(context.Background(), locators.PlatformBunjang, testListing(), testCredentials())
	require.NoError(t, err)

	require.True(t, result.Success, result.ErrorMessage)
	assert.Equal(t, models.ViaAPI, result.Via)
	assert.Equal(t, "https://bunjang.co.kr/products/987654", result.ProductURL)
	assert.Equal(t, "987654", result.ExternalID)
	assert.Equal(t, 0, h.launcher.Count())
}

func TestOrchestrator_RegisterSingle_FallsBackWhenBundleRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"login required"}`))
	}))
	defer server.Close()

	h := newHarness(t, &site{}, harnessOptions{preferAPI: true, configure: pointBunjangAPI(server.URL)})
	saveBunjangBundle(t, h.store)
	ctx := context.Background()

	result, err := h.orchestrator.RegisterSingle(ctx, locators.PlatformBunjang, testListing(), testCredentials())
	require.NoError(t, err)

	// The browser path ran (and crashed in the fake launcher)
	assert.Equal(t, models.ViaBrowser, result.Via)
	assert.Equal(t, string(models.ErrorCodeTokenExpired), result.Metadata["api_fallback"])
	assert.Equal(t, models.ErrorCodeInternal, result.ErrorCode)

	_, ok := h.store.Valid(ctx, locators.PlatformBunjang)
	assert.False(t, ok, "rejected bundle is discarded")
}

func TestOrchestrator_RefreshTokens_UnsupportedPlatform(t *testing.T) {
	h := newHarness(t, &site{}, harnessOptions{})

	status, err := h.orchestrator.RefreshTokens(context.Background(), "ebay", testCredentials())
	assert.Nil(t, status)
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestOrchestrator_PlatformStatus(t *testing.T) {
	h := newHarness(t, &site{}, harnessOptions{})
	ctx := context.Background()
	saveBunjangBundle(t, h.store)

	statuses := h.orchestrator.PlatformStatus(ctx)
	require.Len(t, statuses, len(h.orchestrator.SupportedPlatforms()))

	for _, status := range statuses {
		assert.Equal(t, status.Platform, status.Token.Platform)
		require.NotNil(t, status.Blocking)
		assert.Equal(t, models.DefaultBlockingThreshold, status.Blocking.Threshold)

		if status.Platform == locators.PlatformBunjang {
			assert.True(t, status.APIEnabled)
			assert.True(t, status.Token.HasToken)
			assert.False(t, status.Token.IsExpired)
		}
	}
}

func TestOrchestrator_Raw_APIDisabled(t *testing.T) {
	h := newHarness(t, &site{}, harnessOptions{})

	_, _, err := h.orchestrator.Raw(context.Background(), locators.PlatformJunggonara, http.MethodGet, "/api/me", nil)
	assert.ErrorIs(t, err, apireg.ErrAPIDisabled)

	_, _, err = h.orchestrator.Raw(context.Background(), "ebay", http.MethodGet, "/api/me", nil)
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeAuto, false},
		{"auto", ModeAuto, false},
		{" Browser ", ModeBrowser, false},
		{"API", ModeAPI, false},
		{"carrier-pigeon", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
