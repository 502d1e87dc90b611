package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/app"
	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/browser/browsertest"
)

func newTestServer(t *testing.T) (*Server, *browsertest.Launcher) {
	t.Helper()

	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = t.TempDir()
	config.Locators.Dir = ""
	config.Tokens.SweepSchedule = ""
	config.Automation.Screenshots.Enabled = false
	config.Browser.ProfileRoot = t.TempDir()

	launcher := &browsertest.Launcher{}
	application, err := app.New(config, arbor.NewLogger(), app.WithLauncher(launcher))
	require.NoError(t, err)
	t.Cleanup(func() { _ = application.Close() })

	return New(application), launcher
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	req.Header.Set("X-Request-ID", "req-from-caller")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-from-caller", rec.Header().Get("X-Request-ID"))
}

func TestServer_Platforms(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/platforms", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Supported []string `json:"supported"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"bunjang", "danggeun", "junggonara"}, body.Supported)
}

func TestServer_TokenRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	bundle := models.TokenBundle{
		Platform: "bunjang",
		Cookies:  []models.BundleCookie{{Name: "SESSION", Value: "sess-value-123", Domain: "m.bunjang.co.kr"}},
	}
	rec := do(t, s, http.MethodPost, "/api/tokens", bundle)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/tokens/bunjang", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.TokenStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.HasToken)

	rec = do(t, s, http.MethodPut, "/api/tokens/bunjang", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "DELETE, GET", rec.Header().Get("Allow"))

	rec = do(t, s, http.MethodDelete, "/api/tokens/bunjang", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/tokens/bunjang/extra/segments", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_BlockingRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/blocking", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/blocking/danggeun/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/blocking/complete", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/blocking/ebay", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RegistrationRejectsInvalidListing(t *testing.T) {
	s, launcher := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/register", map[string]interface{}{
		"listing": map[string]interface{}{"name": ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/register/bunjang", map[string]interface{}{
		"listing": map[string]interface{}{"name": ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, launcher.Count(), "nothing is launched for an invalid listing")
}

func TestServer_InterventionRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/interventions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/interventions/int_missing/resolve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/interventions/int_missing/snooze", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MiscRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodOptions, "/api/register", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, s, http.MethodGet, "/api/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/results", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/results/att_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
