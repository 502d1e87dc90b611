package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/apireg"
	"github.com/ternarybob/marketpost/internal/services/automation"
)

// fakeRegistrar records calls and returns canned outcomes
type fakeRegistrar struct {
	platforms []string
	mode      automation.Mode
	creds     *models.Credentials
	rawErr    error
	results   map[string]*models.AutomationResult
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		platforms: []string{"bunjang", "danggeun", "junggonara"},
		results:   make(map[string]*models.AutomationResult),
	}
}

func (f *fakeRegistrar) validate(listing *models.ProductListing) error {
	if listing == nil {
		return fmt.Errorf("%w: listing is required", automation.ErrInvalidListing)
	}
	if err := listing.Validate(); err != nil {
		return fmt.Errorf("%w: %v", automation.ErrInvalidListing, err)
	}
	return nil
}

func (f *fakeRegistrar) result(platform string, listing *models.ProductListing) *models.AutomationResult {
	r := models.NewAutomationResult("att_"+platform, platform, listing.ID)
	r.Succeed("https://example.com/products/1", "1")
	f.results[r.ID] = r
	return r
}

func (f *fakeRegistrar) RegisterAll(ctx context.Context, listing *models.ProductListing, creds *models.Credentials) ([]*models.AutomationResult, error) {
	if err := f.validate(listing); err != nil {
		return nil, err
	}
	out := make([]*models.AutomationResult, 0, len(f.platforms))
	for _, p := range f.platforms {
		out = append(out, f.result(p, listing))
	}
	return out, nil
}

func (f *fakeRegistrar) RegisterVia(ctx context.Context, platform string, listing *models.ProductListing, creds *models.Credentials, mode automation.Mode) (*models.AutomationResult, error) {
	if err := f.validate(listing); err != nil {
		return nil, err
	}
	f.mode = mode
	f.creds = creds
	return f.result(platform, listing), nil
}

func (f *fakeRegistrar) RefreshTokens(ctx context.Context, platform string, creds *models.Credentials) (*models.TokenStatus, error) {
	f.creds = creds
	if platform == "ebay" {
		return nil, fmt.Errorf("%w: %s", automation.ErrUnsupportedPlatform, platform)
	}
	if platform == "danggeun" {
		return nil, &automation.StepError{Step: models.StateAuthenticating, Code: models.ErrorCodeLoginFailure, Err: errors.New("login failed")}
	}
	return &models.TokenStatus{Platform: platform, HasToken: true}, nil
}

func (f *fakeRegistrar) Raw(ctx context.Context, platform, method, path string, body json.RawMessage) (json.RawMessage, int, error) {
	if f.rawErr != nil {
		return nil, 0, f.rawErr
	}
	return json.RawMessage(`{"method":"` + method + `","path":"` + path + `"}`), http.StatusOK, nil
}

func (f *fakeRegistrar) History(ctx context.Context, platform string, limit int) ([]*models.AutomationResult, error) {
	out := []*models.AutomationResult{}
	for _, r := range f.results {
		if platform == "" || r.Platform == platform {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRegistrar) Result(ctx context.Context, id string) (*models.AutomationResult, error) {
	r, ok := f.results[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return r, nil
}

func (f *fakeRegistrar) PlatformStatus(ctx context.Context) []automation.PlatformStatus {
	out := make([]automation.PlatformStatus, 0, len(f.platforms))
	for _, p := range f.platforms {
		out = append(out, automation.PlatformStatus{Platform: p, Token: models.TokenStatus{Platform: p}})
	}
	return out
}

func (f *fakeRegistrar) SupportedPlatforms() []string {
	return f.platforms
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func validRequest() RegisterRequest {
	return RegisterRequest{
		Listing: &models.ProductListing{
			ID:          "listing-1",
			Name:        "Vintage camera",
			Description: "Film camera",
			Price:       150000,
		},
		Credentials: &models.Credentials{Username: "seller", Password: "pw"},
	}
}

func TestAutomationHandler_RegisterAll(t *testing.T) {
	registrar := newFakeRegistrar()
	h := NewAutomationHandler(registrar, automation.NewInterventions(nil, testLogger()), testLogger())

	rec := httptest.NewRecorder()
	h.RegisterAllHandler(rec, httptest.NewRequest(http.MethodPost, "/api/register", jsonBody(t, validRequest())))

	require.Equal(t, http.StatusOK, rec.Code)
	var results []*models.AutomationResult
	decodeBody(t, rec, &results)
	assert.Len(t, results, 3)
}

func TestAutomationHandler_RegisterAll_InvalidListing(t *testing.T) {
	h := NewAutomationHandler(newFakeRegistrar(), automation.NewInterventions(nil, testLogger()), testLogger())

	req := validRequest()
	req.Listing.Price = 0

	rec := httptest.NewRecorder()
	h.RegisterAllHandler(rec, httptest.NewRequest(http.MethodPost, "/api/register", jsonBody(t, req)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.RegisterAllHandler(rec, httptest.NewRequest(http.MethodPost, "/api/register", bytes.NewReader([]byte("{not json"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.RegisterAllHandler(rec, httptest.NewRequest(http.MethodGet, "/api/register", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAutomationHandler_RegisterPlatform_Mode(t *testing.T) {
	registrar := newFakeRegistrar()
	h := NewAutomationHandler(registrar, automation.NewInterventions(nil, testLogger()), testLogger())

	req := validRequest()
	req.Mode = "browser"

	rec := httptest.NewRecorder()
	h.RegisterPlatformHandler(rec, httptest.NewRequest(http.MethodPost, "/api/register/bunjang", jsonBody(t, req)), "bunjang")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, automation.ModeBrowser, registrar.mode)
	assert.Equal(t, "seller", registrar.creds.Username)

	var result models.AutomationResult
	decodeBody(t, rec, &result)
	assert.Equal(t, "bunjang", result.Platform)

	req.Mode = "teleport"
	rec = httptest.NewRecorder()
	h.RegisterPlatformHandler(rec, httptest.NewRequest(http.MethodPost, "/api/register/bunjang", jsonBody(t, req)), "bunjang")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutomationHandler_Direct(t *testing.T) {
	registrar := newFakeRegistrar()
	h := NewAutomationHandler(registrar, automation.NewInterventions(nil, testLogger()), testLogger())

	rec := httptest.NewRecorder()
	h.DirectHandler(rec, httptest.NewRequest(http.MethodPost, "/api/direct/bunjang", jsonBody(t, validRequest())), "bunjang")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, automation.ModeAPI, registrar.mode)
}

func TestAutomationHandler_Raw(t *testing.T) {
	registrar := newFakeRegistrar()
	h := NewAutomationHandler(registrar, automation.NewInterventions(nil, testLogger()), testLogger())

	rec := httptest.NewRecorder()
	h.RawHandler(rec, httptest.NewRequest(http.MethodPost, "/api/direct/bunjang/raw", jsonBody(t, RawRequest{Method: "get", Path: "/api/me"})), "bunjang")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	}
	decodeBody(t, rec, &out)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.JSONEq(t, `{"method":"GET","path":"/api/me"}`, string(out.Body))

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported", fmt.Errorf("%w: ebay", automation.ErrUnsupportedPlatform), http.StatusNotFound},
		{"disabled", fmt.Errorf("%w: danggeun", apireg.ErrAPIDisabled), http.StatusBadRequest},
		{"no bundle", apireg.ErrNoValidBundle, http.StatusConflict},
		{"api error", &apireg.APIError{StatusCode: 429, Code: models.ErrorCodeBlockingDetected, Message: "slow down"}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registrar.rawErr = tt.err
			rec := httptest.NewRecorder()
			h.RawHandler(rec, httptest.NewRequest(http.MethodPost, "/api/direct/x/raw", jsonBody(t, RawRequest{Path: "/api/me"})), "x")
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	registrar.rawErr = nil
	rec = httptest.NewRecorder()
	h.RawHandler(rec, httptest.NewRequest(http.MethodPost, "/api/direct/bunjang/raw", jsonBody(t, RawRequest{})), "bunjang")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAutomationHandler_Results(t *testing.T) {
	registrar := newFakeRegistrar()
	h := NewAutomationHandler(registrar, automation.NewInterventions(nil, testLogger()), testLogger())

	_, err := registrar.RegisterAll(context.Background(), validRequest().Listing, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ResultsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/results?platform=bunjang&limit=10", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var results []*models.AutomationResult
	decodeBody(t, rec, &results)
	require.Len(t, results, 1)
	assert.Equal(t, "bunjang", results[0].Platform)

	rec = httptest.NewRecorder()
	h.ResultHandler(rec, httptest.NewRequest(http.MethodGet, "/api/results/att_bunjang", nil), "att_bunjang")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ResultHandler(rec, httptest.NewRequest(http.MethodGet, "/api/results/missing", nil), "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAutomationHandler_Interventions(t *testing.T) {
	interventions := automation.NewInterventions(nil, testLogger())
	h := NewAutomationHandler(newFakeRegistrar(), interventions, testLogger())

	done := make(chan automation.Outcome, 1)
	go func() {
		outcome, _ := interventions.Wait(context.Background(), automation.WaitRequest{
			Platform: "danggeun",
			Kind:     automation.KindSMSCode,
			Message:  "enter the code",
			Duration: 5 * time.Second,
			Poll:     5 * time.Millisecond,
		}, nil)
		done <- outcome
	}()

	var pending []models.Intervention
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ListInterventionsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/interventions", nil))
		pending = nil
		decodeBody(t, rec, &pending)
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	h.ResolveInterventionHandler(rec, httptest.NewRequest(http.MethodPost, "/api/interventions/x/resolve", nil), pending[0].ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, automation.OutcomeResolved, <-done)

	rec = httptest.NewRecorder()
	h.CancelInterventionHandler(rec, httptest.NewRequest(http.MethodPost, "/api/interventions/x/cancel", nil), pending[0].ID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusHandler(t *testing.T) {
	h := NewStatusHandler(newFakeRegistrar(), testLogger())

	rec := httptest.NewRecorder()
	h.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decodeBody(t, rec, &health)
	assert.Equal(t, "ok", health["status"])

	rec = httptest.NewRecorder()
	h.VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var version map[string]string
	decodeBody(t, rec, &version)
	assert.NotEmpty(t, version["version"])

	rec = httptest.NewRecorder()
	h.PlatformsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/platforms", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var platforms struct {
		Supported []string                    `json:"supported"`
		Platforms []automation.PlatformStatus `json:"platforms"`
	}
	decodeBody(t, rec, &platforms)
	assert.Equal(t, []string{"bunjang", "danggeun", "junggonara"}, platforms.Supported)
	assert.Len(t, platforms.Platforms, 3)
}

func TestPathSegments(t *testing.T) {
	assert.Equal(t, []string{"bunjang", "refresh"}, PathSegments("/api/tokens/bunjang/refresh", "/api/tokens/"))
	assert.Equal(t, []string{"bunjang"}, PathSegments("/api/tokens/bunjang/", "/api/tokens/"))
	assert.Nil(t, PathSegments("/api/tokens/", "/api/tokens/"))
}
