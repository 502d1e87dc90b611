// Package apireg registers listings through a marketplace's private API
// using a token bundle captured from an earlier browser login.
package apireg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/marketpost/internal/common"
	"github.com/ternarybob/marketpost/internal/httpclient"
	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/metrics"
	"github.com/ternarybob/marketpost/internal/models"
)

const (
	// DefaultTimeout bounds each private API request
	DefaultTimeout = 10 * time.Second

	// DefaultRateLimit is requests per second across all platforms
	DefaultRateLimit = 1

	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"
	defaultAcceptLanguage = "ko-KR,ko;q=0.9,en;q=0.8"
)

var (
	// ErrNoValidBundle means login and token capture must run before the API path
	ErrNoValidBundle = errors.New("no valid token bundle; login and capture required")

	// ErrAPIDisabled means the platform has no private API profile
	ErrAPIDisabled = errors.New("direct API registration is not enabled for platform")

	// ErrForeignHost means a raw request targeted a host outside the platform
	ErrForeignHost = errors.New("request host is not a platform host")
)

// APIError is a non-2xx response from a marketplace API
type APIError struct {
	StatusCode int
	Code       models.ErrorCode
	Message    string
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace API error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// CodeOf classifies an error returned by this package
func CodeOf(err error) models.ErrorCode {
	var apiErr *APIError
	switch {
	case err == nil:
		return models.ErrorCodeNone
	case errors.Is(err, ErrNoValidBundle):
		return models.ErrorCodeTokenExpired
	case errors.As(err, &apiErr):
		return apiErr.Code
	default:
		return models.ErrorCodeSubmissionFailure
	}
}

// BundleSource supplies and invalidates token bundles
type BundleSource interface {
	Valid(ctx context.Context, platform string) (*models.TokenBundle, bool)
	Delete(ctx context.Context, platform string) error
}

// Registration is a successful API registration
type Registration struct {
	ProductID  string                 `json:"productId"`
	ProductURL string                 `json:"productUrl"`
	StatusCode int                    `json:"statusCode"`
	Response   map[string]interface{} `json:"response,omitempty"`
}

// Service calls private listing endpoints
type Service struct {
	bundles        BundleSource
	httpClient     *http.Client
	limiter        *rate.Limiter
	timeout        time.Duration
	userAgent      string
	acceptLanguage string
	metrics        *metrics.Metrics
	logger         arbor.ILogger
}

// Option configures the Service
type Option func(*Service)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *Service) {
		s.httpClient = httpClient
	}
}

// WithRateLimit sets requests per second
func WithRateLimit(requestsPerSecond float64) Option {
	return func(s *Service) {
		if requestsPerSecond <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
}

// WithTimeout bounds each request
func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithUserAgent sets the User-Agent sent to marketplaces
func WithUserAgent(userAgent string) Option {
	return func(s *Service) {
		if userAgent != "" {
			s.userAgent = userAgent
		}
	}
}

// WithMetrics records API responses
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets a logger
func WithLogger(logger arbor.ILogger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a private API client
func NewService(bundles BundleSource, opts ...Option) *Service {
	s := &Service{
		bundles:        bundles,
		httpClient:     httpclient.NewDefaultHTTPClient(DefaultTimeout),
		limiter:        rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		timeout:        DefaultTimeout,
		userAgent:      defaultUserAgent,
		acceptLanguage: defaultAcceptLanguage,
		logger:         arbor.NewLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HasValidBundle reports whether the API path can be used for platform now
func (s *Service) HasValidBundle(ctx context.Context, platform string) bool {
	_, ok := s.bundles.Valid(ctx, platform)
	return ok
}

// Register posts listing to the platform's private endpoint
func (s *Service) Register(ctx context.Context, profile *locators.Profile, listing *models.ProductListing) (*Registration, error) {
	if !profile.API.Enabled || profile.API.Endpoint == "" {
		return nil, fmt.Errorf("%w: %s", ErrAPIDisabled, profile.Platform)
	}

	bundle, ok := s.bundles.Valid(ctx, profile.Platform)
	if !ok {
		return nil, ErrNoValidBundle
	}

	body, err := json.Marshal(BuildPayload(profile, listing))
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	status, respBody, err := s.send(ctx, profile, bundle, s.httpClient, http.MethodPost, profile.API.Endpoint, body, true)
	if err != nil {
		return nil, err
	}

	var decoded map[string]interface{}
	decoder := json.NewDecoder(bytes.NewReader(respBody))
	decoder.UseNumber()
	if err := decoder.Decode(&decoded); err != nil {
		return nil, &APIError{
			StatusCode: status,
			Code:       models.ErrorCodeSubmissionFailure,
			Message:    "invalid JSON response",
			Endpoint:   profile.API.Endpoint,
		}
	}

	productID := ProductID(decoded)
	if productID == "" {
		return nil, &APIError{
			StatusCode: status,
			Code:       models.ErrorCodeSubmissionFailure,
			Message:    "response did not contain a product id",
			Endpoint:   profile.API.Endpoint,
		}
	}

	reg := &Registration{
		ProductID:  productID,
		StatusCode: status,
		Response:   decoded,
	}
	if profile.API.ProductURLFormat != "" {
		reg.ProductURL = fmt.Sprintf(profile.API.ProductURLFormat, productID)
	}

	s.logger.Info().
		Str("platform", profile.Platform).
		Str("listing_id", listing.ID).
		Str("product_id", productID).
		Msg("Listing registered through private API")
	return reg, nil
}

// Raw sends body to path on the platform's API host with the stored bundle
// and returns the response unchanged
func (s *Service) Raw(ctx context.Context, profile *locators.Profile, method, path string, body json.RawMessage) (json.RawMessage, int, error) {
	bundle, ok := s.bundles.Valid(ctx, profile.Platform)
	if !ok {
		return nil, 0, ErrNoValidBundle
	}

	target, err := s.resolve(profile, path)
	if err != nil {
		return nil, 0, err
	}

	client, err := httpclient.NewHTTPClientWithBundle(bundle, target, s.timeout)
	if err != nil {
		return nil, 0, err
	}
	client.Transport = s.httpClient.Transport

	status, respBody, err := s.send(ctx, profile, bundle, client, method, target, body, false)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return respBody, apiErr.StatusCode, err
		}
		return nil, 0, err
	}
	return respBody, status, nil
}

// send performs the request. When cookieHeader is set the bundle cookies go
// out as a single Cookie header; otherwise client's jar supplies them.
func (s *Service) send(ctx context.Context, profile *locators.Profile, bundle *models.TokenBundle, client *http.Client, method, target string, body []byte, cookieHeader bool) (int, []byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	s.setHeaders(req, profile, bundle, cookieHeader)

	s.logger.Debug().
		Str("platform", profile.Platform).
		Str("method", method).
		Str("url", target).
		Str("headers", formatHeaders(MaskHeaders(req.Header, profile.API.AuthHeader))).
		Msg("Private API request")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}

	s.metrics.APIRequest(profile.Platform, resp.StatusCode)
	s.logger.Debug().
		Str("platform", profile.Platform).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Private API response")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, respBody, nil
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Code:       models.ErrorCodeSubmissionFailure,
		Message:    truncate(strings.TrimSpace(string(respBody)), 300),
		Endpoint:   target,
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		apiErr.Code = models.ErrorCodeTokenExpired
		if err := s.bundles.Delete(ctx, profile.Platform); err != nil {
			s.logger.Warn().Err(err).Str("platform", profile.Platform).Msg("Failed to delete rejected token bundle")
		}
		s.logger.Warn().Str("platform", profile.Platform).Msg("Token bundle rejected; login and capture required")
	case http.StatusForbidden, http.StatusTooManyRequests:
		apiErr.Code = models.ErrorCodeBlockingDetected
	}

	return resp.StatusCode, respBody, apiErr
}

func (s *Service) setHeaders(req *http.Request, profile *locators.Profile, bundle *models.TokenBundle, cookieHeader bool) {
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept-Language", s.acceptLanguage)
	if profile.API.Origin != "" {
		req.Header.Set("Origin", profile.API.Origin)
	}
	if profile.API.Referer != "" {
		req.Header.Set("Referer", profile.API.Referer)
	}
	if cookieHeader {
		if header := bundle.CookieHeader(); header != "" {
			req.Header.Set("Cookie", header)
		}
	}
	if bundle.HasCSRF() {
		req.Header.Set("X-CSRF-Token", bundle.CSRFToken)
	}
	if profile.API.AuthHeader != "" && bundle.AuthToken != "" {
		req.Header.Set(profile.API.AuthHeader, bundle.AuthToken)
	}
}

// resolve makes path absolute against the platform API host. Absolute URLs
// must stay on the API or home host; the bundle's headers go with the request.
func (s *Service) resolve(profile *locators.Profile, path string) (string, error) {
	base := profile.API.Endpoint
	if base == "" {
		base = profile.HomeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid API base %q: %w", base, err)
	}

	var target *url.URL
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		target, err = url.Parse(path)
	} else {
		var ref *url.URL
		ref, err = url.Parse("/" + strings.TrimLeft(path, "/"))
		if err == nil {
			target = u.ResolveReference(ref)
		}
	}
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}

	if !platformHost(profile, target.Host) {
		return "", fmt.Errorf("%w: %s", ErrForeignHost, target.Host)
	}
	return target.String(), nil
}

// platformHost reports whether host is the API endpoint or home host of profile
func platformHost(profile *locators.Profile, host string) bool {
	if host == "" {
		return false
	}
	for _, raw := range []string{profile.API.Endpoint, profile.HomeURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err == nil && strings.EqualFold(u.Host, host) {
			return true
		}
	}
	return false
}

// ProductID finds the created product id in a response: id, productId,
// data.pid or data.productId
func ProductID(resp map[string]interface{}) string {
	for _, key := range []string{"id", "productId", "pid"} {
		if v := stringValue(resp[key]); v != "" {
			return v
		}
	}
	if data, ok := resp["data"].(map[string]interface{}); ok {
		for _, key := range []string{"pid", "productId", "id"} {
			if v := stringValue(data[key]); v != "" {
				return v
			}
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// MaskHeaders returns the headers with credential values masked
func MaskHeaders(h http.Header, authHeader string) map[string]string {
	sensitive := map[string]bool{
		"cookie":       true,
		"x-csrf-token": true,
	}
	if authHeader != "" {
		sensitive[strings.ToLower(authHeader)] = true
	}

	out := make(map[string]string, len(h))
	for name, values := range h {
		value := strings.Join(values, ", ")
		if sensitive[strings.ToLower(name)] {
			value = common.MaskSecret(value)
		}
		out[name] = value
	}
	return out
}

func formatHeaders(h map[string]string) string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
