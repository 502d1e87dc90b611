package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/httpclient"
	"github.com/ternarybob/marketpost/internal/interfaces"
	"github.com/ternarybob/marketpost/internal/models"
)

var _ interfaces.TokenBackend = (*RemoteBackend)(nil)

// RemoteBackend keeps bundles in an external token-management service:
// GET/DELETE {base}/api/tokens/{platform}, POST {base}/api/tokens, GET {base}/api/tokens
type RemoteBackend struct {
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger
}

// RemoteError is a non-2xx response from the token service
type RemoteError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("token service error: %s (status %d, endpoint: %s)", e.Message, e.StatusCode, e.Endpoint)
}

// NewRemoteBackend creates a backend for the service at baseURL
func NewRemoteBackend(baseURL string, timeout time.Duration, logger arbor.ILogger) *RemoteBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpclient.NewDefaultHTTPClient(timeout),
		logger:     logger,
	}
}

func (r *RemoteBackend) GetBundle(ctx context.Context, platform string) (*models.TokenBundle, error) {
	var bundle models.TokenBundle
	if err := r.do(ctx, http.MethodGet, "/api/tokens/"+url.PathEscape(platform), nil, &bundle); err != nil {
		return nil, err
	}
	if bundle.Platform == "" {
		bundle.Platform = platform
	}
	return &bundle, nil
}

func (r *RemoteBackend) SaveBundle(ctx context.Context, bundle *models.TokenBundle) error {
	return r.do(ctx, http.MethodPost, "/api/tokens", bundle, nil)
}

func (r *RemoteBackend) DeleteBundle(ctx context.Context, platform string) error {
	return r.do(ctx, http.MethodDelete, "/api/tokens/"+url.PathEscape(platform), nil, nil)
}

func (r *RemoteBackend) ListBundles(ctx context.Context) ([]*models.TokenBundle, error) {
	var bundles []*models.TokenBundle
	if err := r.do(ctx, http.MethodGet, "/api/tokens", nil, &bundles); err != nil {
		return nil, err
	}
	return bundles, nil
}

func (r *RemoteBackend) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	r.logger.Debug().Str("method", method).Str("url", r.baseURL+path).Msg("Token service request")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return interfaces.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Endpoint:   path,
		}
	}

	if result == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
