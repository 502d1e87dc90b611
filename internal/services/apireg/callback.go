package apireg

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/httpclient"
)

// Callback tells the inventory backend where a product was listed
type Callback struct {
	ProductID         string `json:"productId"`
	Channel           string `json:"channel"`
	PlatformProductID string `json:"platformProductId"`
	PlatformURL       string `json:"platformUrl"`
}

// Sign returns the hex HMAC-SHA256 of productId|channel|platformProductId|platformUrl
func Sign(secret string, c Callback) string {
	canonical := strings.Join([]string{c.ProductID, c.Channel, c.PlatformProductID, c.PlatformURL}, "|")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Notifier posts registration callbacks. A nil *Notifier does nothing.
type Notifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     arbor.ILogger
}

// NewNotifier returns nil when url is empty
func NewNotifier(url, secret string, timeout time.Duration, logger arbor.ILogger) *Notifier {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		url:        url,
		secret:     secret,
		httpClient: httpclient.NewDefaultHTTPClient(timeout),
		logger:     logger,
	}
}

// Notify posts c, signed with X-Signature when a secret is configured
func (n *Notifier) Notify(ctx context.Context, c Callback) error {
	if n == nil {
		return nil
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode callback: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-Signature", Sign(n.secret, c))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callback failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}

	n.logger.Debug().
		Str("product_id", c.ProductID).
		Str("channel", c.Channel).
		Str("platform_product_id", c.PlatformProductID).
		Msg("Registration callback delivered")
	return nil
}
