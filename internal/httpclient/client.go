package httpclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/marketpost/internal/models"
)

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// NewHTTPClientWithBundle creates an HTTP client whose cookie jar is seeded
// from a captured token bundle. Cookies without a domain are set on baseURL.
func NewHTTPClientWithBundle(bundle *models.TokenBundle, baseURL string, timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	client := &http.Client{
		Jar:     jar,
		Timeout: timeout,
	}

	if bundle == nil {
		return client, nil
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	// Group cookies by domain so the jar accepts them against a matching URL
	cookiesByDomain := make(map[string][]*http.Cookie)
	for i := range bundle.Cookies {
		c := bundle.Cookies[i].ToHTTPCookie()

		// Expired or zero timestamps become session cookies
		if !c.Expires.IsZero() && c.Expires.Before(time.Now()) {
			c.Expires = time.Time{}
		}

		domain := strings.TrimPrefix(c.Domain, ".")
		if domain == "" {
			domain = base.Host
		}
		cookiesByDomain[domain] = append(cookiesByDomain[domain], c)
	}

	for domain, domainCookies := range cookiesByDomain {
		domainURL, err := url.Parse(fmt.Sprintf("https://%s/", domain))
		if err != nil {
			continue
		}
		client.Jar.SetCookies(domainURL, domainCookies)
	}

	return client, nil
}
