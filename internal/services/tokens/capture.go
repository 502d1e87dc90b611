// Package tokens captures credential bundles from authenticated browser
// sessions and keeps them in a layered cache over a durable backend.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketpost/internal/locators"
	"github.com/ternarybob/marketpost/internal/metrics"
	"github.com/ternarybob/marketpost/internal/models"
	"github.com/ternarybob/marketpost/internal/services/browser"
)

// ErrCaptureFailed is returned when no strategy produced a bundle
var ErrCaptureFailed = errors.New("token capture failed")

// Page is the part of a browser session token capture needs.
// *browser.Session satisfies it.
type Page interface {
	Driver() browser.Driver
	Navigate(ctx context.Context, url string) error
}

// Strategy is one way of extracting a bundle from an authenticated page.
// A nil bundle with a nil error means the strategy found nothing.
type Strategy interface {
	Name() string
	Capture(ctx context.Context, page Page, profile *locators.Profile) (*models.TokenBundle, error)
}

// CaptureService runs an ordered strategy chain; the first success wins
type CaptureService struct {
	strategies []Strategy
	lifetime   time.Duration
	metrics    *metrics.Metrics
	logger     arbor.ILogger
}

// NewCaptureService creates the default chain: cookie jar, storage scan, document.cookie
func NewCaptureService(settleDelay, lifetime time.Duration, m *metrics.Metrics, logger arbor.ILogger) *CaptureService {
	return NewCaptureServiceWith(lifetime, m, logger,
		&CookieJarStrategy{SettleDelay: settleDelay},
		&StorageScanStrategy{},
		&DocumentCookieStrategy{},
	)
}

// NewCaptureServiceWith creates a service with a custom strategy chain
func NewCaptureServiceWith(lifetime time.Duration, m *metrics.Metrics, logger arbor.ILogger, strategies ...Strategy) *CaptureService {
	if lifetime <= 0 {
		lifetime = models.DefaultTokenLifetime
	}
	return &CaptureService{
		strategies: strategies,
		lifetime:   lifetime,
		metrics:    m,
		logger:     logger,
	}
}

// Capture extracts a bundle from an authenticated page
func (s *CaptureService) Capture(ctx context.Context, page Page, profile *locators.Profile) (*models.TokenBundle, error) {
	for _, strategy := range s.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		bundle, err := strategy.Capture(ctx, page, profile)
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("platform", profile.Platform).
				Str("strategy", strategy.Name()).
				Msg("Token capture strategy failed")
			s.metrics.TokenCapture(profile.Platform, strategy.Name(), false)
			continue
		}
		if bundle == nil {
			s.metrics.TokenCapture(profile.Platform, strategy.Name(), false)
			continue
		}

		bundle.Platform = profile.Platform
		bundle.Source = strategy.Name()
		if bundle.CSRFToken == "" {
			bundle.CSRFToken = ExtractCSRF(ctx, page.Driver())
		}
		if bundle.AuthToken == "" && profile.API.AuthCookie != "" {
			if v, ok := bundle.Cookie(profile.API.AuthCookie); ok && isPlausibleCookieValue(v) {
				bundle.AuthToken = v
			}
		}
		bundle.Stamp(time.Now(), s.lifetime)

		s.metrics.TokenCapture(profile.Platform, strategy.Name(), true)
		s.logger.Info().
			Str("platform", profile.Platform).
			Str("strategy", strategy.Name()).
			Int("cookies", len(bundle.Cookies)).
			Bool("csrf", bundle.HasCSRF()).
			Bool("auth_token", bundle.AuthToken != "").
			Msg("Token bundle captured")
		return bundle, nil
	}

	return nil, fmt.Errorf("%w for %s", ErrCaptureFailed, profile.Platform)
}

// CookieJarStrategy snapshots the full cookie jar (HTTP-only included)
// before and after opening the listing-creation page and keeps the larger
type CookieJarStrategy struct {
	SettleDelay time.Duration
}

func (s *CookieJarStrategy) Name() string { return "cookie_jar" }

func (s *CookieJarStrategy) Capture(ctx context.Context, page Page, profile *locators.Profile) (*models.TokenBundle, error) {
	first, err := page.Driver().Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("first cookie snapshot: %w", err)
	}

	if err := page.Navigate(ctx, profile.RegisterURL); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", profile.RegisterURL, err)
	}
	if err := sleep(ctx, s.SettleDelay); err != nil {
		return nil, err
	}

	second, err := page.Driver().Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("second cookie snapshot: %w", err)
	}

	cookies := first
	if len(second) > len(first) {
		cookies = second
	}
	if !hasCredentialCookie(cookies, profile) {
		return nil, nil
	}

	return &models.TokenBundle{Cookies: cookies}, nil
}

// storageEntry is one localStorage/sessionStorage item
type storageEntry struct {
	Store string `json:"store"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

const storageScanScript = `(() => {
  const out = [];
  for (const [name, store] of [['local', window.localStorage], ['session', window.sessionStorage]]) {
    if (!store) { continue; }
    for (let i = 0; i < store.length; i++) {
      const key = store.key(i);
      out.push({ store: name, key: key, value: String(store.getItem(key) || '') });
    }
  }
  return out;
})()`

// StorageScanStrategy looks for tokens in localStorage and sessionStorage
type StorageScanStrategy struct{}

func (s *StorageScanStrategy) Name() string { return "storage_scan" }

func (s *StorageScanStrategy) Capture(ctx context.Context, page Page, profile *locators.Profile) (*models.TokenBundle, error) {
	var entries []storageEntry
	if err := page.Driver().Evaluate(ctx, storageScanScript, &entries); err != nil {
		return nil, fmt.Errorf("storage scan: %w", err)
	}

	var authToken, csrf string
	for _, e := range entries {
		key := strings.ToLower(e.Key)
		value := unquote(e.Value)

		if strings.Contains(key, "csrf") {
			if csrf == "" && (IsPlausibleToken(value) || IsCSRFShaped(value)) {
				csrf = value
			}
			continue
		}

		candidate := strings.Contains(key, "token") || strings.Contains(key, "auth") ||
			(len(value) >= 50 && strings.Contains(value, "."))
		if !candidate || authToken != "" {
			continue
		}
		if IsPlausibleToken(value) && !IsCSRFShaped(value) {
			authToken = value
		}
	}

	if authToken == "" {
		return nil, nil
	}

	cookies, err := page.Driver().Cookies(ctx)
	if err != nil {
		cookies = nil
	}
	if profile.API.AuthCookie != "" {
		if _, ok := (&models.TokenBundle{Cookies: cookies}).Cookie(profile.API.AuthCookie); !ok {
			cookies = append(cookies, models.BundleCookie{
				Name:   profile.API.AuthCookie,
				Value:  authToken,
				Domain: cookieDomain(profile.HomeURL),
				Path:   "/",
			})
		}
	}

	return &models.TokenBundle{
		Cookies:   cookies,
		AuthToken: authToken,
		CSRFToken: csrf,
	}, nil
}

// DocumentCookieStrategy parses document.cookie as a last resort
type DocumentCookieStrategy struct{}

func (s *DocumentCookieStrategy) Name() string { return "document_cookie" }

func (s *DocumentCookieStrategy) Capture(ctx context.Context, page Page, profile *locators.Profile) (*models.TokenBundle, error) {
	var raw string
	if err := page.Driver().Evaluate(ctx, "document.cookie", &raw); err != nil {
		return nil, fmt.Errorf("document.cookie: %w", err)
	}

	domain := cookieDomain(profile.HomeURL)
	if current, err := page.Driver().CurrentURL(ctx); err == nil {
		if d := cookieDomain(current); d != "" {
			domain = d
		}
	}

	cookies := ParseCookieString(raw, domain)
	if !hasCredentialCookie(cookies, profile) {
		return nil, nil
	}
	return &models.TokenBundle{Cookies: cookies}, nil
}

// ParseCookieString parses a "name=value; name2=value2" string
func ParseCookieString(raw, domain string) []models.BundleCookie {
	var cookies []models.BundleCookie
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || name == "" {
			continue
		}
		cookies = append(cookies, models.BundleCookie{
			Name:   name,
			Value:  value,
			Domain: domain,
			Path:   "/",
		})
	}
	return cookies
}

const csrfScript = `(document.querySelector('meta[name="csrf-token"]') || {}).content
  || (document.querySelector('meta[name="x-csrf-token"]') || {}).content
  || window.__CSRF__
  || ''`

// ExtractCSRF reads the CSRF token from the current page: meta tags or the
// __CSRF__ global through script, then the meta tags in the page source
func ExtractCSRF(ctx context.Context, d browser.Driver) string {
	var csrf string
	if err := d.Evaluate(ctx, csrfScript, &csrf); err == nil && strings.TrimSpace(csrf) != "" {
		return strings.TrimSpace(csrf)
	}

	html, err := d.OuterHTML(ctx)
	if err != nil {
		return ""
	}
	return CSRFFromHTML(html)
}

// CSRFFromHTML finds a csrf-token or x-csrf-token meta tag in an HTML document
func CSRFFromHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	content, _ := doc.Find(`meta[name="csrf-token"], meta[name="x-csrf-token"]`).First().Attr("content")
	return strings.TrimSpace(content)
}

// hasCredentialCookie reports whether cookies carry something usable: the
// profile's auth cookie, an auth-named cookie, or a token-shaped value
func hasCredentialCookie(cookies []models.BundleCookie, profile *locators.Profile) bool {
	if len(cookies) == 0 {
		return false
	}
	for _, c := range cookies {
		if profile.API.AuthCookie != "" && c.Name == profile.API.AuthCookie && isPlausibleCookieValue(c.Value) {
			return true
		}
		if isAuthName(c.Name) && isPlausibleCookieValue(c.Value) {
			return true
		}
		if IsPlausibleToken(c.Value) && !IsCSRFShaped(c.Value) {
			return true
		}
	}
	return false
}

func cookieDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return "." + strings.TrimPrefix(u.Hostname(), "www.")
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
