package models

import (
	"net/http"
	"strings"
	"time"
)

// DefaultTokenLifetime is how long a captured bundle stays usable
const DefaultTokenLifetime = 8 * time.Hour

// BundleCookie is a cookie captured from the browser jar
type BundleCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"httpOnly"`
	Secure   bool      `json:"secure"`
	SameSite string    `json:"sameSite,omitempty"`
}

// ToHTTPCookie converts a captured cookie to a standard HTTP cookie
func (c *BundleCookie) ToHTTPCookie() *http.Cookie {
	cookie := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}

	switch strings.ToLower(c.SameSite) {
	case "strict":
		cookie.SameSite = http.SameSiteStrictMode
	case "lax":
		cookie.SameSite = http.SameSiteLaxMode
	case "none":
		cookie.SameSite = http.SameSiteNoneMode
	default:
		cookie.SameSite = http.SameSiteDefaultMode
	}

	return cookie
}

// TokenBundle is a captured credential artifact that lets registrations
// call a platform's private API without the browser
type TokenBundle struct {
	Platform   string         `json:"platform"`
	Cookies    []BundleCookie `json:"cookies"`
	CSRFToken  string         `json:"csrfToken,omitempty"`
	AuthToken  string         `json:"authToken,omitempty"`
	Source     string         `json:"source,omitempty"` // strategy that produced the bundle
	CapturedAt time.Time      `json:"capturedAt"`
	ExpiresAt  time.Time      `json:"expiresAt,omitempty"`
}

// IsExpired reports whether the bundle's expiry has passed.
// A bundle without an expiry never expires.
func (b *TokenBundle) IsExpired() bool {
	return b.isExpiredAt(time.Now())
}

func (b *TokenBundle) isExpiredAt(now time.Time) bool {
	if b.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(b.ExpiresAt)
}

// IsValid reports whether the bundle can be used for direct API calls
func (b *TokenBundle) IsValid() bool {
	return b != nil && len(b.Cookies) > 0 && !b.IsExpired()
}

// HasCSRF reports whether a CSRF token was captured
func (b *TokenBundle) HasCSRF() bool {
	return b.CSRFToken != ""
}

// CookieHeader joins the cookies into a single Cookie header value
func (b *TokenBundle) CookieHeader() string {
	parts := make([]string, 0, len(b.Cookies))
	for _, c := range b.Cookies {
		if c.Name == "" {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Cookie returns the named cookie value, if present
func (b *TokenBundle) Cookie(name string) (string, bool) {
	for _, c := range b.Cookies {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// Stamp sets capture time and expiry for a freshly captured bundle
func (b *TokenBundle) Stamp(now time.Time, lifetime time.Duration) {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	b.CapturedAt = now
	b.ExpiresAt = now.Add(lifetime)
}

// Status builds the status document for this bundle
func (b *TokenBundle) Status() TokenStatus {
	if b == nil {
		return TokenStatus{}
	}
	status := TokenStatus{
		Platform:    b.Platform,
		HasToken:    true,
		IsExpired:   b.IsExpired(),
		CookieCount: len(b.Cookies),
		HasCSRF:     b.HasCSRF(),
		Source:      b.Source,
	}
	if !b.ExpiresAt.IsZero() {
		expiresAt := b.ExpiresAt
		status.ExpiresAt = &expiresAt
	}
	return status
}

// TokenStatus summarises the stored bundle for a platform
type TokenStatus struct {
	Platform    string     `json:"platform"`
	HasToken    bool       `json:"hasToken"`
	IsExpired   bool       `json:"isExpired"`
	CookieCount int        `json:"cookieCount"`
	HasCSRF     bool       `json:"hasCsrf"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Source      string     `json:"source,omitempty"`
}
