package tokens

import (
	"regexp"
	"strings"
)

const (
	minTokenLength  = 10
	minCookieLength = 5
)

var (
	plausibleTokenRe = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]+$`)
	// CSRF tokens look like "yGc027-1761629973" and must never be taken as auth tokens
	csrfShapeRe = regexp.MustCompile(`^[A-Za-z0-9_-]+-\d+$`)
)

// IsPlausibleToken reports whether v looks like an auth token: either three
// non-empty dot-separated segments, or at least 10 characters drawn from the
// token alphabet
func IsPlausibleToken(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}

	if parts := strings.Split(v, "."); len(parts) == 3 {
		structured := true
		for _, p := range parts {
			if p == "" {
				structured = false
				break
			}
		}
		if structured {
			return true
		}
	}

	return len(v) >= minTokenLength && plausibleTokenRe.MatchString(v)
}

// IsCSRFShaped reports whether v has the shape of a CSRF token
func IsCSRFShaped(v string) bool {
	return csrfShapeRe.MatchString(strings.TrimSpace(v))
}

// isPlausibleCookieValue applies the lenient minimum used for cookie values
func isPlausibleCookieValue(v string) bool {
	return len(strings.TrimSpace(v)) >= minCookieLength
}

// isAuthName reports whether a cookie or storage key name suggests credentials
func isAuthName(name string) bool {
	n := strings.ToLower(name)
	for _, marker := range []string{"token", "auth", "session", "sess", "jwt"} {
		if strings.Contains(n, marker) {
			return true
		}
	}
	return false
}

// unquote strips JSON string quoting some sites apply to stored values
func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
