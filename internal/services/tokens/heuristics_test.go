package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPlausibleToken(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  bool
	}{
		{"structured token", "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.c2ln", true},
		{"short structured token", "a.b.c", true},
		{"hex token", "0123456789abcdef0123456789abcdef", true},
		{"base64 with padding", "dGVzdC10b2tlbi12YWx1ZQ==", true},
		{"empty segment", "a..c", false},
		{"too short", "abc123", false},
		{"whitespace inside", "abc def ghi jkl", false},
		{"json object", `{"token":"x"}`, false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPlausibleToken(tt.value))
		})
	}
}

func TestIsCSRFShaped(t *testing.T) {
	assert.True(t, IsCSRFShaped("yGc027-1761629973"))
	assert.False(t, IsCSRFShaped("0123456789abcdef0123456789abcdef"))
	assert.False(t, IsCSRFShaped("a.b.c"))
}

func TestParseCookieString(t *testing.T) {
	cookies := ParseCookieString("a=1; session_id=abcdef; broken; =x; b=x=y", ".bunjang.co.kr")
	assert.Len(t, cookies, 3)
	assert.Equal(t, "session_id", cookies[1].Name)
	assert.Equal(t, "abcdef", cookies[1].Value)
	assert.Equal(t, "x=y", cookies[2].Value)
	assert.Equal(t, ".bunjang.co.kr", cookies[0].Domain)
}

func TestCSRFFromHTML(t *testing.T) {
	html := `<html><head><meta name="viewport" content="width=device-width"><meta name="x-csrf-token" content=" yGc027-1761629973 "></head></html>`
	assert.Equal(t, "yGc027-1761629973", CSRFFromHTML(html))
	assert.Equal(t, "", CSRFFromHTML("<html></html>"))
}
