package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
		wantErr  bool
	}{
		{"lowercases scheme and host", "HTTP://Example.COM/Path", "http://example.com/Path", false},
		{"strips fragment", "http://example.com/page#section", "http://example.com/page", false},
		{"preserves query", "http://example.com/p?b=2&a=1", "http://example.com/p?b=2&a=1", false},
		{"preserves port", "https://example.com:8443/x", "https://example.com:8443/x", false},
		{"rejects missing host", "http://", "", true},
		{"rejects relative", "/just/a/path", "", true},
		{"rejects other schemes", "ftp://example.com/f", "", true},
		{"rejects garbage", "http://exa mple.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Canonicalize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestCacheKeyFormatSeparation(t *testing.T) {
	html := CacheKey(Request{URL: "http://example.com/", Format: FormatHTML})
	pdf := CacheKey(Request{URL: "http://example.com/", Format: FormatPDF})
	assert.NotEqual(t, html.Digest, pdf.Digest)
}

func TestCacheKeyIgnoresViewportForHTML(t *testing.T) {
	// Viewport does not change HTML bytes, so it must not split the key.
	a := CacheKey(Request{URL: "http://example.com/", Format: FormatHTML, Options: Options{Width: 800}})
	b := CacheKey(Request{URL: "http://example.com/", Format: FormatHTML, Options: Options{Width: 1920}})
	assert.Equal(t, a.Digest, b.Digest)
}

func TestCacheKeyCoversBytesAffectingOptions(t *testing.T) {
	a := CacheKey(Request{URL: "http://example.com/", Format: FormatPNG, Options: Options{Width: 800, Height: 600}})
	b := CacheKey(Request{URL: "http://example.com/", Format: FormatPNG, Options: Options{Width: 1920, Height: 1080}})
	assert.NotEqual(t, a.Digest, b.Digest)

	c := CacheKey(Request{URL: "http://example.com/", Format: FormatPDF, Options: Options{PaperWidth: 8.5}})
	d := CacheKey(Request{URL: "http://example.com/", Format: FormatPDF, Options: Options{PaperWidth: 11}})
	assert.NotEqual(t, c.Digest, d.Digest)
}

func TestObjectPathLayout(t *testing.T) {
	key := CacheKey(Request{URL: "http://example.com/some/page?q=1", Format: FormatHTML})
	assert.Equal(t, "example.com/%2Fsome%2Fpage?q%3D1.html", key.Path)

	root := CacheKey(Request{URL: "http://example.com", Format: FormatPDF})
	assert.Equal(t, "example.com/%2F.pdf", root.Path)
}
