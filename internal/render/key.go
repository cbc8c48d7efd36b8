package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/GriffinCanCode/prerender/internal/cache"
)

// Canonicalize normalizes a request URL into its cache identity: scheme
// and host lowercased, fragment stripped, path and query preserved
// verbatim. Only absolute http(s) URLs with a host are accepted.
func Canonicalize(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("url has no host")
	}
	parsed.Scheme = scheme
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	return parsed.String(), nil
}

// CacheKey derives the artifact key for a canonical request. The digest
// covers the URL, the format and only the options that change the produced
// bytes: viewport and quality for images, paper geometry for pdf. Readiness
// options never enter the key.
func CacheKey(req Request) cache.Key {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n", req.URL, req.Format)
	switch req.Format {
	case FormatPNG, FormatJPEG:
		fmt.Fprintf(h, "%dx%d/q%d\n", req.Options.Width, req.Options.Height, req.Options.Quality)
	case FormatPDF:
		fmt.Fprintf(h, "%gx%g/l%t\n", req.Options.PaperWidth, req.Options.PaperHeight, req.Options.Landscape)
	}

	return cache.Key{
		Digest: hex.EncodeToString(h.Sum(nil)),
		Path:   objectPath(req),
	}
}

// objectPath lays the key out as {host}/{escaped path[?query]}.{format},
// mirroring how artifacts were browsed in the object store historically.
func objectPath(req Request) string {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return "malformed/" + url.QueryEscape(req.URL)
	}
	name := url.QueryEscape(parsed.Path)
	if name == "" {
		name = "%2F"
	}
	if parsed.RawQuery != "" {
		name += "?" + url.QueryEscape(parsed.RawQuery)
	}
	return parsed.Hostname() + "/" + name + "." + string(req.Format)
}
