package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripScriptTags(t *testing.T) {
	in := []byte(`<html><head>` +
		`<script src="/app.js"></script>` +
		`<script type="application/ld+json">{"@context":"https://schema.org"}</script>` +
		`<SCRIPT>var inline = 1;</SCRIPT>` +
		`</head><body><p>content</p></body></html>`)

	out := string(StripScriptTags(in))

	assert.NotContains(t, out, "app.js")
	assert.NotContains(t, out, "var inline")
	assert.Contains(t, out, `application/ld+json`)
	assert.Contains(t, out, `"@context"`)
	assert.Contains(t, out, "<p>content</p>")
}

func TestStripScriptTagsMultiline(t *testing.T) {
	in := []byte("<script>\nwindow.state = {};\nboot();\n</script><div>kept</div>")
	out := string(StripScriptTags(in))
	assert.Equal(t, "<div>kept</div>", out)
}

func TestStripScriptTagsNoScripts(t *testing.T) {
	in := []byte("<html><body>plain</body></html>")
	assert.Equal(t, string(in), string(StripScriptTags(in)))
}
