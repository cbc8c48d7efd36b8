package render

import "regexp"

var scriptTagRe = regexp.MustCompile(`(?is)<script(.*?)>([\S\s]*?)</script>`)

// StripScriptTags removes script tags from serialized HTML so the
// prerendered document does not re-run its application on the client.
// Structured data (application/ld+json) is kept.
func StripScriptTags(html []byte) []byte {
	return scriptTagRe.ReplaceAllFunc(html, func(tag []byte) []byte {
		m := scriptTagRe.FindSubmatch(tag)
		if m != nil && containsLDJSON(m[1]) {
			return tag
		}
		return nil
	})
}

var ldJSONRe = regexp.MustCompile(`(?i)application/ld\+json`)

func containsLDJSON(attrs []byte) bool {
	return ldJSONRe.Match(attrs)
}
