package render

import (
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

var htmlTagPattern = regexp.MustCompile(`(?i)<(/?)(html|body|div|p|br|a|span|table|ul|ol|li|h[1-6]|b|i|strong|em)\b[^>]*>`)

// SourceText prepares a source excerpt for terminal display. Connector
// content (gmail, slack exports) often arrives as HTML; that is converted
// to markdown, anything else passes through untouched. Conversion failures
// fall back to the raw content rather than erroring a render path.
func SourceText(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" || !looksLikeHTML(trimmed) {
		return trimmed
	}
	markdown, err := htmltomarkdown.ConvertString(trimmed)
	if err != nil {
		return trimmed
	}
	return strings.TrimSpace(markdown)
}

func looksLikeHTML(s string) bool {
	return htmlTagPattern.MatchString(s)
}
