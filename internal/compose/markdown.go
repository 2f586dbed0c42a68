package compose

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
)

var (
	reHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reBold       = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	reItalic     = regexp.MustCompile(`(?:^|[^*])\*([^*\n]+)\*`)
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reListMarker = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
)

// markdownToPlain strips markdown syntax so the text/plain part reads
// naturally in clients that never render the HTML alternative.
func markdownToPlain(md string) string {
	out := reHeading.ReplaceAllString(md, "")
	// List markers go first so a leading "*" is never mistaken for
	// emphasis.
	out = reListMarker.ReplaceAllString(out, "- ")
	out = reBold.ReplaceAllString(out, "$1")
	out = reItalic.ReplaceAllStringFunc(out, func(m string) string {
		inner := reItalic.FindStringSubmatch(m)
		if len(inner) < 2 {
			return m
		}
		return strings.Replace(m, "*"+inner[1]+"*", inner[1], 1)
	})
	out = reInlineCode.ReplaceAllString(out, "$1")
	out = reLink.ReplaceAllString(out, "$1")
	return strings.TrimSpace(out)
}

// markdownToHTML renders the reply as HTML and attaches the quoted
// original, escaped, inside a blockquote.
func markdownToHTML(md, quoted string) (string, error) {
	var buf strings.Builder
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("<html><body>\n")
	sb.WriteString(buf.String())
	if quoted != "" {
		sb.WriteString(`<blockquote style="border-left: 2px solid #ccc; margin-left: 0; padding-left: 1em; color: #555;">` + "\n")
		sb.WriteString("<pre>" + html.EscapeString(quoted) + "</pre>\n")
		sb.WriteString("</blockquote>\n")
	}
	sb.WriteString("</body></html>")
	return sb.String(), nil
}
