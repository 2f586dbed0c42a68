// Package sanitize recovers meaningful text from noisy or mis-encoded
// message bodies used as AI context, and rejects unusable input. It is
// intentionally lossy and conservative: discarding usable text is
// acceptable, feeding garbage to a prompt is not.
//
// Everything here is a pure function over strings so the heuristics can
// be unit- and fuzz-tested without I/O.
package sanitize

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const (
	// minInputLen is the floor below which input is rejected outright.
	minInputLen = 20

	// minRecoveredLen guards the base64 recovery pass: a recovery
	// shorter than this falls back to the untouched original.
	minRecoveredLen = 10

	// maxOutputLen caps accepted output; longer text is truncated
	// with an ellipsis marker.
	maxOutputLen = 800

	// decodedReadableRatio is the acceptance bar for a base64-decoded
	// line to replace its original.
	decodedReadableRatio = 0.6

	// finalReadableRatio is the acceptance bar for the cleaned result.
	finalReadableRatio = 0.7

	// minWords is the minimum number of word-like tokens in accepted
	// output.
	minWords = 3
)

var (
	base64Line    = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)
	wordToken     = regexp.MustCompile(`[A-Za-z0-9][A-Za-z0-9'.,-]*`)
	leftoverEnt   = regexp.MustCompile(`&#?[A-Za-z0-9]{1,10};`)
	hSpaceRun     = regexp.MustCompile(`[ \t]{2,}`)
	newlineRunGE3 = regexp.MustCompile(`\n{3,}`)
)

// Clean runs the full recovery pipeline on one candidate snippet.
// It returns the sanitized text and true, or "" and false when the
// input is too short, garbled, or fails the readability gate.
func Clean(input string) (string, bool) {
	if utf8.RuneCountInString(input) < minInputLen {
		return "", false
	}

	recovered := recoverBase64Lines(input)
	if utf8.RuneCountInString(strings.TrimSpace(recovered)) < minRecoveredLen {
		recovered = input
	}

	if Garbled(recovered) {
		return "", false
	}

	cleaned := normalizeWhitespace(StripHTML(recovered))

	if readableRatio(cleaned) < finalReadableRatio {
		return "", false
	}
	if len(wordToken.FindAllString(cleaned, minWords)) < minWords {
		return "", false
	}

	return truncate(cleaned, maxOutputLen), true
}

// recoverBase64Lines attempts to decode lines that look like base64.
// A decoded line replaces the original only when at least 60% of its
// characters are readable; otherwise the original is kept verbatim.
func recoverBase64Lines(input string) string {
	lines := strings.Split(input, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if len(trimmed) >= minInputLen && len(trimmed)%4 == 0 && base64Line.MatchString(trimmed) {
			if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && utf8.Valid(decoded) {
				text := string(decoded)
				if readableRatio(text) >= decodedReadableRatio {
					out = append(out, text)
					continue
				}
			}
		}
		out = append(out, trimmed)
	}

	return strings.Join(out, "\n")
}

// Garbled reports whether content is unusable: dominated by non-ASCII
// bytes, or containing runs of replacement, Latin-1 supplement, or
// control characters that indicate a charset mismatch.
func Garbled(s string) bool {
	if nonASCIIRatio(s) > 0.3 {
		return true
	}
	if longestRun(s, func(r rune) bool { return r == utf8.RuneError }) >= 2 {
		return true
	}
	if longestRun(s, func(r rune) bool { return r >= 0x80 && r <= 0xFF }) >= 10 {
		return true
	}
	if longestRun(s, func(r rune) bool {
		return unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t'
	}) >= 3 {
		return true
	}
	return false
}

// nonASCIIRatio returns the fraction of runes above 0x7F.
func nonASCIIRatio(s string) float64 {
	if s == "" {
		return 0
	}
	total, nonASCII := 0, 0
	for _, r := range s {
		total++
		if r > 0x7F {
			nonASCII++
		}
	}
	return float64(nonASCII) / float64(total)
}

// longestRun returns the length of the longest consecutive run of
// runes matching pred.
func longestRun(s string, pred func(rune) bool) int {
	longest, run := 0, 0
	for _, r := range s {
		if pred(r) {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}

// readableRatio returns the fraction of runes in the readable class:
// letters, digits, whitespace, and common punctuation.
func readableRatio(s string) float64 {
	if s == "" {
		return 0
	}
	total, readable := 0, 0
	for _, r := range s {
		total++
		if isReadable(r) {
			readable++
		}
	}
	return float64(readable) / float64(total)
}

func isReadable(r rune) bool {
	if r > 0x7F {
		return false
	}
	if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
		return true
	}
	return strings.ContainsRune(`.,!?;:'"()[]{}<>@#$%&*+-=/_~^|`+"`", r)
}

// StripHTML removes tags and decodes entities using the HTML5
// tokenizer, then sweeps any malformed leftover entities. Plain text
// without markup passes through unchanged.
func StripHTML(s string) string {
	if !strings.ContainsRune(s, '<') && !strings.ContainsRune(s, '&') {
		return s
	}

	var sb strings.Builder
	tz := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tz.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			sb.Write(tz.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			// Block-level boundaries become line breaks so "<p>a</p><p>b</p>"
			// does not collapse into "ab".
			name, _ := tz.TagName()
			switch string(name) {
			case "p", "br", "div", "tr", "li":
				sb.WriteByte('\n')
			}
		}
	}

	out := sb.String()
	// Non-breaking spaces decode to U+00A0; fold them to plain spaces
	// before the readability gates see them.
	out = strings.ReplaceAll(out, "\u00a0", " ")
	return leftoverEnt.ReplaceAllString(out, "")
}

// normalizeWhitespace converts CRLF to LF, collapses three or more
// consecutive newlines to two, collapses horizontal whitespace runs,
// and trims each line.
func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = hSpaceRun.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	s = strings.Join(lines, "\n")

	s = newlineRunGE3.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// truncate caps s at limit runes, appending an ellipsis marker when
// content was dropped.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
