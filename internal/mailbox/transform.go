package mailbox

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

// Patterns for scrubbing MIME noise out of extracted bodies.
var (
	htmlTag  = regexp.MustCompile(`<[^>]*>`)
	qpEscape = regexp.MustCompile(`=[0-9A-Fa-f]{2}`)

	// contentHeaderLine matches MIME part header lines that leak into
	// naive body extraction of multipart sources.
	contentHeaderLine = regexp.MustCompile(`(?i)^(content-type|content-transfer-encoding|content-disposition|mime-version|charset=|boundary=)`)
)

// Normalize converts a protocol-level fetch result into a canonical
// message record. It is pure and deterministic: no I/O, and absent
// fields yield zero values rather than errors.
func Normalize(raw RawMessage) CanonicalMessage {
	msg := CanonicalMessage{
		From:    raw.From,
		To:      raw.To,
		Subject: raw.Subject,
		Date:    raw.Date,
		Raw:     raw.Source,
	}

	msg.ID = strings.Trim(HeaderValue(raw.Source, "Message-ID"), "<>")
	if msg.ID == "" {
		msg.ID = strconv.FormatUint(uint64(raw.UID), 10)
	}

	msg.PlainText = ExtractPlainText(raw.Source)
	return msg
}

// HeaderValue returns the value of the first occurrence of the named
// header in an RFC 5322 source, with continuation lines unfolded.
// Header repetition is expected; only the first occurrence is
// authoritative. Returns "" when the header is absent.
func HeaderValue(source []byte, name string) string {
	header, _ := SplitSource(source)
	prefix := strings.ToLower(name) + ":"

	var value string
	collecting := false

	scanner := bufio.NewScanner(bytes.NewReader(header))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if collecting {
			// Folded continuation lines start with whitespace.
			if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
				value += " " + strings.TrimSpace(line)
				continue
			}
			break
		}

		if strings.HasPrefix(strings.ToLower(line), prefix) {
			value = strings.TrimSpace(line[len(prefix):])
			collecting = true
		}
	}

	return value
}

// SplitSource splits an RFC 5322 source at the first blank-line
// boundary into header block and body. A source without a blank line
// is all header.
func SplitSource(source []byte) (header, body []byte) {
	normalized := bytes.ReplaceAll(source, []byte("\r\n"), []byte("\n"))
	if i := bytes.Index(normalized, []byte("\n\n")); i >= 0 {
		return normalized[:i], normalized[i+2:]
	}
	return normalized, nil
}

// ExtractPlainText recovers a readable body from a raw source. It
// strips MIME boundary markers, part header lines, HTML tags, and
// quoted-printable escapes, then deduplicates identical lines (which
// drops repeated multipart-alternative bodies) and collapses blank
// runs.
func ExtractPlainText(source []byte) string {
	_, body := SplitSource(source)
	if len(body) == 0 {
		return ""
	}

	seen := make(map[string]bool)
	var out []string
	blank := true // swallow leading blanks

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		// MIME boundary markers.
		if strings.HasPrefix(line, "--") {
			continue
		}
		if contentHeaderLine.MatchString(strings.TrimSpace(line)) {
			continue
		}

		line = htmlTag.ReplaceAllString(line, "")
		// Soft line break, then hex escapes.
		line = strings.TrimSuffix(line, "=")
		line = qpEscape.ReplaceAllString(line, "")
		line = strings.TrimRight(line, " \t")

		if line == "" {
			if !blank {
				out = append(out, "")
				blank = true
			}
			continue
		}

		// Repeated multipart alternatives render the same text twice.
		if seen[line] {
			continue
		}
		seen[line] = true

		out = append(out, line)
		blank = false
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}
