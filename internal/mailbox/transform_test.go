package mailbox

import (
	"strings"
	"testing"
	"time"
)

func TestHeaderValueFirstWins(t *testing.T) {
	source := []byte("Subject: first\r\nSubject: second\r\nFrom: a@example.com\r\n\r\nbody")

	if got := HeaderValue(source, "Subject"); got != "first" {
		t.Errorf("HeaderValue(Subject) = %q, want %q", got, "first")
	}
}

func TestHeaderValueCaseInsensitive(t *testing.T) {
	source := []byte("MESSAGE-ID: <abc@example.com>\r\n\r\n")

	if got := HeaderValue(source, "Message-ID"); got != "<abc@example.com>" {
		t.Errorf("HeaderValue(Message-ID) = %q", got)
	}
}

func TestHeaderValueUnfoldsContinuations(t *testing.T) {
	source := []byte("References: <a@x>\r\n <b@x>\r\nSubject: hi\r\n\r\n")

	if got := HeaderValue(source, "References"); got != "<a@x> <b@x>" {
		t.Errorf("HeaderValue(References) = %q", got)
	}
}

func TestHeaderValueAbsent(t *testing.T) {
	source := []byte("Subject: hi\r\n\r\nbody")

	if got := HeaderValue(source, "Reply-To"); got != "" {
		t.Errorf("HeaderValue(Reply-To) = %q, want empty", got)
	}
}

func TestSplitSource(t *testing.T) {
	header, body := SplitSource([]byte("Subject: hi\r\nFrom: a@x\r\n\r\nline one\r\nline two"))

	if !strings.Contains(string(header), "Subject: hi") {
		t.Errorf("header = %q", header)
	}
	if string(body) != "line one\nline two" {
		t.Errorf("body = %q", body)
	}
}

func TestSplitSourceNoBody(t *testing.T) {
	header, body := SplitSource([]byte("Subject: hi\r\nFrom: a@x\r\n"))

	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
	if len(header) == 0 {
		t.Error("header should not be empty")
	}
}

func TestExtractPlainTextStripsMIMENoise(t *testing.T) {
	source := []byte(strings.Join([]string{
		"Subject: test",
		"",
		"--boundary123",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Hello there",
		"",
		"--boundary123",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body>Hello there</body></html>",
		"--boundary123--",
	}, "\r\n"))

	got := ExtractPlainText(source)

	if !strings.Contains(got, "Hello there") {
		t.Errorf("extracted text missing body content: %q", got)
	}
	if strings.Contains(got, "Content-Type") {
		t.Errorf("extracted text contains MIME header: %q", got)
	}
	if strings.Contains(got, "<html>") {
		t.Errorf("extracted text contains HTML: %q", got)
	}
	// The alternative part renders identical text; dedupe drops it.
	if strings.Count(got, "Hello there") != 1 {
		t.Errorf("duplicate alternative body not deduplicated: %q", got)
	}
}

func TestExtractPlainTextQuotedPrintable(t *testing.T) {
	source := []byte("Subject: t\r\n\r\nCaf=C3=A9 time=\r\ncontinues here")

	got := ExtractPlainText(source)

	if strings.Contains(got, "=C3") {
		t.Errorf("quoted-printable escapes not stripped: %q", got)
	}
}

func TestExtractPlainTextCollapsesBlankRuns(t *testing.T) {
	source := []byte("Subject: t\r\n\r\nfirst\r\n\r\n\r\n\r\nsecond")

	got := ExtractPlainText(source)

	if got != "first\n\nsecond" {
		t.Errorf("ExtractPlainText = %q", got)
	}
}

func TestNormalize(t *testing.T) {
	raw := RawMessage{
		UID:     42,
		From:    "Jane <jane@example.com>",
		To:      "me@example.com",
		Subject: "Hello",
		Date:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:  []byte("Message-ID: <m1@example.com>\r\nSubject: Hello\r\n\r\nBody text here"),
	}

	msg := Normalize(raw)

	if msg.ID != "m1@example.com" {
		t.Errorf("ID = %q, want %q", msg.ID, "m1@example.com")
	}
	if msg.From != raw.From || msg.To != raw.To || msg.Subject != raw.Subject {
		t.Error("envelope fields should pass through")
	}
	if msg.PlainText != "Body text here" {
		t.Errorf("PlainText = %q", msg.PlainText)
	}
}

func TestNormalizeMissingMessageIDFallsBackToUID(t *testing.T) {
	raw := RawMessage{
		UID:    7,
		Source: []byte("Subject: x\r\n\r\nhi"),
	}

	msg := Normalize(raw)

	if msg.ID != "7" {
		t.Errorf("ID = %q, want UID fallback %q", msg.ID, "7")
	}
}

func TestNormalizeEmptySource(t *testing.T) {
	msg := Normalize(RawMessage{UID: 1})

	if msg.PlainText != "" {
		t.Errorf("PlainText = %q, want empty", msg.PlainText)
	}
	if msg.ID != "1" {
		t.Errorf("ID = %q", msg.ID)
	}
}
