package compose

import (
	"strings"
	"testing"
	"time"
)

const sampleOriginal = "Message-ID: <orig-1@example.com>\r\n" +
	"From: Jane Doe <jane@example.com>\r\n" +
	"To: me@draftmill.test\r\n" +
	"Subject: Lunch on Friday\r\n" +
	"References: <thread-root@example.com> <orig-0@example.com>\r\n" +
	"Date: Mon, 02 Mar 2026 10:00:00 +0000\r\n" +
	"\r\n" +
	"Does Friday at noon work?\r\n" +
	"Let me know.\r\n"

func buildSample(t *testing.T, source string) Draft {
	t.Helper()
	draft, err := Build(ReplyContext{
		OriginalSource: []byte(source),
		ReplyText:      "Friday works, see you then.",
		From:           "me@draftmill.test",
		Domain:         "draftmill.test",
		Now:            time.Date(2026, 3, 2, 11, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return draft
}

func TestReplySubject(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Lunch on Friday", "Re: Lunch on Friday"},
		{"Re: Lunch on Friday", "Re: Lunch on Friday"},
		{"RE: Lunch on Friday", "RE: Lunch on Friday"},
		{"re: lunch", "re: lunch"},
		{"", "Re: "},
	}
	for _, tt := range tests {
		if got := ReplySubject(tt.in); got != tt.want {
			t.Errorf("ReplySubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildReferences(t *testing.T) {
	tests := []struct {
		name       string
		references string
		messageID  string
		want       []string
	}{
		{
			name:       "appends message id",
			references: "<a@x> <b@x>",
			messageID:  "<c@x>",
			want:       []string{"<a@x>", "<b@x>", "<c@x>"},
		},
		{
			name:       "dedupes preserving first occurrence order",
			references: "<a@x> <b@x> <a@x>",
			messageID:  "<b@x>",
			want:       []string{"<a@x>", "<b@x>"},
		},
		{
			name:      "no prior references",
			messageID: "<c@x>",
			want:      []string{"<c@x>"},
		},
		{
			name: "everything empty",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildReferences(tt.references, tt.messageID)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("token %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestQuoteBody(t *testing.T) {
	got := QuoteBody("line one\r\nline two\n\nline four", 1000)
	want := "> line one\n> line two\n> \n> line four"
	if got != want {
		t.Errorf("QuoteBody = %q, want %q", got, want)
	}
}

func TestQuoteBodyTruncates(t *testing.T) {
	long := strings.Repeat("a", 50)
	got := QuoteBody(long, 10)
	if got != "> "+strings.Repeat("a", 10) {
		t.Errorf("QuoteBody = %q", got)
	}
}

func TestQuoteBodyEmpty(t *testing.T) {
	if got := QuoteBody("  \r\n ", 100); got != "" {
		t.Errorf("QuoteBody = %q, want empty", got)
	}
}

func TestBuildThreadingHeaders(t *testing.T) {
	draft := buildSample(t, sampleOriginal)
	raw := string(draft.Raw)
	headers, _, _ := strings.Cut(raw, "\r\n\r\n")

	checks := []string{
		"Subject: Re: Lunch on Friday",
		"To: Jane Doe <jane@example.com>",
		"In-Reply-To: <orig-1@example.com>",
		"References: <thread-root@example.com> <orig-0@example.com> <orig-1@example.com>",
		"From: me@draftmill.test",
		"MIME-Version: 1.0",
	}
	for _, c := range checks {
		if !strings.Contains(headers, c) {
			t.Errorf("headers missing %q\n%s", c, headers)
		}
	}

	if !strings.Contains(headers, "Message-ID: <"+draft.MessageID+">") {
		t.Error("Message-ID header should carry the generated id in brackets")
	}
	if strings.Contains(draft.MessageID, "<") || strings.Contains(draft.MessageID, ">") {
		t.Errorf("MessageID %q should have no brackets", draft.MessageID)
	}
	if !strings.HasSuffix(draft.MessageID, "@draftmill.test") {
		t.Errorf("MessageID %q should end with the account domain", draft.MessageID)
	}
}

func TestBuildPrefersReplyTo(t *testing.T) {
	source := "Message-ID: <x@example.com>\r\n" +
		"From: list-bounce@example.com\r\n" +
		"Reply-To: human@example.com\r\n" +
		"Subject: hi\r\n" +
		"\r\n" +
		"body\r\n"

	draft := buildSample(t, source)
	if !strings.Contains(string(draft.Raw), "To: human@example.com\r\n") {
		t.Error("To should come from Reply-To when present")
	}
}

func TestBuildHeaderOrder(t *testing.T) {
	draft := buildSample(t, sampleOriginal)
	headers, _, _ := strings.Cut(string(draft.Raw), "\r\n\r\n")
	lines := strings.Split(headers, "\r\n")

	wantOrder := []string{"From:", "To:", "Subject:", "Date:", "Message-ID:", "In-Reply-To:", "References:", "MIME-Version:", "Content-Type:"}
	if len(lines) != len(wantOrder) {
		t.Fatalf("got %d header lines, want %d:\n%s", len(lines), len(wantOrder), headers)
	}
	for i, prefix := range wantOrder {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("header %d = %q, want prefix %q", i, lines[i], prefix)
		}
	}
}

func TestBuildOmitsAbsentThreadingHeaders(t *testing.T) {
	source := "From: someone@example.com\r\nSubject: no ids here\r\n\r\nbody\r\n"
	draft := buildSample(t, source)
	raw := string(draft.Raw)

	if strings.Contains(raw, "In-Reply-To:") {
		t.Error("In-Reply-To should be omitted when the original has no Message-ID")
	}
	if strings.Contains(raw, "References:") {
		t.Error("References should be omitted when nothing references")
	}
}

func TestBuildBodyQuotesOriginal(t *testing.T) {
	draft := buildSample(t, sampleOriginal)
	raw := string(draft.Raw)

	if !strings.Contains(raw, "Friday works, see you then.") {
		t.Error("plain part should carry the reply text")
	}
	if !strings.Contains(raw, "> Does Friday at noon work?") {
		t.Error("plain part should quote the original body")
	}
	if !strings.Contains(raw, "Content-Type: text/plain; charset=utf-8") {
		t.Error("missing text/plain part")
	}
	if !strings.Contains(raw, "Content-Type: text/html; charset=utf-8") {
		t.Error("missing text/html part")
	}
}

func TestBuildUsesCRLFThroughout(t *testing.T) {
	draft := buildSample(t, sampleOriginal)
	// Every LF must be preceded by CR.
	stripped := strings.ReplaceAll(string(draft.Raw), "\r\n", "")
	if strings.ContainsAny(stripped, "\r\n") {
		t.Error("draft contains bare CR or LF outside CRLF pairs")
	}
}

func TestBuildMessageIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		draft := buildSample(t, sampleOriginal)
		if seen[draft.MessageID] {
			t.Fatalf("duplicate Message-ID %q", draft.MessageID)
		}
		seen[draft.MessageID] = true
	}
}

func TestBuildEmptyOriginal(t *testing.T) {
	_, err := Build(ReplyContext{ReplyText: "hi"})
	if err == nil {
		t.Fatal("want error for empty original source")
	}
}

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**bold** and *italic*", "bold and italic"},
		{"# Heading\ntext", "Heading\ntext"},
		{"see [the docs](https://example.com)", "see the docs"},
		{"`code` inline", "code inline"},
		{"* item one\n* item two", "- item one\n- item two"},
		{"plain text stays", "plain text stays"},
	}
	for _, tt := range tests {
		if got := markdownToPlain(tt.in); got != tt.want {
			t.Errorf("markdownToPlain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMarkdownToHTML(t *testing.T) {
	html, err := markdownToHTML("**hello**", "> original text")
	if err != nil {
		t.Fatalf("markdownToHTML: %v", err)
	}
	if !strings.Contains(html, "<strong>hello</strong>") {
		t.Errorf("markdown not rendered: %s", html)
	}
	if !strings.Contains(html, "&gt; original text") {
		t.Errorf("quoted original not escaped into blockquote: %s", html)
	}
}
