// Package llm reaches the external AI collaborators over an
// Ollama-compatible chat API: one model drafts replies, one judges
// whether a message is automated noise. The package owns the prompt
// contracts; callers deal only in domain values.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/draftmill/draftmill/internal/config"
)

// noReplyMarker is the status string the reply model emits when no
// draft should be created. Any response starting with it is treated as
// "nothing to draft", not as an error.
const noReplyMarker = "NO_REPLY"

// Message is a chat message in the wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Client talks to the chat endpoint. All methods are goroutine-safe.
type Client struct {
	baseURL         string
	model           string
	classifierModel string
	assistant       string
	httpClient      *http.Client
	logger          *slog.Logger
}

// NewClient creates a client from the AI configuration.
func NewClient(cfg config.AIConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		model:           cfg.Model,
		classifierModel: cfg.ClassifierModel,
		assistant:       cfg.Assistant,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute, // local models can be slow to load
		},
		logger: logger,
	}
}

// ReplyRequest carries the context for drafting one reply.
type ReplyRequest struct {
	// From, Subject, Body describe the message being answered.
	From    string
	Subject string
	Body    string

	// History holds up to five sanitized snippets of the user's own
	// sent mail, newest first, used to imitate their voice.
	History []string
}

// GenerateReply asks the reply model for a draft. ok is false when the
// model declines (status response) — that is a normal outcome, not an
// error.
func (c *Client) GenerateReply(ctx context.Context, req ReplyRequest) (reply string, ok bool, err error) {
	content, err := c.chat(ctx, c.model, []Message{
		{Role: "system", Content: replySystemPrompt(c.assistant)},
		{Role: "user", Content: replyUserPrompt(req)},
	})
	if err != nil {
		return "", false, err
	}

	content = strings.TrimSpace(content)
	if content == "" || strings.HasPrefix(content, noReplyMarker) {
		return "", false, nil
	}
	return content, true, nil
}

// IsAutomated asks the classifier model whether the text reads as
// spam, automated, or marketing mail. Unparseable verdicts are errors;
// the caller decides the fail-open policy.
func (c *Client) IsAutomated(ctx context.Context, text string) (bool, error) {
	content, err := c.chat(ctx, c.classifierModel, []Message{
		{Role: "system", Content: classifierSystemPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		return false, err
	}

	verdict := strings.ToUpper(strings.TrimSpace(content))
	switch {
	case strings.HasPrefix(verdict, "YES"):
		return true, nil
	case strings.HasPrefix(verdict, "NO"):
		return false, nil
	default:
		return false, fmt.Errorf("unparseable classifier verdict %q", firstLine(verdict))
	}
}

// chat sends a non-streaming chat completion request and returns the
// assistant message content.
func (c *Client) chat(ctx context.Context, model string, messages []Message) (string, error) {
	req := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return chatResp.Message.Content, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
