package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentpipe/agentpipe/internal/domain"
)

// ChatSender posts a short completion summary to an incoming-webhook style
// chat endpoint (Slack, Mattermost, and compatible). The hook target is the
// incoming webhook URL.
type ChatSender struct {
	httpClient *http.Client
	validate   func(string) error
	logger     *slog.Logger
}

// ChatOption configures the chat sender.
type ChatOption func(*ChatSender)

// WithChatHTTPClient sets a custom HTTP client.
func WithChatHTTPClient(hc *http.Client) ChatOption {
	return func(s *ChatSender) { s.httpClient = hc }
}

// WithChatInsecureSkipHostCheck disables the private-host guard.
// Development and test use only.
func WithChatInsecureSkipHostCheck() ChatOption {
	return func(s *ChatSender) { s.validate = func(string) error { return nil } }
}

// NewChatSender creates a chat hook sender.
func NewChatSender(logger *slog.Logger, opts ...ChatOption) *ChatSender {
	s := &ChatSender{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		validate:   validateWebhookURL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ChatSender) Kind() domain.HookKind { return domain.HookChat }

func (s *ChatSender) Send(ctx context.Context, hook domain.CompletionHook, payload *Payload) error {
	if hook.Target == "" {
		return fmt.Errorf("chat hook has no target URL")
	}
	if err := s.validate(hook.Target); err != nil {
		return fmt.Errorf("chat URL rejected: %w", err)
	}

	text := fmt.Sprintf("*Execution %s* finished with status `%s`.", payload.ExecutionID, payload.Status)
	if payload.Error != "" {
		text += fmt.Sprintf("\nError: %s", payload.Error)
	} else if payload.FinalOutput != "" {
		out := payload.FinalOutput
		if len(out) > 500 {
			out = out[:500] + "…"
		}
		text += fmt.Sprintf("\n%s", out)
	}

	body, _ := json.Marshal(map[string]any{"text": text})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}

	// Slack-style endpoints return 200 with an error body; check when
	// the response is JSON.
	var chatResp struct {
		OK    *bool  `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &chatResp); err == nil && chatResp.OK != nil && !*chatResp.OK {
		return fmt.Errorf("chat API error: %s", chatResp.Error)
	}

	return nil
}
