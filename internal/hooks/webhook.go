package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentpipe/agentpipe/internal/domain"
)

// WebhookSender POSTs the completion payload as JSON to the hook's target
// URL. Includes SSRF protection: private and loopback hosts are rejected,
// and redirects are never followed. When the hook carries a secret, the
// body is signed with HMAC-SHA256.
type WebhookSender struct {
	httpClient *http.Client
	validate   func(string) error
	logger     *slog.Logger
}

// WebhookOption configures the webhook sender.
type WebhookOption func(*WebhookSender)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) WebhookOption {
	return func(s *WebhookSender) { s.httpClient = hc }
}

// WithInsecureSkipHostCheck disables the private-host guard. Development
// and test use only.
func WithInsecureSkipHostCheck() WebhookOption {
	return func(s *WebhookSender) { s.validate = func(string) error { return nil } }
}

// NewWebhookSender creates a webhook hook sender.
func NewWebhookSender(logger *slog.Logger, opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			// Never follow redirects: prevents SSRF via redirect to
			// internal hosts.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		validate: validateWebhookURL,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WebhookSender) Kind() domain.HookKind { return domain.HookWebhook }

func (s *WebhookSender) Send(ctx context.Context, hook domain.CompletionHook, payload *Payload) error {
	if hook.Target == "" {
		return fmt.Errorf("webhook hook has no target URL")
	}
	if err := s.validate(hook.Target); err != nil {
		return fmt.Errorf("webhook URL rejected: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AgentPipe-Hook/1.0")
	if hook.Secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+signBody(hook.Secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// signBody computes the hex HMAC-SHA256 of the body under the hook secret.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// validateWebhookURL checks that the URL points to a public host. Blocks
// private IPs, loopback, link-local, and non-HTTP schemes.
func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	hostname := u.Hostname()

	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" || lower == "0.0.0.0" {
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := net.LookupHost(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}
