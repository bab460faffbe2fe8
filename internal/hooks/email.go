package hooks

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/agentpipe/agentpipe/internal/domain"
)

// SMTPConfig holds SMTP connection parameters.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
}

// EmailSender delivers completion notifications via SMTP. The hook target
// is a comma-separated recipient list.
type EmailSender struct {
	config SMTPConfig
	logger *slog.Logger
}

// NewEmailSender creates an SMTP-based hook sender.
func NewEmailSender(cfg SMTPConfig, logger *slog.Logger) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailSender{config: cfg, logger: logger}
}

func (s *EmailSender) Kind() domain.HookKind { return domain.HookEmail }

func (s *EmailSender) Send(_ context.Context, hook domain.CompletionHook, payload *Payload) error {
	if hook.Target == "" {
		return fmt.Errorf("email hook has no recipients")
	}

	recipients := strings.Split(hook.Target, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	subject := fmt.Sprintf("[AgentPipe] Execution %s: %s", payload.ExecutionID, payload.Status)
	body := buildEmailBody(s.config.From, recipients, subject, emailText(payload))

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	var auth smtp.Auth
	if s.config.Username != "" && s.config.Password != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	if s.config.TLS {
		return s.sendTLS(addr, auth, s.config.From, recipients, body)
	}
	return smtp.SendMail(addr, auth, s.config.From, recipients, body)
}

func emailText(payload *Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution %s of orchestration %s finished with status %q.\n\n",
		payload.ExecutionID, payload.OrchestrationID, payload.Status)
	if payload.StartedAt != nil && payload.CompletedAt != nil {
		fmt.Fprintf(&b, "Duration: %s\n\n", payload.CompletedAt.Sub(*payload.StartedAt).Round(0))
	}
	if payload.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n\n", payload.Error)
	}
	if payload.FinalOutput != "" {
		fmt.Fprintf(&b, "Final output:\n%s\n", payload.FinalOutput)
	}
	return b.String()
}

func (s *EmailSender) sendTLS(addr string, auth smtp.Auth, from string, to []string, body []byte) error {
	tlsConfig := &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("tls dial %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	return client.Quit()
}

func buildEmailBody(from string, to []string, subject, text string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(text)
	return []byte(b.String())
}
