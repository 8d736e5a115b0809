// Package email sends queued messages over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/cmarchant/payhook/internal/pkg/retry"
	"golang.org/x/time/rate"
)

// Config holds SMTP sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// MaxPerSecond paces outbound connections to the relay. Zero disables
	// pacing. This is a courtesy throttle; the durable per-recipient and
	// global budgets live in the rate limiter.
	MaxPerSecond float64
	DialTimeout  time.Duration
}

// Sender delivers a single message per SMTP session.
type Sender struct {
	config Config
	auth   smtp.Auth
	pacer  *rate.Limiter
}

// NewSender creates an SMTP sender. Returns an error if enabled without the
// required relay settings.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if config.MaxPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(config.MaxPerSecond), 1)
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
	)

	return &Sender{
		config: config,
		auth:   auth,
		pacer:  pacer,
	}, nil
}

// Send delivers one message. Errors are classified for the retry executor:
// connection and SMTP 4xx failures are transient, the rest permanent.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if !s.config.Enabled {
		slog.Warn("email sender disabled, dropping message", "to", to)
		return nil
	}

	if err := s.pacer.Wait(ctx); err != nil {
		return retry.Transient(fmt.Errorf("smtp pacing: %w", err))
	}

	if err := s.deliver(ctx, to, subject, body); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Sender) deliver(ctx context.Context, to, subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)

	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: s.config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(s.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(buildMessage(s.config.FromAddress, to, subject, body)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// buildMessage constructs the message with headers in deterministic order.
func buildMessage(from, to, subject, body string) []byte {
	var msg strings.Builder

	msg.WriteString(fmt.Sprintf("From: %s\r\n", from))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	return []byte(msg.String())
}

// extractEmail extracts the address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// smtp 4xx codes signal temporary relay conditions worth retrying.
var transientSMTPCodes = []string{"421", "450", "451", "452", "552"}

func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Transient(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return retry.Transient(err)
	}

	msg := err.Error()
	for _, code := range transientSMTPCodes {
		if strings.Contains(msg, code) {
			return retry.Transient(err)
		}
	}

	return retry.Permanent(err)
}
