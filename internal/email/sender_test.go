package email

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cmarchant/payhook/internal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "enabled without smtp host",
			config: Config{
				Enabled:     true,
				FromAddress: "noreply@example.com",
			},
			wantErr: "SMTP host is required",
		},
		{
			name: "enabled without from address",
			config: Config{
				Enabled:  true,
				SMTPHost: "smtp.example.com",
			},
			wantErr: "from address is required",
		},
		{
			name:    "disabled skips validation",
			config:  Config{Enabled: false},
			wantErr: "",
		},
		{
			name: "valid config",
			config: Config{
				Enabled:     true,
				SMTPHost:    "smtp.example.com",
				FromAddress: "noreply@example.com",
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
			} else {
				require.NoError(t, err)
				require.NotNil(t, sender)
			}
		})
	}
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(Config{
		Enabled:     true,
		SMTPHost:    "smtp.example.com",
		FromAddress: "noreply@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, 587, sender.config.SMTPPort)
	assert.Equal(t, 10*time.Second, sender.config.DialTimeout)
}

func TestSend_DisabledIsNoOp(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false})
	require.NoError(t, err)

	assert.NoError(t, sender.Send(context.Background(), "a@example.com", "s", "b"))
}

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("Payhook <noreply@example.com>", "buyer@example.com", "Refund processed", "body text"))

	assert.Contains(t, msg, "From: Payhook <noreply@example.com>\r\n")
	assert.Contains(t, msg, "To: buyer@example.com\r\n")
	assert.Contains(t, msg, "Subject: Refund processed\r\n")
	assert.Contains(t, msg, "\r\n\r\nbody text")
}

func TestExtractEmail(t *testing.T) {
	assert.Equal(t, "noreply@example.com", extractEmail("Payhook <noreply@example.com>"))
	assert.Equal(t, "noreply@example.com", extractEmail("noreply@example.com"))
	assert.Equal(t, "bad <format", extractEmail("bad <format"))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"network timeout", timeoutErr{}, true},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"smtp 421 service not available", errors.New("421 4.3.2 service shutting down"), true},
		{"smtp 450 mailbox unavailable", errors.New("450 mailbox busy"), true},
		{"smtp 451 local error", errors.New("451 try again later"), true},
		{"smtp 452 insufficient storage", errors.New("452 out of space"), true},
		{"smtp 552 mailbox full", errors.New("552 quota exceeded"), true},
		{"smtp 550 no such user", errors.New("550 no such user"), false},
		{"smtp 501 bad address", errors.New("501 bad recipient syntax"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classify(tt.err)
			var marker *retry.Error
			require.ErrorAs(t, classified, &marker)
			assert.Equal(t, tt.retryable, marker.IsRetryable())
		})
	}
}
