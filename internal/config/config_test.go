package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PAYHOOK_DATABASE_URL", "postgres://localhost:5432/payhook")
	t.Setenv("PAYHOOK_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("PAYHOOK_FULFILLMENT_URL", "http://fulfillment.local/dispatch")
	t.Setenv("PAYHOOK_AUTH_SECRET", "jwt-secret")
}

func TestLoad_DefaultsWithRequiredEnv(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, time.Minute, cfg.Queues.Email.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Queues.WebhookRetry.Interval)
	assert.Equal(t, 2, cfg.Queues.Email.Workers)
	assert.Equal(t, "postgres://localhost:5432/payhook", cfg.Database.URL)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PAYHOOK_SERVER_PORT", "9999")
	t.Setenv("PAYHOOK_LOG_LEVEL", "debug")
	t.Setenv("PAYHOOK_QUEUES_EMAIL_INTERVAL", "30s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Queues.Email.Interval)
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
log:
  level: warn
smtp:
  enabled: true
  host: smtp.example.com
  from: "Payhook <noreply@example.com>"
`), 0o600))

	t.Setenv("PAYHOOK_LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port, "file value applies")
	assert.Equal(t, "error", cfg.Log.Level, "env wins over file")
	assert.True(t, cfg.SMTP.Enabled)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Host)
}

func TestLoad_MissingRequiredSettings(t *testing.T) {
	tests := []struct {
		name string
		omit string
	}{
		{"database url", "PAYHOOK_DATABASE_URL"},
		{"webhook secret", "PAYHOOK_WEBHOOK_SECRET"},
		{"fulfillment url", "PAYHOOK_FULFILLMENT_URL"},
		{"auth secret", "PAYHOOK_AUTH_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.omit, "")

			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	setRequiredEnv(t)

	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
