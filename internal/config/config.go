// Package config loads service configuration from an optional YAML file and
// PAYHOOK_-prefixed environment variables, env taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PAYHOOK_"

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Database    DatabaseConfig    `koanf:"database"`
	Log         LogConfig         `koanf:"log"`
	Webhook     WebhookConfig     `koanf:"webhook"`
	Fulfillment FulfillmentConfig `koanf:"fulfillment"`
	Auth        AuthConfig        `koanf:"auth"`
	SMTP        SMTPConfig        `koanf:"smtp"`
	Queues      QueuesConfig      `koanf:"queues"`
}

// ServerConfig holds the main HTTP listener settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// MetricsConfig holds the metrics listener settings.
type MetricsConfig struct {
	Port int `koanf:"port"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"maxopenconns"`
	MaxIdleConns    int           `koanf:"maxidleconns"`
	ConnMaxLifetime time.Duration `koanf:"connmaxlifetime"`
	ConnectAttempts int           `koanf:"connectattempts"`
	ConnectTimeout  time.Duration `koanf:"connecttimeout"`
}

// LogConfig controls logger output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// WebhookConfig holds webhook signature verification settings.
type WebhookConfig struct {
	Secret    string        `koanf:"secret"`
	Tolerance time.Duration `koanf:"tolerance"`
}

// FulfillmentConfig holds the downstream fulfillment endpoint settings.
type FulfillmentConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// AuthConfig holds operator API token settings.
type AuthConfig struct {
	Secret string        `koanf:"secret"`
	Issuer string        `koanf:"issuer"`
	TTL    time.Duration `koanf:"ttl"`
}

// SMTPConfig holds the outbound email relay settings.
type SMTPConfig struct {
	Enabled  bool    `koanf:"enabled"`
	Host     string  `koanf:"host"`
	Port     int     `koanf:"port"`
	User     string  `koanf:"user"`
	Password string  `koanf:"password"`
	From     string  `koanf:"from"`
	Pace     float64 `koanf:"pace"`
}

// QueueConfig holds per-queue drain settings.
type QueueConfig struct {
	Interval time.Duration `koanf:"interval"`
	Batch    int           `koanf:"batch"`
	Workers  int           `koanf:"workers"`
}

// QueuesConfig holds both drain schedules.
type QueuesConfig struct {
	Email        QueueConfig `koanf:"email"`
	WebhookRetry QueueConfig `koanf:"webhookretry"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{Port: 9090},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Webhook: WebhookConfig{Tolerance: 5 * time.Minute},
		Fulfillment: FulfillmentConfig{
			Timeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Issuer: "payhook",
			TTL:    24 * time.Hour,
		},
		SMTP: SMTPConfig{Port: 587},
		Queues: QueuesConfig{
			Email: QueueConfig{
				Interval: time.Minute,
				Batch:    50,
				Workers:  2,
			},
			WebhookRetry: QueueConfig{
				Interval: 5 * time.Minute,
				Batch:    50,
				Workers:  2,
			},
		},
	}
}

// Load reads configuration from the given YAML file (optional, may be empty)
// and the environment, layered over the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// PAYHOOK_SERVER_PORT -> server.port
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks for settings the service cannot run without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url is required")
	}
	if c.Webhook.Secret == "" {
		return errors.New("config: webhook.secret is required")
	}
	if c.Fulfillment.URL == "" {
		return errors.New("config: fulfillment.url is required")
	}
	if c.Auth.Secret == "" {
		return errors.New("config: auth.secret is required")
	}
	return nil
}
