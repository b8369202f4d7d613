package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	GatewayBaseURL     string
	GatewayAccessToken string
	TerminalDeviceID   string

	PollMaxAttempts int
	PollInterval    time.Duration

	SweepInterval       time.Duration
	DeleteRetryAttempts int
	DeleteRetryDelay    time.Duration

	ConfirmationTTL  time.Duration
	EvictionInterval time.Duration
	SearchWindow     time.Duration

	WebhookReplayTTL   time.Duration
	GatewayHTTPTimeout time.Duration

	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:              valueOrDefault(k.String("APP_ENV"), "development"),
		Port:                valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:         k.String("DATABASE_URL"),
		RedisURL:            k.String("REDIS_URL"),
		GatewayBaseURL:      strings.TrimRight(strings.TrimSpace(k.String("GATEWAY_BASE_URL")), "/"),
		GatewayAccessToken:  k.String("GATEWAY_ACCESS_TOKEN"),
		TerminalDeviceID:    strings.TrimSpace(k.String("TERMINAL_DEVICE_ID")),
		PollMaxAttempts:     intOrDefault(k.Int("POLL_MAX_ATTEMPTS"), 60),
		PollInterval:        parseDuration(k.String("POLL_INTERVAL"), "3s"),
		SweepInterval:       parseDuration(k.String("SWEEP_INTERVAL"), "2m"),
		DeleteRetryAttempts: intOrDefault(k.Int("DELETE_RETRY_ATTEMPTS"), 3),
		DeleteRetryDelay:    parseDuration(k.String("DELETE_RETRY_DELAY"), "500ms"),
		ConfirmationTTL:     parseDuration(k.String("CONFIRMATION_TTL"), "1h"),
		EvictionInterval:    parseDuration(k.String("EVICTION_INTERVAL"), "1h"),
		SearchWindow:        parseDuration(k.String("SEARCH_WINDOW"), "30m"),
		WebhookReplayTTL:    parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "10m"),
		GatewayHTTPTimeout:  parseDuration(k.String("GATEWAY_HTTP_TIMEOUT"), "10s"),
		CORSAllowedOrigins:  splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.GatewayBaseURL == "" {
		return nil, errors.New("GATEWAY_BASE_URL is required")
	}
	if cfg.GatewayAccessToken == "" {
		return nil, errors.New("GATEWAY_ACCESS_TOKEN is required")
	}
	if cfg.TerminalDeviceID == "" {
		return nil, errors.New("TERMINAL_DEVICE_ID is required")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func intOrDefault(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
