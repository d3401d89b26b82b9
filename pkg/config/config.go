package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	envConfigPath        = "STREAMBRIDGE_CONFIG"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envTelegramBotMode   = "TELEGRAM_BOT_MODE"
	envTelegramWebhook   = "TELEGRAM_WEBHOOK_URL"
	envDatabaseURL       = "DATABASE_URL"
)

// Config is the root runtime configuration loaded from config.json or config.yaml.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Model     ModelConfig     `json:"model" yaml:"model"`
	Streaming StreamingConfig `json:"streaming" yaml:"streaming"`
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Sessions  SessionsConfig  `json:"sessions" yaml:"sessions"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Level     string `json:"level,omitempty" yaml:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty" yaml:"add_source,omitempty"`
}

// TelegramConfig configures the Telegram bot and its ingress mode.
type TelegramConfig struct {
	Token              string   `json:"token" yaml:"token" validate:"required"`
	Mode               string   `json:"mode" yaml:"mode" validate:"required,oneof=webhook polling"`
	WebhookURL         string   `json:"webhook_url" yaml:"webhook_url" validate:"omitempty,url"`
	WebhookPath        string   `json:"webhook_path" yaml:"webhook_path" validate:"startswith=/"`
	WebhookSecret      string   `json:"webhook_secret" yaml:"webhook_secret"`
	AllowFrom          []string `json:"allow_from" yaml:"allow_from"`
	PollTimeoutSeconds int      `json:"poll_timeout_seconds" yaml:"poll_timeout_seconds" validate:"gte=0,lte=50"`
}

// ModelConfig selects the streaming model backend and its generation parameters.
type ModelConfig struct {
	Provider              string  `json:"provider" yaml:"provider" validate:"oneof=openai fantasy"`
	Model                 string  `json:"model" yaml:"model" validate:"required"`
	BaseURL               string  `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKeyEnv             string  `json:"api_key_env" yaml:"api_key_env"`
	Organization          string  `json:"organization" yaml:"organization"`
	Project               string  `json:"project" yaml:"project"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" yaml:"request_timeout_seconds" validate:"gte=0"`
	SystemPrompt          string  `json:"system_prompt" yaml:"system_prompt"`
	Temperature           float64 `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens             int     `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	TopP                  float64 `json:"top_p" yaml:"top_p" validate:"gte=0,lte=1"`
}

// StreamingConfig holds the edit cadence of the delivery engine.
type StreamingConfig struct {
	EditIntervalMS        int `json:"edit_interval_ms" yaml:"edit_interval_ms" validate:"gte=0"`
	InitialTokenThreshold int `json:"initial_token_threshold" yaml:"initial_token_threshold" validate:"gte=1"`
	TypingIntervalMS      int `json:"typing_interval_ms" yaml:"typing_interval_ms" validate:"gte=0"`
	StallTimeoutMS        int `json:"stall_timeout_ms" yaml:"stall_timeout_ms" validate:"gte=0"`
	CancelGraceMS         int `json:"cancel_grace_ms" yaml:"cancel_grace_ms" validate:"gte=0"`
	HistoryLimit          int `json:"history_limit" yaml:"history_limit" validate:"gte=0"`
}

// RetrievalConfig selects the search backend used for context assembly.
type RetrievalConfig struct {
	Backend               string  `json:"backend" yaml:"backend" validate:"oneof=none http weaviate"`
	URL                   string  `json:"url" yaml:"url" validate:"required_unless=Backend none"`
	Route                 string  `json:"route" yaml:"route"`
	Collection            string  `json:"collection" yaml:"collection"`
	TextField             string  `json:"text_field" yaml:"text_field"`
	TopK                  int     `json:"top_k" yaml:"top_k" validate:"gte=0"`
	Alpha                 float64 `json:"alpha" yaml:"alpha" validate:"gte=0,lte=1"`
	SearchBy              string  `json:"search_by" yaml:"search_by"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds" yaml:"request_timeout_seconds" validate:"gte=0"`
}

// StoreConfig selects where conversation history is kept.
type StoreConfig struct {
	Driver      string `json:"driver" yaml:"driver" validate:"oneof=memory postgres"`
	DatabaseURL string `json:"database_url" yaml:"database_url" validate:"required_if=Driver postgres"`
	Schema      string `json:"schema" yaml:"schema"`
	MaxConns    int32  `json:"max_conns" yaml:"max_conns" validate:"gte=0"`
}

// SessionsConfig controls the optional idle session sweeper.
type SessionsConfig struct {
	IdleTTLMinutes int    `json:"idle_ttl_minutes" yaml:"idle_ttl_minutes" validate:"gte=0"`
	SweepSchedule  string `json:"sweep_schedule" yaml:"sweep_schedule"`
}

// DispatchConfig tunes outbound retry and rate-limit behavior.
type DispatchConfig struct {
	MaxRetries          int     `json:"max_retries" yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryDelayMS        int     `json:"retry_delay_ms" yaml:"retry_delay_ms" validate:"gte=0"`
	DefaultBackoffMS    int     `json:"default_backoff_ms" yaml:"default_backoff_ms" validate:"gte=0"`
	GlobalRatePerSecond float64 `json:"global_rate_per_second" yaml:"global_rate_per_second" validate:"gte=0"`
	GlobalBurst         int     `json:"global_burst" yaml:"global_burst" validate:"gte=0"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

func (s StreamingConfig) EditInterval() time.Duration {
	return time.Duration(s.EditIntervalMS) * time.Millisecond
}

func (s StreamingConfig) TypingInterval() time.Duration {
	return time.Duration(s.TypingIntervalMS) * time.Millisecond
}

func (s StreamingConfig) StallTimeout() time.Duration {
	return time.Duration(s.StallTimeoutMS) * time.Millisecond
}

func (s StreamingConfig) CancelGrace() time.Duration {
	return time.Duration(s.CancelGraceMS) * time.Millisecond
}

func (d DispatchConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelayMS) * time.Millisecond
}

func (d DispatchConfig) DefaultBackoff() time.Duration {
	return time.Duration(d.DefaultBackoffMS) * time.Millisecond
}

func (s SessionsConfig) IdleTTL() time.Duration {
	return time.Duration(s.IdleTTLMinutes) * time.Minute
}

// LoadConfig resolves the config file, unmarshals it over Default(), and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFile(configPath)
}

// LoadFile reads one config file; the decoder is picked by extension.
func LoadFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.normalize()

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if mode := strings.TrimSpace(os.Getenv(envTelegramBotMode)); mode != "" {
		cfg.Telegram.Mode = mode
	}

	if webhookURL := strings.TrimSpace(os.Getenv(envTelegramWebhook)); webhookURL != "" {
		cfg.Telegram.WebhookURL = webhookURL
	}

	if databaseURL := strings.TrimSpace(os.Getenv(envDatabaseURL)); databaseURL != "" {
		cfg.Store.DatabaseURL = databaseURL
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is STREAMBRIDGE_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config.yaml"),
		filepath.Join(cwd, "config", "config.json"),
		filepath.Join(cwd, "config", "config.yaml"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config file not found (checked %s)", strings.Join(candidates, ", "))
}
