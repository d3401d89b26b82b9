package config

import "strings"

const (
	defaultWebhookPath        = "/webhook"
	defaultPollTimeoutSeconds = 30
	defaultModelProvider      = "openai"
	defaultAPIKeyEnv          = "OPENAI_API_KEY"
	defaultSweepSchedule      = "@every 5m"
)

// Default returns the configuration every file is decoded on top of, so fields a file omits
// keep these values while explicit zeros (for example edit_interval_ms: 0) are preserved.
func Default() Config {
	return Config{
		Telegram: TelegramConfig{
			WebhookPath:        defaultWebhookPath,
			PollTimeoutSeconds: defaultPollTimeoutSeconds,
		},
		Model: ModelConfig{
			Provider:              defaultModelProvider,
			APIKeyEnv:             defaultAPIKeyEnv,
			RequestTimeoutSeconds: 120,
			Temperature:           0.7,
		},
		Streaming: StreamingConfig{
			EditIntervalMS:        1000,
			InitialTokenThreshold: 1,
			TypingIntervalMS:      5000,
			StallTimeoutMS:        60000,
			CancelGraceMS:         300,
			HistoryLimit:          10,
		},
		Retrieval: RetrievalConfig{
			Backend:               "none",
			Route:                 "searching",
			TextField:             "content",
			TopK:                  3,
			Alpha:                 0.8,
			SearchBy:              "hybrid",
			RequestTimeoutSeconds: 10,
		},
		Store: StoreConfig{
			Driver: "memory",
			Schema: "streambridge",
		},
		Sessions: SessionsConfig{
			SweepSchedule: defaultSweepSchedule,
		},
		Dispatch: DispatchConfig{
			MaxRetries:          3,
			RetryDelayMS:        500,
			DefaultBackoffMS:    1000,
			GlobalRatePerSecond: 30,
			GlobalBurst:         30,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
	}
}

// normalize trims free-form values and restores defaults for fields that must never be blank.
func (c *Config) normalize() {
	c.Telegram.Token = strings.TrimSpace(c.Telegram.Token)
	c.Telegram.Mode = strings.ToLower(strings.TrimSpace(c.Telegram.Mode))
	if strings.TrimSpace(c.Telegram.WebhookPath) == "" {
		c.Telegram.WebhookPath = defaultWebhookPath
	}

	c.Model.Provider = strings.ToLower(strings.TrimSpace(c.Model.Provider))
	if c.Model.Provider == "" {
		c.Model.Provider = defaultModelProvider
	}
	c.Model.Model = strings.TrimSpace(c.Model.Model)

	c.Retrieval.Backend = strings.ToLower(strings.TrimSpace(c.Retrieval.Backend))
	if c.Retrieval.Backend == "" {
		c.Retrieval.Backend = "none"
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}

	if strings.TrimSpace(c.Sessions.SweepSchedule) == "" {
		c.Sessions.SweepSchedule = defaultSweepSchedule
	}
}
