package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"streambridge/pkg/bus"
	"streambridge/pkg/channel"
	"streambridge/pkg/config"
)

func gatewayConfig() *config.Config {
	cfg := config.Default()
	cfg.Telegram.Token = "123:abc"
	cfg.Telegram.WebhookURL = "https://bot.example.com/webhook"
	cfg.Telegram.WebhookSecret = "s3cret"
	cfg.Model.Model = "gpt-test"
	return &cfg
}

func TestPrepareGatewayResolvesMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configMode string
		flag       string
		want       bus.IngressMode
	}{
		{name: "config", configMode: "polling", want: bus.ModePolling},
		{name: "flag overrides config", configMode: "polling", flag: "webhook", want: bus.ModeWebhook},
		{name: "flag is case insensitive", configMode: "webhook", flag: " POLLING ", want: bus.ModePolling},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := gatewayConfig()
			cfg.Telegram.Mode = tt.configMode

			got, err := prepareGateway(cfg, tt.flag)
			if err != nil {
				t.Fatalf("prepareGateway returned error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode = %q, want %q", got, tt.want)
			}
			if cfg.Telegram.Mode != string(tt.want) {
				t.Fatalf("cfg.Telegram.Mode = %q, want %q", cfg.Telegram.Mode, tt.want)
			}
		})
	}
}

func TestPrepareGatewayRejectsInvalidMode(t *testing.T) {
	t.Parallel()

	_, err := prepareGateway(gatewayConfig(), "carrier-pigeon")
	if !errors.Is(err, channel.ErrInvalidMode) {
		t.Fatalf("error = %v, want ErrInvalidMode", err)
	}
}

func TestPrepareGatewayRequiresToken(t *testing.T) {
	t.Parallel()

	cfg := gatewayConfig()
	cfg.Telegram.Token = ""
	if _, err := prepareGateway(cfg, "polling"); err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestLoadConfigUsesFlagPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	content := "model:\n  provider: openai\n  model: gpt-from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	previous := configPath
	configPath = path
	t.Cleanup(func() { configPath = previous })

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Model.Model != "gpt-from-file" {
		t.Fatalf("model = %q, want %q", cfg.Model.Model, "gpt-from-file")
	}
}
