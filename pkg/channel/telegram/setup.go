package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"

	"streambridge/pkg/bus"
	"streambridge/pkg/config"
)

// Command is one entry of the bot's command menu.
type Command struct {
	Name        string
	Description string
}

// Register publishes the command menu and points Telegram at the chosen ingress: setWebhook in
// webhook mode when a public URL is configured, deleteWebhook in polling mode so getUpdates is
// permitted.
func Register(ctx context.Context, api API, cfg config.TelegramConfig, mode bus.IngressMode, commands []Command, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "channel.telegram")

	if len(commands) > 0 {
		botCommands := make([]telego.BotCommand, 0, len(commands))
		for _, command := range commands {
			botCommands = append(botCommands, telego.BotCommand{Command: command.Name, Description: command.Description})
		}
		if err := api.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: botCommands}); err != nil {
			return fmt.Errorf("set bot commands: %w", err)
		}
	}

	switch mode {
	case bus.ModeWebhook:
		url := strings.TrimSpace(cfg.WebhookURL)
		if url == "" {
			log.Info("No webhook URL configured, leaving webhook registration unchanged")
			return nil
		}
		if err := api.SetWebhook(ctx, &telego.SetWebhookParams{
			URL:            url,
			SecretToken:    cfg.WebhookSecret,
			AllowedUpdates: []string{"message"},
		}); err != nil {
			return fmt.Errorf("set webhook: %w", err)
		}
		log.Info("Registered webhook", "url", url)
	case bus.ModePolling:
		if err := api.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
			return fmt.Errorf("delete webhook: %w", err)
		}
		log.Info("Removed webhook for long polling")
	}

	return nil
}
