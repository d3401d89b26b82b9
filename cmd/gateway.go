package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"streambridge/pkg/bus"
	"streambridge/pkg/channel"
	"streambridge/pkg/config"
	"streambridge/pkg/gateway"
	"streambridge/pkg/logger"
)

var gatewayMode string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the Telegram bot",
	Long:  "Runs StreamBridge against Telegram in webhook or polling mode, with health, readiness and metrics endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args
		return runGateway(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().StringVarP(&gatewayMode, "mode", "m", "", "ingress mode: webhook or polling (overrides telegram.mode)")
}

func runGateway(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mode, err := prepareGateway(cfg, gatewayMode)
	if err != nil {
		return err
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	log := appLogger.With("component", "cmd.gateway")

	svc, err := gateway.NewService(ctx, cfg, mode, appLogger)
	if err != nil {
		log.Error("Failed to initialize gateway service", "error", err)
		return err
	}

	log.Info("Gateway started", "mode", string(mode), "provider", cfg.Model.Provider, "model", cfg.Model.Model, "retrieval", cfg.Retrieval.Backend)
	if err := svc.Run(ctx); err != nil {
		log.Error("Gateway runtime failed", "error", err)
		return err
	}
	return nil
}

// prepareGateway resolves the ingress mode, with the flag taking precedence over the config
// file, and validates everything the gateway needs.
func prepareGateway(cfg *config.Config, modeFlag string) (bus.IngressMode, error) {
	raw := cfg.Telegram.Mode
	if modeFlag != "" {
		raw = modeFlag
	}

	mode, err := channel.ParseMode(raw)
	if err != nil {
		return "", err
	}
	cfg.Telegram.Mode = string(mode)

	if err := cfg.Validate(); err != nil {
		return "", err
	}
	if err := cfg.ValidateTelegram(); err != nil {
		return "", err
	}
	return mode, nil
}
