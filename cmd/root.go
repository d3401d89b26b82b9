package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"streambridge/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "streambridge",
	Short: "Stream model replies into chats as live message edits",
	Long: "StreamBridge answers Telegram messages with a language model and shows the reply while it is " +
		"being written, by editing one message at a pace the platform accepts.",
	SilenceUsage: true,
}

// Execute runs the root command until it returns or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $STREAMBRIDGE_CONFIG, then ./config.json or ./config.yaml)")
}

func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.LoadFile(path)
	}
	return config.LoadConfig()
}
