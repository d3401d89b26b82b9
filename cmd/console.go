package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"streambridge/pkg/config"
	"streambridge/pkg/dispatch"
	"streambridge/pkg/engine"
	"streambridge/pkg/logger"
	"streambridge/pkg/provider"
	"streambridge/pkg/retrieval"
	"streambridge/pkg/store"
	"streambridge/pkg/ui/chat"
)

var consoleDemo bool

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the engine in the terminal",
	Long:  "Drives the streaming delivery engine against an in-process chat, so replies can be watched growing edit by edit without Telegram.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args
		return runConsole(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().BoolVar(&consoleDemo, "demo", false, "answer with a built-in demo model instead of the configured provider")
}

func runConsole(ctx context.Context) error {
	cfg, err := consoleConfig()
	if err != nil {
		return err
	}

	model, retriever, info, err := consoleBackends(cfg)
	if err != nil {
		return err
	}

	console := chat.NewConsole()
	dispatcher := dispatch.New(console, dispatch.Options{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		RetryDelay:     cfg.Dispatch.RetryDelay(),
		DefaultBackoff: cfg.Dispatch.DefaultBackoff(),
		Logger:         logger.Discard(),
	})

	// Logs would draw over the terminal UI.
	opts := engine.OptionsFromConfig(cfg)
	opts.Logger = logger.Discard()
	eng, err := engine.New(engine.Deps{
		Model:     model,
		Outbound:  dispatcher,
		Retriever: retriever,
		History:   store.NewMemory(0),
		Events:    console,
	}, opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Close(closeCtx)
	}()

	return chat.Run(ctx, console, eng, info)
}

// consoleConfig loads the config file. Demo mode runs on defaults when there is none.
func consoleConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		if !consoleDemo {
			return nil, fmt.Errorf("load config: %w", err)
		}
		defaults := config.Default()
		return &defaults, nil
	}

	if !consoleDemo {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func consoleBackends(cfg *config.Config) (engine.Model, retrieval.Retriever, chat.RuntimeInfo, error) {
	if consoleDemo {
		return chat.DemoModel{}, retrieval.Noop{}, chat.RuntimeInfo{Provider: "demo", Model: "demo", Retrieval: "none"}, nil
	}

	client, err := provider.New(cfg.Model)
	if err != nil {
		return nil, nil, chat.RuntimeInfo{}, fmt.Errorf("initialize provider: %w", err)
	}
	retriever, err := retrieval.New(cfg.Retrieval)
	if err != nil {
		return nil, nil, chat.RuntimeInfo{}, fmt.Errorf("initialize retrieval: %w", err)
	}

	return client, retriever, chat.RuntimeInfo{
		Provider:  cfg.Model.Provider,
		Model:     cfg.Model.Model,
		Retrieval: cfg.Retrieval.Backend,
	}, nil
}
