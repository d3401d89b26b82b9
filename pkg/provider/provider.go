package provider

import (
	"context"
	"fmt"
	"log/slog"

	"streambridge/pkg/config"
	providerfantasy "streambridge/pkg/provider/fantasy"
	provideropenai "streambridge/pkg/provider/openai"
	providertypes "streambridge/pkg/provider/types"
)

// Streamer is the model backend consumed by the delivery engine.
type Streamer interface {
	Health(ctx context.Context) error
	Stream(ctx context.Context, req providertypes.Request) (providertypes.DeltaStream, error)
}

func New(cfg config.ModelConfig) (Streamer, error) {
	providerID := cfg.Provider
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID, "model", cfg.Model)

	switch providerID {
	case "openai":
		return provideropenai.New(cfg)
	case "fantasy":
		return providerfantasy.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}

// ParamsFromConfig maps configured sampling values onto a request.
func ParamsFromConfig(cfg config.ModelConfig) providertypes.Params {
	return providertypes.Params{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		TopP:        cfg.TopP,
	}
}
