package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"streambridge/pkg/config"
	providertypes "streambridge/pkg/provider/types"
)

type Client struct {
	client         osdk.Client
	model          string
	requestTimeout time.Duration
}

func New(cfg config.ModelConfig, extra ...option.RequestOption) (*Client, error) {
	apiKey := resolveAPIKey(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, errors.New("model.api_key_env is required or OPENAI_API_KEY must be set")
	}

	model, err := normalizeModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}
	opts = append(opts, extra...)

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          model,
		requestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Stream opens a chat completion stream. The request timeout bounds the whole stream.
func (c *Client) Stream(ctx context.Context, req providertypes.Request) (providertypes.DeltaStream, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("prompt is required")
	}

	streamCtx, cancel := c.withTimeout(ctx)
	log := providerLogger().With("operation", "stream", "model", c.model)
	log.Debug("provider request started", "messages", len(req.Messages))

	stream := c.client.Chat.Completions.NewStreaming(streamCtx, buildParams(c.model, req))
	if err := stream.Err(); err != nil {
		cancel()
		_ = stream.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	return &deltaStream{stream: stream, cancel: cancel, startedAt: time.Now(), log: log}, nil
}

func buildParams(model string, req providertypes.Request) osdk.ChatCompletionNewParams {
	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, message := range req.Messages {
		switch message.Role {
		case providertypes.RoleSystem:
			messages = append(messages, osdk.SystemMessage(message.Content))
		case providertypes.RoleAssistant:
			messages = append(messages, osdk.AssistantMessage(message.Content))
		default:
			messages = append(messages, osdk.UserMessage(message.Content))
		}
	}

	params := osdk.ChatCompletionNewParams{
		Model:    osdk.ChatModel(model),
		Messages: messages,
	}
	if req.Params.Temperature > 0 {
		params.Temperature = osdk.Float(req.Params.Temperature)
	}
	if req.Params.MaxTokens > 0 {
		params.MaxCompletionTokens = osdk.Int(int64(req.Params.MaxTokens))
	}
	if req.Params.TopP > 0 {
		params.TopP = osdk.Float(req.Params.TopP)
	}

	return params
}

type deltaStream struct {
	stream    *ssestream.Stream[osdk.ChatCompletionChunk]
	cancel    context.CancelFunc
	startedAt time.Time
	log       *slog.Logger

	closeOnce sync.Once
	received  int
}

func (s *deltaStream) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", ctxErr
				}
				s.log.Debug("provider request failed", "duration_ms", time.Since(s.startedAt).Milliseconds(), "error", err)
				return "", fmt.Errorf("stream failed: %w", err)
			}
			s.log.Debug("provider request completed", "duration_ms", time.Since(s.startedAt).Milliseconds(), "deltas", s.received)
			return "", io.EOF
		}

		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}

		s.received++
		return chunk.Choices[0].Delta.Content, nil
	}
}

func (s *deltaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.stream.Close()
	})
	return err
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(apiKeyEnv string) string {
	if apiKeyEnv = strings.TrimSpace(apiKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
