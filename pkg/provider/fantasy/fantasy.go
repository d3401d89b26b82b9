package fantasy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"sync"
	"time"

	core "charm.land/fantasy"
	provideropenai "charm.land/fantasy/providers/openai"

	"streambridge/pkg/config"
	providertypes "streambridge/pkg/provider/types"
)

type languageModelProvider interface {
	LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error)
}

type Client struct {
	provider       languageModelProvider
	requestTimeout time.Duration
	modelID        string
}

func New(cfg config.ModelConfig) (*Client, error) {
	apiKey := resolveAPIKey(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY must be set")
	}

	modelID, err := normalizeOpenAIModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	providerOptions := []provideropenai.Option{provideropenai.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		providerOptions = append(providerOptions, provideropenai.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(cfg.Organization); organization != "" {
		providerOptions = append(providerOptions, provideropenai.WithOrganization(organization))
	}
	if project := strings.TrimSpace(cfg.Project); project != "" {
		providerOptions = append(providerOptions, provideropenai.WithProject(project))
	}

	fantasyProvider, err := provideropenai.New(providerOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize fantasy openai provider: %w", err)
	}

	return &Client{
		provider:       fantasyProvider,
		requestTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		modelID:        modelID,
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.provider.LanguageModel(ctx, c.modelID); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	return nil
}

func (c *Client) Stream(ctx context.Context, req providertypes.Request) (providertypes.DeltaStream, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("prompt is required")
	}

	streamCtx, cancel := c.withTimeout(ctx)

	languageModel, err := c.provider.LanguageModel(streamCtx, c.modelID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("resolve language model: %w", err)
	}

	parts, err := languageModel.Stream(streamCtx, buildCall(req))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	next, stop := iter.Pull(iter.Seq[core.StreamPart](parts))
	return &deltaStream{next: next, stop: stop, cancel: cancel}, nil
}

func buildCall(req providertypes.Request) core.Call {
	prompt := make(core.Prompt, 0, len(req.Messages))
	for _, message := range req.Messages {
		switch message.Role {
		case providertypes.RoleSystem:
			prompt = append(prompt, textMessage(core.MessageRoleSystem, message.Content))
		case providertypes.RoleAssistant:
			prompt = append(prompt, textMessage(core.MessageRoleAssistant, message.Content))
		default:
			prompt = append(prompt, core.NewUserMessage(message.Content))
		}
	}

	call := core.Call{Prompt: prompt}
	if req.Params.MaxTokens > 0 {
		maxTokens := int64(req.Params.MaxTokens)
		call.MaxOutputTokens = &maxTokens
	}
	if req.Params.Temperature > 0 {
		temperature := req.Params.Temperature
		call.Temperature = &temperature
	}
	if req.Params.TopP > 0 {
		topP := req.Params.TopP
		call.TopP = &topP
	}

	return call
}

func textMessage(role core.MessageRole, text string) core.Message {
	return core.Message{
		Role: role,
		Content: []core.MessagePart{
			core.TextPart{Text: text},
		},
	}
}

// deltaStream adapts fantasy's push iterator into a pull stream.
type deltaStream struct {
	mu     sync.Mutex
	next   func() (core.StreamPart, bool)
	stop   func()
	cancel context.CancelFunc
	done   bool
}

func (s *deltaStream) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s.done {
			return "", io.EOF
		}

		part, ok := s.next()
		if !ok {
			s.done = true
			return "", io.EOF
		}

		switch part.Type {
		case core.StreamPartTypeTextDelta:
			if part.Delta == "" {
				continue
			}
			return part.Delta, nil
		case core.StreamPartTypeError:
			s.done = true
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			if part.Error == nil {
				return "", errors.New("stream failed")
			}
			return "", fmt.Errorf("stream failed: %w", part.Error)
		}
	}
}

// Close cancels the call first so a Next blocked in the provider returns, then releases the iterator.
func (s *deltaStream) Close() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.stop()
	return nil
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

func normalizeOpenAIModel(model string) (string, error) {
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
		return "", fmt.Errorf("model provider %q is not supported by fantasy openai provider", providerID)
	}

	return modelID, nil
}
