// Package retrieval assembles search context for a user message before generation starts.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"streambridge/pkg/config"
)

// Snippet is one ranked search hit.
type Snippet struct {
	Text  string
	Score float64
}

// Retriever is the search backend boundary. Results are ordered best first.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]Snippet, error)
}

// Noop never returns context; it is used when no backend is configured.
type Noop struct{}

func (Noop) Search(context.Context, string, int) ([]Snippet, error) {
	return nil, nil
}

func New(cfg config.RetrievalConfig) (Retriever, error) {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second

	switch cfg.Backend {
	case "", "none":
		return Noop{}, nil
	case "http":
		return NewHTTPClient(HTTPOptions{
			BaseURL:    cfg.URL,
			Route:      cfg.Route,
			Collection: cfg.Collection,
			Alpha:      cfg.Alpha,
			SearchBy:   cfg.SearchBy,
			Timeout:    timeout,
		})
	case "weaviate":
		return NewWeaviate(WeaviateOptions{
			URL:       cfg.URL,
			Class:     cfg.Collection,
			TextField: cfg.TextField,
			Alpha:     cfg.Alpha,
			Timeout:   timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported retrieval backend: %s", cfg.Backend)
	}
}

// FormatContext renders snippets as numbered paragraphs ahead of the user message.
func FormatContext(snippets []Snippet) string {
	lines := make([]string, 0, len(snippets))
	for _, snippet := range snippets {
		text := strings.TrimSpace(snippet.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("PARAGRAPH %d: %s", len(lines)+1, text))
	}

	return strings.Join(lines, "\n")
}

// BuildUserPrompt joins retrieved context and the user's text.
func BuildUserPrompt(snippets []Snippet, text string) string {
	knowledge := FormatContext(snippets)
	if knowledge == "" {
		return text
	}

	return knowledge + "\n\n" + text
}
