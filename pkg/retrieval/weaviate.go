package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

const defaultTextField = "content"

type WeaviateOptions struct {
	URL       string
	Class     string
	TextField string
	Alpha     float64
	Timeout   time.Duration
}

// Weaviate runs hybrid (keyword + vector) queries against one class.
type Weaviate struct {
	client    *weaviate.Client
	class     string
	textField string
	alpha     float32
	timeout   time.Duration
}

func NewWeaviate(opts WeaviateOptions) (*Weaviate, error) {
	class := strings.TrimSpace(opts.Class)
	if class == "" {
		return nil, errors.New("retrieval.collection is required for weaviate")
	}

	scheme, host := splitURL(opts.URL)
	if host == "" {
		return nil, errors.New("retrieval.url is required")
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	textField := strings.TrimSpace(opts.TextField)
	if textField == "" {
		textField = defaultTextField
	}

	return &Weaviate{
		client:    client,
		class:     class,
		textField: textField,
		alpha:     float32(opts.Alpha),
		timeout:   opts.Timeout,
	}, nil
}

func (w *Weaviate) Search(ctx context.Context, query string, topK int) ([]Snippet, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	hybrid := w.client.GraphQL().HybridArgumentBuilder().
		WithQuery(query).
		WithAlpha(w.alpha)

	builder := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithFields(
			graphql.Field{Name: w.textField},
			graphql.Field{Name: "_additional { score }"},
		).
		WithHybrid(hybrid)
	if topK > 0 {
		builder = builder.WithLimit(topK)
	}

	result, err := builder.Do(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(ErrorTimeout, "hybrid search timed out", err)
		}
		return nil, newError(ErrorUnavailable, "hybrid search failed", err)
	}
	if len(result.Errors) > 0 {
		return nil, newError(ErrorQuery, result.Errors[0].Message, nil)
	}

	return parseHybridResult(result, w.class, w.textField), nil
}

func parseHybridResult(result *models.GraphQLResponse, class string, textField string) []Snippet {
	if result == nil {
		return nil
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}

	objects, ok := data[class].([]interface{})
	if !ok {
		return nil
	}

	snippets := make([]Snippet, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}

		text, _ := m[textField].(string)
		snippets = append(snippets, Snippet{Text: text, Score: additionalScore(m)})
	}

	return snippets
}

// additionalScore reads _additional.score, which weaviate reports as a string for hybrid queries.
func additionalScore(object map[string]interface{}) float64 {
	additional, ok := object["_additional"].(map[string]interface{})
	if !ok {
		return 0
	}

	switch score := additional["score"].(type) {
	case float64:
		return score
	case string:
		value, err := strconv.ParseFloat(score, 64)
		if err != nil {
			return 0
		}
		return value
	default:
		return 0
	}
}

func splitURL(raw string) (string, string) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "https", strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "http", strings.TrimPrefix(raw, "http://")
	default:
		return "http", raw
	}
}
