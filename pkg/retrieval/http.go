package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRoute = "searching"

type HTTPOptions struct {
	BaseURL    string
	Route      string
	Collection string
	Alpha      float64
	SearchBy   string
	Timeout    time.Duration
	Client     *http.Client
}

// HTTPClient calls a search service exposing POST /{route}.
type HTTPClient struct {
	endpoint string
	opts     HTTPOptions
	client   *http.Client
}

type searchRequest struct {
	Text           string  `json:"text"`
	CollectionName string  `json:"collection_name,omitempty"`
	TopK           int     `json:"top_k"`
	Alpha          float64 `json:"alpha"`
	SearchBy       string  `json:"search_by,omitempty"`
}

type searchResponse struct {
	Docs []struct {
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"docs"`
}

func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("retrieval.url is required")
	}

	route := strings.Trim(strings.TrimSpace(opts.Route), "/")
	if route == "" {
		route = defaultRoute
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	return &HTTPClient{endpoint: base + "/" + route, opts: opts, client: client}, nil
}

func (c *HTTPClient) Search(ctx context.Context, query string, topK int) ([]Snippet, error) {
	payload, err := json.Marshal(searchRequest{
		Text:           query,
		CollectionName: c.opts.Collection,
		TopK:           topK,
		Alpha:          c.opts.Alpha,
		SearchBy:       c.opts.SearchBy,
	})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, newError(ErrorTimeout, "search request timed out", err)
		}
		return nil, newError(ErrorUnavailable, "search request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, newError(ErrorBadStatus, fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, newError(ErrorDecode, "invalid search response", err)
	}

	snippets := make([]Snippet, 0, len(decoded.Docs))
	for _, doc := range decoded.Docs {
		snippets = append(snippets, Snippet{Text: doc.Content, Score: doc.Score})
	}
	if topK > 0 && len(snippets) > topK {
		snippets = snippets[:topK]
	}

	return snippets, nil
}
