// Package search implements the web_search tool on top of a SearXNG
// instance.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/tools"
)

const (
	defaultCount = 5
	maxCount     = 10
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Provider runs a query against some search backend.
type Provider interface {
	Search(ctx context.Context, query string, count int) ([]Result, error)
}

// SearXNG queries the JSON API of a SearXNG instance.
type SearXNG struct {
	baseURL string
	client  *http.Client
}

// NewSearXNG returns a provider rooted at baseURL
// (for example http://localhost:8888).
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search implements Provider.
func (s *SearXNG) Search(ctx context.Context, query string, count int) ([]Result, error) {
	q := url.Values{"q": {query}, "format": {"json"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}
	if err := httpkit.CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	out := make([]Result, 0, min(count, len(sr.Results)))
	for _, r := range sr.Results {
		if len(out) == count {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

// Tool exposes p as the web_search capability.
func Tool(p Provider) tools.Capability {
	return &tools.Tool{
		Name:        "web_search",
		Description: "Search the web and return the top results with title, URL and snippet.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Number of results, 1-10. Default 5.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return nil, errors.New("query is required")
			}
			return p.Search(ctx, query, clampCount(args["count"]))
		},
	}
}

// clampCount accepts the JSON number forms a model may send.
func clampCount(v any) int {
	var n int
	switch c := v.(type) {
	case float64:
		n = int(c)
	case int:
		n = c
	case int64:
		n = int(c)
	}
	if n <= 0 {
		return defaultCount
	}
	return min(n, maxCount)
}
