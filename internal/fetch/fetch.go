// Package fetch implements the web_fetch tool: download a page and
// reduce it to readable text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/tools"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxBytes int64 = 5 << 20
	DefaultMaxChars       = 10000
)

// Page is the extracted content of one URL.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages with bounded size.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// New returns a Fetcher whose extracted content is capped at maxChars
// runes (DefaultMaxChars when zero).
func New(maxChars int) *Fetcher {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		maxBytes: DefaultMaxBytes,
		maxChars: maxChars,
	}
}

// Fetch retrieves rawURL. A scheme-less URL is treated as https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if rawURL == "" {
		return nil, errors.New("url is required")
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 400 {
		return nil, &httpkit.StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	page := &Page{
		URL:         u.String(),
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}
	ct := strings.ToLower(page.ContentType)
	switch {
	case strings.Contains(ct, "html"):
		page.Title, page.Content = extract(body)
	case utf8.Valid(body):
		page.Content = string(body)
	default:
		page.Content = fmt.Sprintf("binary content (%s), %d bytes", page.ContentType, len(body))
	}

	if utf8.RuneCountInString(page.Content) > f.maxChars {
		page.Content = truncateRunes(page.Content, f.maxChars)
		page.Truncated = true
	}
	return page, nil
}

// Tool exposes the fetcher as the web_fetch capability.
func (f *Fetcher) Tool() tools.Capability {
	return &tools.Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its title and readable text content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute URL of the page to fetch.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			raw, _ := args["url"].(string)
			return f.Fetch(ctx, raw)
		},
	}
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
