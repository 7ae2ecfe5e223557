// Package brave implements trawl.SearchProvider via the Brave web search API.
package brave

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	trawl "github.com/nevindra/trawl"
)

const defaultCount = 10

// Client queries the Brave search API.
type Client struct {
	apiKey     string
	httpClient *http.Client
	count      int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. The default carries a 30s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCount sets results per query (default 10).
func WithCount(n int) Option {
	return func(c *Client) { c.count = n }
}

// New creates a Brave search client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		count:      defaultCount,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search performs one web search and returns the normalized results.
func (c *Client) Search(ctx context.Context, query string) ([]trawl.SearchResult, error) {
	u := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), c.count)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &trawl.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: trawl.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"age"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse error: %w", err)
	}

	results := make([]trawl.SearchResult, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		results = append(results, trawl.SearchResult{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Description,
			Date:        r.Age,
		})
	}
	return results, nil
}

var _ trawl.SearchProvider = (*Client)(nil)
