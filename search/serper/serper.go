// Package serper implements trawl.SearchProvider via the Serper.dev Google
// search API.
package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	trawl "github.com/nevindra/trawl"
)

const endpoint = "https://google.serper.dev/search"

// Client queries the Serper search API.
type Client struct {
	apiKey     string
	httpClient *http.Client
	num        int
	gl         string // country code
	hl         string // language code
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. The default carries a 30s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithNum sets results per query (default 10).
func WithNum(n int) Option {
	return func(c *Client) { c.num = n }
}

// WithLocale sets the country and language codes sent with every query.
func WithLocale(gl, hl string) Option {
	return func(c *Client) { c.gl, c.hl = gl, hl }
}

// New creates a Serper search client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		num:        10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search performs one web search and returns the normalized results.
func (c *Client) Search(ctx context.Context, query string) ([]trawl.SearchResult, error) {
	body := map[string]any{"q": query, "num": c.num}
	if c.gl != "" {
		body["gl"] = c.gl
	}
	if c.hl != "" {
		body["hl"] = c.hl
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &trawl.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(b),
			RetryAfter: trawl.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var data struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
			Date    string `json:"date"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("serper parse error: %w", err)
	}

	results := make([]trawl.SearchResult, 0, len(data.Organic))
	for _, r := range data.Organic {
		results = append(results, trawl.SearchResult{
			Title:       r.Title,
			URL:         r.Link,
			Description: r.Snippet,
			Date:        r.Date,
		})
	}
	return results, nil
}

var _ trawl.SearchProvider = (*Client)(nil)
