package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	trawl "github.com/nevindra/trawl"
)

// Client implements trawl.ObjectGenerator for any OpenAI-compatible API with
// json_schema structured output. It uses the shared helpers in this package
// (BuildBody, ParseResponse) for body building and response parsing.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithName overrides the provider name reported by Name (default "openai").
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// WithRequestOptions sets request options applied to every generation
// (temperature, max tokens, seed).
func WithRequestOptions(opts ...Option) ClientOption {
	return func(c *Client) { c.opts = append(c.opts, opts...) }
}

// New creates an OpenAI-compatible structured-output client.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func New(apiKey, model, baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// GenerateObject sends a structured-output chat request and returns the raw
// JSON conforming to req.Schema.
func (c *Client) GenerateObject(ctx context.Context, req trawl.GenerateRequest) (trawl.GenerateResult, error) {
	body := BuildBody(req, c.model, c.opts...)

	resp, err := c.sendHTTP(ctx, body)
	if err != nil {
		return trawl.GenerateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return trawl.GenerateResult{}, c.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return trawl.GenerateResult{}, &trawl.ErrLLM{Provider: c.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return ParseResponse(c.name, chatResp)
}

// sendHTTP marshals the request body and posts it to the chat completions
// endpoint.
func (c *Client) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &trawl.ErrLLM{Provider: c.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &trawl.ErrLLM{Provider: c.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &trawl.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: trawl.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ trawl.ObjectGenerator = (*Client)(nil)
