package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	trawl "github.com/nevindra/trawl"
)

// OpenAIEmbedding implements EmbeddingProvider against the OpenAI-compatible
// /embeddings endpoint.
type OpenAIEmbedding struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIEmbedding creates an embedding client. baseURL is the API base
// (e.g. "https://api.openai.com/v1"); the /embeddings path is appended.
func NewOpenAIEmbedding(apiKey, model, baseURL string) *OpenAIEmbedding {
	return &OpenAIEmbedding{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Name returns "openai".
func (e *OpenAIEmbedding) Name() string { return "openai" }

// Embed embeds all texts in one batch request.
func (e *OpenAIEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, &trawl.ErrLLM{Provider: "openai", Message: "marshal embed body: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, &trawl.ErrLLM{Provider: "openai", Message: "create embed request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &trawl.ErrLLM{Provider: "openai", Message: "embed request failed: " + err.Error()}
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

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &trawl.ErrLLM{Provider: "openai", Message: "parse embed response: " + err.Error()}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &trawl.ErrLLM{Provider: "openai", Message: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Data))}
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, &trawl.ErrLLM{Provider: "openai", Message: "embedding index out of range"}
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

var _ EmbeddingProvider = (*OpenAIEmbedding)(nil)
