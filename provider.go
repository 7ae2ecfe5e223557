package trawl

import "context"

// ObjectGenerator abstracts the LLM backend. It is the only collaborator the
// core depends on semantically: every decision in the loop is one structured
// generation constrained to a JSON schema.
type ObjectGenerator interface {
	// GenerateObject returns raw JSON conforming to req.Schema.
	GenerateObject(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}

// SearchProvider abstracts the web search backend.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Fetcher retrieves and extracts page content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
	// LastModified probes a URL for its last-modified metadata. Returns an
	// empty string when the server exposes none.
	LastModified(ctx context.Context, url string) (string, error)
}

// Reranker scores candidate documents against a question. Scores are in
// [0, 1] and positionally aligned with docs.
type Reranker interface {
	Rerank(ctx context.Context, question string, docs []string) ([]float64, error)
}

// CodeSandbox generates and executes code to solve a self-contained issue.
type CodeSandbox interface {
	Solve(ctx context.Context, issue string, knowledge []KnowledgeItem, urls []string) (CodeSolution, error)
}
