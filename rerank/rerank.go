// Package rerank scores candidate documents against a question by embedding
// both and ranking on cosine similarity. It implements trawl.Reranker on top
// of any EmbeddingProvider.
package rerank

import (
	"context"
	"math"

	trawl "github.com/nevindra/trawl"
)

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns one vector per input text, positionally aligned.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// Reranker ranks documents by embedding cosine similarity to the question.
type Reranker struct {
	embedding EmbeddingProvider
}

// New creates a Reranker around an embedding provider.
func New(embedding EmbeddingProvider) *Reranker {
	return &Reranker{embedding: embedding}
}

// Rerank embeds the question and every document in one batch and returns
// cosine similarities in [0, 1], positionally aligned with docs.
func (r *Reranker) Rerank(ctx context.Context, question string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	texts := make([]string, 0, 1+len(docs))
	texts = append(texts, question)
	texts = append(texts, docs...)

	embeddings, err := r.embedding.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(texts) {
		return nil, &trawl.ErrLLM{Provider: r.embedding.Name(), Message: "embedding count mismatch"}
	}

	queryVec := embeddings[0]
	scores := make([]float64, len(docs))
	for i := range docs {
		// Map cosine from [-1, 1] into [0, 1].
		scores[i] = (cosineSimilarity(queryVec, embeddings[i+1]) + 1) / 2
	}
	return scores, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ trawl.Reranker = (*Reranker)(nil)
