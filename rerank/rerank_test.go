package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	trawl "github.com/nevindra/trawl"
)

type stubEmbedding struct {
	vectors [][]float32
	err     error
	texts   []string
}

func (s *stubEmbedding) Name() string { return "stub" }

func (s *stubEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.texts = texts
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors, nil
}

func TestRerank_ScoresByCosine(t *testing.T) {
	emb := &stubEmbedding{vectors: [][]float32{
		{1, 0},  // question
		{1, 0},  // identical direction
		{0, 1},  // orthogonal
		{-1, 0}, // opposite
	}}
	scores, err := New(emb).Rerank(context.Background(), "q", []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 3 {
		t.Fatalf("got %d scores", len(scores))
	}
	want := []float64{1, 0.5, 0}
	for i, s := range scores {
		if math.Abs(s-want[i]) > 1e-9 {
			t.Errorf("score[%d] = %v, want %v", i, s, want[i])
		}
	}
	if len(emb.texts) != 4 || emb.texts[0] != "q" {
		t.Errorf("embedded texts = %v", emb.texts)
	}
}

func TestRerank_EmptyDocs(t *testing.T) {
	emb := &stubEmbedding{}
	scores, err := New(emb).Rerank(context.Background(), "q", nil)
	if err != nil || scores != nil {
		t.Errorf("got %v, %v", scores, err)
	}
	if emb.texts != nil {
		t.Error("embedding called for empty docs")
	}
}

func TestRerank_CountMismatch(t *testing.T) {
	emb := &stubEmbedding{vectors: [][]float32{{1, 0}}}
	_, err := New(emb).Rerank(context.Background(), "q", []string{"a", "b"})
	var le *trawl.ErrLLM
	if !errors.As(err, &le) {
		t.Fatalf("got %v, want ErrLLM", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("length mismatch: %v", got)
	}
	if got := cosineSimilarity([]float32{0, 0}, []float32{1, 1}); got != 0 {
		t.Errorf("zero vector: %v", got)
	}
	if got := cosineSimilarity([]float32{3, 0}, []float32{7, 0}); math.Abs(got-1) > 1e-9 {
		t.Errorf("parallel vectors: %v", got)
	}
}

func TestOpenAIEmbedding_Embed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Model != "text-embedding-3-small" || len(body.Input) != 2 {
			t.Errorf("body = %+v", body)
		}
		// Out of order on purpose; the client must honor the index field.
		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0.5,0.5]},
			{"index":0,"embedding":[1,0]}
		]}`))
	}))
	defer ts.Close()

	e := NewOpenAIEmbedding("sk-test", "text-embedding-3-small", ts.URL)
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 0.5 {
		t.Errorf("index ordering broken: %v", vecs)
	}
}

func TestOpenAIEmbedding_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := NewOpenAIEmbedding("k", "m", ts.URL).Embed(context.Background(), []string{"x"})
	var he *trawl.ErrHTTP
	if !errors.As(err, &he) {
		t.Fatalf("got %v, want ErrHTTP", err)
	}
	if he.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", he.Status)
	}
}

func TestOpenAIEmbedding_CountMismatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer ts.Close()

	_, err := NewOpenAIEmbedding("k", "m", ts.URL).Embed(context.Background(), []string{"x"})
	var le *trawl.ErrLLM
	if !errors.As(err, &le) {
		t.Fatalf("got %v, want ErrLLM", err)
	}
}
