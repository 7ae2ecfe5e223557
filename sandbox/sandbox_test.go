package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	trawl "github.com/nevindra/trawl"
)

type stubGen struct {
	raw json.RawMessage
	err error
	req trawl.GenerateRequest
}

func (g *stubGen) Name() string { return "stub" }

func (g *stubGen) GenerateObject(_ context.Context, req trawl.GenerateRequest) (trawl.GenerateResult, error) {
	g.req = req
	if g.err != nil {
		return trawl.GenerateResult{}, g.err
	}
	return trawl.GenerateResult{Raw: g.raw}, nil
}

func TestGenerate_ParsesSolution(t *testing.T) {
	gen := &stubGen{raw: json.RawMessage(`{"think":"sum the list","code":"console.log(1+2)"}`)}
	s := New(gen)

	out, err := s.generate(context.Background(), []trawl.ChatMessage{trawl.UserMessage("Problem:\nadd 1 and 2")})
	if err != nil {
		t.Fatal(err)
	}
	if out.Code != "console.log(1+2)" {
		t.Errorf("code = %q", out.Code)
	}
	if gen.req.Schema.Name != "code_solution" {
		t.Errorf("schema = %q", gen.req.Schema.Name)
	}
	if gen.req.System == "" {
		t.Error("system prompt missing")
	}
}

func TestGenerate_RejectsEmptyCode(t *testing.T) {
	gen := &stubGen{raw: json.RawMessage(`{"think":"hmm","code":"   "}`)}
	_, err := New(gen).generate(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for blank code")
	}
}

func TestKnowledgeContext(t *testing.T) {
	knowledge := []trawl.KnowledgeItem{
		{Type: trawl.KnowledgeQA, Question: "What is X?", Answer: "X is Y."},
		{Type: trawl.KnowledgeURL, Question: "ignored", Answer: strings.Repeat("page text ", 100)},
		{Type: trawl.KnowledgeCoding, Question: "Sort it?", Answer: "Use sort()."},
	}
	got := knowledgeContext(knowledge, []string{"https://a.com"})

	if !strings.Contains(got, "Q: What is X?") || !strings.Contains(got, "Q: Sort it?") {
		t.Errorf("QA items missing:\n%s", got)
	}
	if strings.Contains(got, "page text") {
		t.Error("raw page dump leaked into context")
	}
	if !strings.Contains(got, "https://a.com") {
		t.Error("known URLs missing")
	}
}

func TestKnowledgeContext_Empty(t *testing.T) {
	if got := knowledgeContext(nil, nil); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestCapWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &capWriter{buf: &buf, max: 10}

	n, err := w.Write([]byte("hello"))
	if n != 5 || err != nil {
		t.Fatalf("write = %d, %v", n, err)
	}
	n, err = w.Write([]byte("world!!!"))
	if n != 8 || err != nil {
		t.Fatalf("overflowing write = %d, %v", n, err)
	}
	if buf.String() != "helloworld" {
		t.Errorf("buffer = %q", buf.String())
	}
	// Past the cap everything is swallowed but reported written.
	n, err = w.Write([]byte("more"))
	if n != 4 || err != nil || buf.Len() != 10 {
		t.Errorf("post-cap write = %d, %v, len %d", n, err, buf.Len())
	}
}
