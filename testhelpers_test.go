package trawl

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

// scriptedGen is a test ObjectGenerator that dispatches on the requested
// schema name. Tests install a respond func and inspect the recorded calls.
type scriptedGen struct {
	mu      sync.Mutex
	calls   []string // schema names in call order
	usage   Usage
	respond func(req GenerateRequest) (json.RawMessage, error)
}

func (g *scriptedGen) Name() string { return "scripted" }

func (g *scriptedGen) GenerateObject(_ context.Context, req GenerateRequest) (GenerateResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Schema.Name)
	g.mu.Unlock()
	raw, err := g.respond(req)
	if err != nil {
		return GenerateResult{}, err
	}
	return GenerateResult{Raw: raw, Usage: g.usage}, nil
}

// callCount returns how many generations requested the named schema.
func (g *scriptedGen) callCount(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == name {
			n++
		}
	}
	return n
}

var _ ObjectGenerator = (*scriptedGen)(nil)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

// noCriteriaPick is the criterion-selection verdict enabling nothing beyond
// the unconditional strict check.
func noCriteriaPick(t *testing.T) json.RawMessage {
	t.Helper()
	return mustJSON(t, map[string]any{
		"think":             "simple question",
		"needsDefinitive":   false,
		"needsFreshness":    false,
		"needsPlurality":    false,
		"needsAttribution":  false,
		"needsCompleteness": false,
	})
}

func passingVerdict(t *testing.T) json.RawMessage {
	t.Helper()
	return mustJSON(t, map[string]any{
		"think":            "looks good",
		"pass":             true,
		"improvement_plan": "",
	})
}

// --- collaborator stubs ---

type stubSearch struct {
	mu      sync.Mutex
	queries []string
	results []SearchResult
	err     error
}

func (s *stubSearch) Search(_ context.Context, query string) ([]SearchResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	return s.results, s.err
}

var _ SearchProvider = (*stubSearch)(nil)

type stubFetcher struct {
	mu      sync.Mutex
	fetched []string
	pages   map[string]Page
	err     error
}

func (f *stubFetcher) Fetch(_ context.Context, url string) (Page, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	f.mu.Unlock()
	if f.err != nil {
		return Page{}, f.err
	}
	return f.pages[url], nil
}

func (f *stubFetcher) LastModified(_ context.Context, _ string) (string, error) {
	return "", nil
}

var _ Fetcher = (*stubFetcher)(nil)

type stubSandbox struct {
	solution CodeSolution
	err      error
	issues   []string
}

func (s *stubSandbox) Solve(_ context.Context, issue string, _ []KnowledgeItem, _ []string) (CodeSolution, error) {
	s.issues = append(s.issues, issue)
	return s.solution, s.err
}

var _ CodeSandbox = (*stubSandbox)(nil)
