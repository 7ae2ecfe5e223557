package trawl

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// queueGen returns pre-configured results in order.
type queueGen struct {
	calls   int
	results []queueResult
}

type queueResult struct {
	raw json.RawMessage
	err error
}

func (g *queueGen) Name() string { return "queue" }

func (g *queueGen) GenerateObject(_ context.Context, _ GenerateRequest) (GenerateResult, error) {
	i := g.calls
	g.calls++
	if i >= len(g.results) {
		return GenerateResult{}, nil
	}
	r := g.results[i]
	return GenerateResult{Raw: r.raw}, r.err
}

var _ ObjectGenerator = (*queueGen)(nil)

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	stub := &queueGen{results: []queueResult{
		{raw: json.RawMessage(`{"ok":true}`)},
	}}
	gen := WithRetry(stub, RetryBaseDelay(0))

	res, err := gen.GenerateObject(context.Background(), GenerateRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Raw) != `{"ok":true}` {
		t.Errorf("got %s", res.Raw)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_RetriesOn503(t *testing.T) {
	stub := &queueGen{results: []queueResult{
		{err: &ErrHTTP{Status: 503, Body: "unavailable"}},
		{raw: json.RawMessage(`{}`)},
	}}
	gen := WithRetry(stub, RetryBaseDelay(0))

	if _, err := gen.GenerateObject(context.Background(), GenerateRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_RetriesOn429(t *testing.T) {
	stub := &queueGen{results: []queueResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited"}},
		{raw: json.RawMessage(`{}`)},
	}}
	gen := WithRetry(stub, RetryBaseDelay(0))

	if _, err := gen.GenerateObject(context.Background(), GenerateRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_DoesNotRetryNonTransient(t *testing.T) {
	stub := &queueGen{results: []queueResult{
		{err: &ErrHTTP{Status: 500, Body: "internal error"}},
	}}
	gen := WithRetry(stub, RetryBaseDelay(0))

	if _, err := gen.GenerateObject(context.Background(), GenerateRequest{}); err == nil {
		t.Fatal("expected error, got nil")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry for 500)", stub.calls)
	}
}

func TestWithRetry_ExhaustsMaxAttempts(t *testing.T) {
	transient := queueResult{err: &ErrHTTP{Status: 503, Body: "unavailable"}}
	stub := &queueGen{results: []queueResult{transient, transient, transient, transient}}
	gen := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))

	if _, err := gen.GenerateObject(context.Background(), GenerateRequest{}); err == nil {
		t.Fatal("expected error after max attempts, got nil")
	}
	if stub.calls != 3 {
		t.Errorf("got %d calls, want 3", stub.calls)
	}
}

func TestWithRetry_RespectsRetryAfter(t *testing.T) {
	// Server says wait 100ms via Retry-After. The retry must wait at least
	// that long even with base delay 0.
	stub := &queueGen{results: []queueResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		{raw: json.RawMessage(`{}`)},
	}}
	gen := WithRetry(stub, RetryBaseDelay(0))

	start := time.Now()
	if _, err := gen.GenerateObject(context.Background(), GenerateRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("retry was too fast: %v, expected at least ~100ms from Retry-After", elapsed)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_TimeoutExceeded(t *testing.T) {
	// Transient errors with 100ms Retry-After each; a 50ms overall timeout
	// must fire during the first wait.
	stub := &queueGen{results: []queueResult{
		{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		{err: &ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}},
		{raw: json.RawMessage(`{}`)},
	}}
	gen := WithRetry(stub, RetryBaseDelay(0), RetryTimeout(50*time.Millisecond))

	if _, err := gen.GenerateObject(context.Background(), GenerateRequest{}); err == nil {
		t.Fatal("expected error due to timeout, got nil")
	}
	if stub.calls > 2 {
		t.Errorf("got %d calls, expected at most 2 with 50ms timeout", stub.calls)
	}
}

func TestWithRetry_ContextCancelDuringBackoff(t *testing.T) {
	stub := &queueGen{results: []queueResult{
		{err: &ErrHTTP{Status: 503, RetryAfter: time.Second}},
		{raw: json.RawMessage(`{}`)},
	}}
	gen := WithRetry(stub, RetryBaseDelay(0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gen.GenerateObject(ctx, GenerateRequest{})
	if err == nil {
		t.Fatal("expected context error")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}
