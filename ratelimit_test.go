package trawl

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type countingGen struct {
	calls int
	usage Usage
}

func (g *countingGen) Name() string { return "counting" }

func (g *countingGen) GenerateObject(_ context.Context, _ GenerateRequest) (GenerateResult, error) {
	g.calls++
	return GenerateResult{Raw: json.RawMessage(`{}`), Usage: g.usage}, nil
}

func TestWithRateLimit_NoLimitsPassThrough(t *testing.T) {
	stub := &countingGen{}
	gen := WithRateLimit(stub)
	for i := 0; i < 5; i++ {
		if _, err := gen.GenerateObject(context.Background(), GenerateRequest{}); err != nil {
			t.Fatal(err)
		}
	}
	if stub.calls != 5 {
		t.Errorf("got %d calls, want 5", stub.calls)
	}
}

func TestWithRateLimit_RPMBlocksOverBudget(t *testing.T) {
	stub := &countingGen{}
	gen := WithRateLimit(stub, RPM(2))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for i := 0; i < 2; i++ {
		if _, err := gen.GenerateObject(ctx, GenerateRequest{}); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	// Third request exceeds the minute window; it must block until the
	// context expires.
	if _, err := gen.GenerateObject(ctx, GenerateRequest{}); err == nil {
		t.Fatal("expected context deadline while waiting for budget")
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRateLimit_TPMSoftLimit(t *testing.T) {
	stub := &countingGen{usage: Usage{InputTokens: 60, OutputTokens: 40}}
	gen := WithRateLimit(stub, TPM(100))

	// First request is under budget and records 100 tokens.
	if _, err := gen.GenerateObject(context.Background(), GenerateRequest{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// Budget is now spent; the next request blocks.
	if _, err := gen.GenerateObject(ctx, GenerateRequest{}); err == nil {
		t.Fatal("expected context deadline while waiting for token budget")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRateLimit_NameDelegates(t *testing.T) {
	gen := WithRateLimit(&countingGen{}, RPM(1))
	if gen.Name() != "counting" {
		t.Errorf("Name = %q", gen.Name())
	}
}
