package trawl

import (
	"context"
	"encoding/json"
	"testing"
)

func verdictJSON(t *testing.T, pass bool, think string) json.RawMessage {
	t.Helper()
	return mustJSON(t, map[string]any{"think": think, "pass": pass, "improvement_plan": "do better"})
}

func TestSelectCriteria_SeedsAttemptsAndAppendsStrict(t *testing.T) {
	gen := &scriptedGen{respond: func(GenerateRequest) (json.RawMessage, error) {
		return mustJSON(t, map[string]any{
			"think":             "time-sensitive",
			"needsDefinitive":   false,
			"needsFreshness":    true,
			"needsPlurality":    false,
			"needsAttribution":  false,
			"needsCompleteness": false,
		}), nil
	}}
	e := NewEvaluator(gen, nil, nil)

	criteria, err := e.SelectCriteria(context.Background(), "who won yesterday?", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(criteria) != 2 {
		t.Fatalf("got %d criteria: %+v", len(criteria), criteria)
	}
	if !HasCriterion(criteria, CriterionFreshness) {
		t.Error("freshness missing")
	}
	if !HasCriterion(criteria, CriterionStrict) {
		t.Error("strict must always be present")
	}
	for _, c := range criteria {
		if c.RemainingAttempts != 2 {
			t.Errorf("%s attempts = %d, want 2", c.Type, c.RemainingAttempts)
		}
	}
}

func TestEvaluate_ShortCircuitsOnFirstFailure(t *testing.T) {
	gen := &scriptedGen{respond: func(req GenerateRequest) (json.RawMessage, error) {
		if req.Schema.Name == "definitive_verdict" {
			return verdictJSON(t, false, "hedging"), nil
		}
		return verdictJSON(t, true, "fine"), nil
	}}
	e := NewEvaluator(gen, nil, nil)
	criteria := []EvaluationCriterion{
		{Type: CriterionDefinitive, RemainingAttempts: 2},
		{Type: CriterionStrict, RemainingAttempts: 2},
	}

	res, err := e.Evaluate(context.Background(), "q", &StepAction{Answer: "maybe"}, criteria, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass {
		t.Fatal("expected rejection")
	}
	if res.Type != CriterionDefinitive {
		t.Errorf("failing criterion = %s", res.Type)
	}
	if gen.callCount("strict_verdict") != 0 {
		t.Error("strict verdict must not run after a definitive failure")
	}
}

func TestEvaluate_AllPass(t *testing.T) {
	gen := &scriptedGen{respond: func(GenerateRequest) (json.RawMessage, error) {
		return verdictJSON(t, true, "fine"), nil
	}}
	e := NewEvaluator(gen, nil, nil)
	criteria := []EvaluationCriterion{
		{Type: CriterionDefinitive, RemainingAttempts: 2},
		{Type: CriterionStrict, RemainingAttempts: 2},
	}

	res, err := e.Evaluate(context.Background(), "q", &StepAction{Answer: "definitely"}, criteria, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass {
		t.Errorf("expected pass, got %+v", res)
	}
	if gen.callCount("definitive_verdict") != 1 || gen.callCount("strict_verdict") != 1 {
		t.Errorf("calls = %v", gen.calls)
	}
}

func TestEvaluate_SubQuestionOnlyDefinitive(t *testing.T) {
	gen := &scriptedGen{respond: func(GenerateRequest) (json.RawMessage, error) {
		return verdictJSON(t, true, "fine"), nil
	}}
	e := NewEvaluator(gen, nil, nil)

	res, err := e.Evaluate(context.Background(), "sub q", &StepAction{Answer: "a"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass {
		t.Errorf("got %+v", res)
	}
	if len(gen.calls) != 1 || gen.calls[0] != "definitive_verdict" {
		t.Errorf("calls = %v, want only the definitive check", gen.calls)
	}
}

func TestCheckAttribution_NoReferencesFailsWithoutLLM(t *testing.T) {
	gen := &scriptedGen{respond: func(GenerateRequest) (json.RawMessage, error) {
		t.Fatal("no generation expected")
		return nil, nil
	}}
	e := NewEvaluator(gen, nil, nil)
	criteria := []EvaluationCriterion{{Type: CriterionAttribution, RemainingAttempts: 2}}

	res, err := e.Evaluate(context.Background(), "q", &StepAction{Answer: "claim"}, criteria, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass || res.Type != CriterionAttribution {
		t.Errorf("got %+v", res)
	}
}

func TestCheckAttribution_QuoteNotInPageFails(t *testing.T) {
	gen := &scriptedGen{respond: func(GenerateRequest) (json.RawMessage, error) {
		t.Fatal("quote mismatch must short-circuit before the LLM")
		return nil, nil
	}}
	e := NewEvaluator(gen, nil, nil)
	criteria := []EvaluationCriterion{{Type: CriterionAttribution, RemainingAttempts: 2}}
	action := &StepAction{
		Answer:     "claim",
		References: []Reference{{URL: "https://example.com/a", ExactQuote: "never said this"}},
	}
	pageText := func(string) string { return "the page says something else entirely" }

	res, err := e.Evaluate(context.Background(), "q", action, criteria, pageText)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass || res.Type != CriterionAttribution {
		t.Errorf("got %+v", res)
	}
}

func TestCheckAttribution_QuoteMatchesThenLLMJudges(t *testing.T) {
	gen := &scriptedGen{respond: func(GenerateRequest) (json.RawMessage, error) {
		return verdictJSON(t, true, "supported"), nil
	}}
	e := NewEvaluator(gen, nil, nil)
	criteria := []EvaluationCriterion{{Type: CriterionAttribution, RemainingAttempts: 2}}
	action := &StepAction{
		Answer:     "claim",
		References: []Reference{{URL: "https://example.com/a", ExactQuote: "Go is expressive"}},
	}
	// Matching is whitespace and case insensitive.
	pageText := func(string) string { return "Indeed,  GO   IS\nexpressive and concise." }

	res, err := e.Evaluate(context.Background(), "q", action, criteria, pageText)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass {
		t.Errorf("got %+v", res)
	}
	if gen.callCount("attribution_verdict") != 1 {
		t.Errorf("calls = %v", gen.calls)
	}
}

func TestQuoteAppears_Folding(t *testing.T) {
	if !quoteAppears("Hello World", "prefix hello   world suffix") {
		t.Error("case and whitespace folding failed")
	}
	if quoteAppears("absent", "some text") {
		t.Error("false positive")
	}
}

func TestDecrementCriterion_RemovesAtZero(t *testing.T) {
	criteria := []EvaluationCriterion{
		{Type: CriterionStrict, RemainingAttempts: 1},
		{Type: CriterionFreshness, RemainingAttempts: 2},
	}
	out := decrementCriterion(criteria, CriterionStrict)
	if HasCriterion(out, CriterionStrict) {
		t.Error("exhausted criterion must be removed")
	}
	if !HasCriterion(out, CriterionFreshness) {
		t.Error("untouched criterion must survive")
	}

	out = decrementCriterion(out, CriterionFreshness)
	if !HasCriterion(out, CriterionFreshness) {
		t.Error("criterion with remaining attempts must survive")
	}
	if out[0].RemainingAttempts != 1 {
		t.Errorf("attempts = %d, want 1", out[0].RemainingAttempts)
	}
}
