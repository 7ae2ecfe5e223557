package server

import (
	"encoding/json"
	"testing"
)

func strContent(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func TestResolveBudget_EffortMapping(t *testing.T) {
	cases := []struct {
		effort   string
		budget   int
		attempts int
	}{
		{"low", budgetLow, 1},
		{"medium", budgetMedium, 1},
		{"", budgetMedium, 1},
		{"high", budgetHigh, 2},
	}
	for _, c := range cases {
		b, a := resolveBudget(ChatCompletionRequest{ReasoningEffort: c.effort})
		if b != c.budget || a != c.attempts {
			t.Errorf("effort %q: got (%d, %d), want (%d, %d)", c.effort, b, a, c.budget, c.attempts)
		}
	}
}

func TestResolveBudget_OverridesWin(t *testing.T) {
	b, a := resolveBudget(ChatCompletionRequest{
		ReasoningEffort:     "high",
		MaxCompletionTokens: 50_000,
		MaxAttempts:         4,
	})
	if b != 50_000 || a != 4 {
		t.Errorf("got (%d, %d)", b, a)
	}

	// budget_tokens beats max_completion_tokens.
	b, _ = resolveBudget(ChatCompletionRequest{
		MaxCompletionTokens: 50_000,
		BudgetTokens:        75_000,
	})
	if b != 75_000 {
		t.Errorf("budget = %d, want budget_tokens to win", b)
	}
}

func TestToAgentRequest_StripsAssistantThinking(t *testing.T) {
	req := ChatCompletionRequest{Messages: []APIMessage{
		{Role: "user", Content: strContent("first question")},
		{Role: "assistant", Content: strContent("<think>internal\nreasoning</think>the answer")},
		{Role: "user", Content: strContent("follow-up")},
	}}

	agentReq, err := toAgentRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if got := agentReq.Messages[1].Content; got != "the answer" {
		t.Errorf("assistant content = %q, want thinking stripped", got)
	}
	if agentReq.Messages[0].Content != "first question" {
		t.Errorf("user content = %q", agentReq.Messages[0].Content)
	}
}

func TestToAgentRequest_EmptyMessages(t *testing.T) {
	if _, err := toAgentRequest(ChatCompletionRequest{}); err == nil {
		t.Error("empty messages must be rejected")
	}
}

func TestFlattenContent_String(t *testing.T) {
	text, images, err := flattenContent(strContent("plain text"))
	if err != nil {
		t.Fatal(err)
	}
	if text != "plain text" || len(images) != 0 {
		t.Errorf("got %q, %v", text, images)
	}
}

func TestFlattenContent_Parts(t *testing.T) {
	raw := json.RawMessage(`[
		{"type":"text","text":"look at this"},
		{"type":"image_url","image_url":{"url":"https://img.example/x.png"}},
		{"type":"text","text":"what is it?"}
	]`)
	text, images, err := flattenContent(raw)
	if err != nil {
		t.Fatal(err)
	}
	if text != "look at this\nwhat is it?" {
		t.Errorf("text = %q", text)
	}
	if len(images) != 1 || images[0] != "https://img.example/x.png" {
		t.Errorf("images = %v", images)
	}
}

func TestFlattenContent_Invalid(t *testing.T) {
	if _, _, err := flattenContent(json.RawMessage(`42`)); err == nil {
		t.Error("numeric content must be rejected")
	}
}
