package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	trawl "github.com/nevindra/trawl"
)

// stubGen drives the agent down the trivial direct-answer path.
type stubGen struct {
	answer string
}

func (g *stubGen) Name() string { return "stub" }

func (g *stubGen) GenerateObject(_ context.Context, req trawl.GenerateRequest) (trawl.GenerateResult, error) {
	var raw []byte
	switch req.Schema.Name {
	case "evaluation_criteria":
		raw, _ = json.Marshal(map[string]any{
			"think":             "simple",
			"needsDefinitive":   false,
			"needsFreshness":    false,
			"needsPlurality":    false,
			"needsAttribution":  false,
			"needsCompleteness": false,
		})
	default:
		raw, _ = json.Marshal(map[string]any{
			"action": "answer", "think": "replying directly", "answer": g.answer,
		})
	}
	return trawl.GenerateResult{Raw: raw, Usage: trawl.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func newTestServer(answer string) *Server {
	agent := trawl.New(&stubGen{answer: answer}, trawl.WithStepSleep(0))
	return New(agent, WithTypingSpeed(time.Microsecond))
}

func TestHealthEndpoint(t *testing.T) {
	ts := httptest.NewServer(newTestServer("x").Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestChatCompletions_Sync(t *testing.T) {
	ts := httptest.NewServer(newTestServer("Paris.").Handler())
	defer ts.Close()

	body := `{"model":"trawl","messages":[{"role":"user","content":"capital of France?"}]}`
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("choices = %d", len(out.Choices))
	}
	choice := out.Choices[0]
	if choice.Message == nil || choice.Message.Content != "Paris." {
		t.Errorf("message = %+v", choice.Message)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish_reason = %q", choice.FinishReason)
	}
	if out.Usage == nil || out.Usage.TotalTokens == 0 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if !strings.HasPrefix(out.ID, "chatcmpl-") {
		t.Errorf("id = %q", out.ID)
	}
}

func TestChatCompletions_BadRequest(t *testing.T) {
	ts := httptest.NewServer(newTestServer("x").Handler())
	defer ts.Close()

	for _, body := range []string{`not json`, `{"messages":[]}`} {
		resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestChatCompletions_Stream(t *testing.T) {
	ts := httptest.NewServer(newTestServer("Streamed answer.").Handler())
	defer ts.Close()

	body := `{"model":"trawl","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)

	if !strings.Contains(text, "data: ") {
		t.Fatal("no SSE frames in response")
	}
	if !strings.Contains(text, `"chat.completion.chunk"`) {
		t.Error("chunk object type missing")
	}
	if !strings.Contains(text, "\\u003cthink\\u003e") && !strings.Contains(text, "<think>") {
		t.Error("opening think tag missing")
	}
	if !strings.Contains(text, `"finish_reason":"thinking_end"`) {
		t.Error("thinking_end frame missing")
	}
	if !strings.Contains(text, "Streamed answer.") {
		t.Error("final answer missing")
	}
	if !strings.Contains(text, `"finish_reason":"stop"`) {
		t.Error("stop frame missing")
	}
	if !strings.HasSuffix(strings.TrimSpace(text), "data: [DONE]") {
		t.Errorf("stream must end with [DONE], tail: %q", text[max(0, len(text)-80):])
	}
}
