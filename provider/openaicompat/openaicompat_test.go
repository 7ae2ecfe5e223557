package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	trawl "github.com/nevindra/trawl"
)

type verdict struct {
	Pass  bool   `json:"pass" jsonschema:"required"`
	Think string `json:"think" jsonschema:"required"`
}

func TestBuildBody(t *testing.T) {
	req := trawl.GenerateRequest{
		System: "be terse",
		Messages: []trawl.ChatMessage{
			trawl.UserMessage("hello"),
			{Role: "user", Content: "look at this", Images: []string{"data:image/png;base64,AAAA"}},
		},
		Schema: trawl.MustSchema("verdict", &verdict{}),
	}

	body := BuildBody(req, "gpt-4.1", WithTemperature(0.2), WithSeed(7))
	if body.Model != "gpt-4.1" {
		t.Errorf("model = %q", body.Model)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("got %d messages", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "be terse" {
		t.Errorf("system message = %+v", body.Messages[0])
	}
	blocks, ok := body.Messages[2].Content.([]ContentBlock)
	if !ok || len(blocks) != 2 {
		t.Fatalf("image message content = %#v", body.Messages[2].Content)
	}
	if blocks[0].Type != "text" || blocks[1].Type != "image_url" || blocks[1].ImageURL.URL == "" {
		t.Errorf("blocks = %+v", blocks)
	}
	if body.ResponseFormat == nil || body.ResponseFormat.Type != "json_schema" {
		t.Fatalf("response_format = %+v", body.ResponseFormat)
	}
	if body.ResponseFormat.JSONSchema.Name != "verdict" || !body.ResponseFormat.JSONSchema.Strict {
		t.Errorf("json_schema = %+v", body.ResponseFormat.JSONSchema)
	}
	if body.Temperature == nil || *body.Temperature != 0.2 || body.Seed == nil || *body.Seed != 7 {
		t.Errorf("options not applied: temp=%v seed=%v", body.Temperature, body.Seed)
	}
}

func TestBuildBody_NoSchema(t *testing.T) {
	body := BuildBody(trawl.GenerateRequest{Messages: []trawl.ChatMessage{trawl.UserMessage("hi")}}, "m")
	if body.ResponseFormat != nil {
		t.Errorf("response_format = %+v, want nil", body.ResponseFormat)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		resp    ChatResponse
		wantRaw string
		wantErr bool
	}{
		{
			name: "plain json",
			resp: ChatResponse{Choices: []Choice{{Message: &ChoiceMessage{Content: `{"pass":true}`}}}},

			wantRaw: `{"pass":true}`,
		},
		{
			name: "fenced json",
			resp: ChatResponse{Choices: []Choice{{Message: &ChoiceMessage{
				Content: "```json\n{\"pass\":false}\n```",
			}}}},
			wantRaw: `{"pass":false}`,
		},
		{
			name:    "no choices",
			resp:    ChatResponse{},
			wantErr: true,
		},
		{
			name:    "refusal",
			resp:    ChatResponse{Choices: []Choice{{Message: &ChoiceMessage{Refusal: "cannot"}}}},
			wantErr: true,
		},
		{
			name:    "invalid json",
			resp:    ChatResponse{Choices: []Choice{{Message: &ChoiceMessage{Content: "sure thing!"}}}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResponse("test", tt.resp)
			if tt.wantErr {
				var le *trawl.ErrLLM
				if !errors.As(err, &le) {
					t.Fatalf("got %v, want ErrLLM", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if string(got.Raw) != tt.wantRaw {
				t.Errorf("raw = %s", got.Raw)
			}
		})
	}
}

func TestParseResponse_Usage(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{{Message: &ChoiceMessage{Content: `{}`}}},
		Usage:   &Usage{PromptTokens: 11, CompletionTokens: 4},
	}
	got, err := ParseResponse("test", resp)
	if err != nil {
		t.Fatal(err)
	}
	if got.Usage.InputTokens != 11 || got.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", got.Usage)
	}
}

func TestStripFence(t *testing.T) {
	tests := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := stripFence(tt.in); got != tt.want {
			t.Errorf("stripFence(%q) = %q", tt.in, got)
		}
	}
}

func TestGenerateObject(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		var body ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Model != "gpt-4.1" || body.ResponseFormat == nil {
			t.Errorf("request body = %+v", body)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"pass\":true,\"think\":\"ok\"}"}}],"usage":{"prompt_tokens":20,"completion_tokens":8}}`))
	}))
	defer ts.Close()

	c := New("sk-test", "gpt-4.1", ts.URL)
	res, err := c.GenerateObject(context.Background(), trawl.GenerateRequest{
		Messages: []trawl.ChatMessage{trawl.UserMessage("judge this")},
		Schema:   trawl.MustSchema("verdict", &verdict{}),
	})
	if err != nil {
		t.Fatal(err)
	}
	var v verdict
	if err := json.Unmarshal(res.Raw, &v); err != nil {
		t.Fatal(err)
	}
	if !v.Pass {
		t.Error("pass not decoded")
	}
	if res.Usage.InputTokens != 20 || res.Usage.OutputTokens != 8 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestGenerateObject_HTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := New("k", "m", ts.URL).GenerateObject(context.Background(), trawl.GenerateRequest{})
	var he *trawl.ErrHTTP
	if !errors.As(err, &he) {
		t.Fatalf("got %v, want ErrHTTP", err)
	}
	if he.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d", he.Status)
	}
}

func TestName(t *testing.T) {
	if got := New("k", "m", "u").Name(); got != "openai" {
		t.Errorf("default name = %q", got)
	}
	if got := New("k", "m", "u", WithName("groq")).Name(); got != "groq" {
		t.Errorf("custom name = %q", got)
	}
}
