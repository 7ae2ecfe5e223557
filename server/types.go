// Package server exposes the research agent behind an OpenAI-compatible
// chat completions endpoint, with SSE streaming of thinking progress.
package server

import (
	"encoding/json"

	trawl "github.com/nevindra/trawl"
)

// --- Request types ---

// ChatCompletionRequest is the POST /v1/chat/completions body. Messages
// follow the OpenAI shape; the remaining fields steer the research loop.
type ChatCompletionRequest struct {
	Model    string       `json:"model"`
	Messages []APIMessage `json:"messages"`
	Stream   bool         `json:"stream,omitempty"`

	ReasoningEffort     string `json:"reasoning_effort,omitempty"` // low | medium | high
	MaxCompletionTokens int    `json:"max_completion_tokens,omitempty"`
	BudgetTokens        int    `json:"budget_tokens,omitempty"`
	MaxAttempts         int    `json:"max_attempts,omitempty"`

	NoDirectAnswer  bool     `json:"no_direct_answer,omitempty"`
	MaxReturnedURLs int      `json:"max_returned_urls,omitempty"`
	BoostHostnames  []string `json:"boost_hostnames,omitempty"`
	BadHostnames    []string `json:"bad_hostnames,omitempty"`
	OnlyHostnames   []string `json:"only_hostnames,omitempty"`

	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat mirrors the OpenAI response_format field.
type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// APIMessage is one conversation turn. Content is either a string or an
// array of typed parts (text, image_url).
type APIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentPart is one element of an array-form message content.
type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

// --- Response types ---

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *UsageBlock `json:"usage,omitempty"`

	VisitedURLs []string `json:"visitedURLs,omitempty"`
	ReadURLs    []string `json:"readURLs,omitempty"`
	NumURLs     int      `json:"numURLs,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int          `json:"index"`
	Message      *DeltaBlock  `json:"message,omitempty"`
	Delta        *DeltaBlock  `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// DeltaBlock is the message/delta payload, extended beyond OpenAI's with a
// type discriminator, a URL field for visit progress, and citations.
type DeltaBlock struct {
	Role        string       `json:"role,omitempty"`
	Type        string       `json:"type,omitempty"` // think | text | json | error
	Content     string       `json:"content,omitempty"`
	URL         string       `json:"url,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Annotation attaches a citation to content.
type Annotation struct {
	Type        string      `json:"type"` // "url_citation"
	URLCitation URLCitation `json:"url_citation"`
}

// URLCitation is one cited source.
type URLCitation struct {
	Title      string `json:"title,omitempty"`
	ExactQuote string `json:"exactQuote,omitempty"`
	URL        string `json:"url"`
	DateTime   string `json:"dateTime,omitempty"`
}

// UsageBlock mirrors the OpenAI usage object.
type UsageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one SSE data frame.
type ChatCompletionChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"` // "chat.completion.chunk"
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`

	Usage       *UsageBlock `json:"usage,omitempty"`
	VisitedURLs []string    `json:"visitedURLs,omitempty"`
	ReadURLs    []string    `json:"readURLs,omitempty"`
	NumURLs     int         `json:"numURLs,omitempty"`
}

// errorBody is the non-streaming error response.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func citations(refs []trawl.Reference) []Annotation {
	if len(refs) == 0 {
		return nil
	}
	out := make([]Annotation, 0, len(refs))
	for _, r := range refs {
		out = append(out, Annotation{
			Type: "url_citation",
			URLCitation: URLCitation{
				Title:      r.Title,
				ExactQuote: r.ExactQuote,
				URL:        r.URL,
				DateTime:   r.DateTime,
			},
		})
	}
	return out
}

func usageBlock(u trawl.Usage) *UsageBlock {
	return &UsageBlock{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.Total(),
	}
}
