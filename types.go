package trawl

import (
	"encoding/json"
	"time"
)

// --- Conversation types ---

// ChatMessage is one turn of the incoming conversation. Content holds plain
// text; Images holds any image parts mapped from multimodal user turns.
type ChatMessage struct {
	Role    string   `json:"role"` // "system", "user", "assistant"
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // image URLs or data URIs
}

// UserMessage builds a user-role message.
func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

// SystemMessage builds a system-role message.
func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// Usage counts tokens consumed by a single LLM or tool interaction.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input + output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// --- References and knowledge ---

// Reference is a citation attached to an answer. URL is always stored in
// canonical form (see NormalizeURL).
type Reference struct {
	ExactQuote string `json:"exactQuote"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	DateTime   string `json:"dateTime,omitempty"`
}

// KnowledgeType classifies how a knowledge item was derived.
type KnowledgeType string

const (
	// KnowledgeQA is a question answered during the research loop.
	KnowledgeQA KnowledgeType = "qa"
	// KnowledgeSideInfo is a digest of search result snippets.
	KnowledgeSideInfo KnowledgeType = "side-info"
	// KnowledgeURL is the cleaned content of a visited page.
	KnowledgeURL KnowledgeType = "url"
	// KnowledgeCoding is the output of a sandbox code execution.
	KnowledgeCoding KnowledgeType = "coding"
	// KnowledgeChatHistory is context carried over from prior turns.
	KnowledgeChatHistory KnowledgeType = "chat-history"
)

// KnowledgeItem is one derived Q/A fact. Items are append-only for the
// lifetime of a request.
type KnowledgeItem struct {
	Question   string        `json:"question"`
	Answer     string        `json:"answer"`
	Type       KnowledgeType `json:"type"`
	References []Reference   `json:"references,omitempty"`
	Updated    string        `json:"updated,omitempty"`
	SourceCode string        `json:"source_code,omitempty"`
}

// --- Collaborator result types ---

// SearchResult is one entry returned by a search provider.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
	Date        string `json:"date,omitempty"`
}

// Page is the extracted content of a fetched URL.
type Page struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Content     string   `json:"content"`
	Date        string   `json:"date,omitempty"`
	Links       []string `json:"links,omitempty"`
}

// CodeSolution is the outcome of a sandbox run.
type CodeSolution struct {
	Code   string `json:"code"`
	Output string `json:"output"`
}

// --- Step events (ActionTracker → StreamChannel) ---

// StepEventKind identifies the kind of tracker event.
type StepEventKind string

const (
	// EventStep carries the action chosen for a scheduler step.
	EventStep StepEventKind = "step"
	// EventThink carries free-form progress text outside a full step.
	EventThink StepEventKind = "think"
)

// StepEvent is published by the scheduler for every step taken. The stream
// channel is the single subscriber.
type StepEvent struct {
	Kind   StepEventKind
	Step   int
	Action *StepAction // set for EventStep
	Think  string      // set for EventThink
	At     time.Time
}

// --- Structured generation plumbing ---

// Schema is a JSON schema handed to the LLM for structured output.
type Schema struct {
	Name string
	Def  json.RawMessage
}

// GenerateRequest asks the LLM for an object conforming to Schema.
type GenerateRequest struct {
	System   string
	Messages []ChatMessage
	Schema   Schema
}

// GenerateResult is the raw structured output plus usage.
type GenerateResult struct {
	Raw   json.RawMessage
	Usage Usage
}
