package server

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	trawl "github.com/nevindra/trawl"
)

// Budget mapping when max_completion_tokens is unset.
const (
	budgetLow    = 100_000
	budgetMedium = 500_000
	budgetHigh   = 1_000_000
)

var thinkSpan = regexp.MustCompile(`(?s)<think>.*?</think>`)

// toAgentRequest maps an API request onto a trawl.Request: budget and
// attempt resolution, <think> stripping from assistant turns, and image_url
// part mapping.
func toAgentRequest(req ChatCompletionRequest) (trawl.Request, error) {
	if len(req.Messages) == 0 {
		return trawl.Request{}, errors.New("messages must not be empty")
	}

	budget, attempts := resolveBudget(req)

	msgs := make([]trawl.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		text, images, err := flattenContent(m.Content)
		if err != nil {
			return trawl.Request{}, err
		}
		if m.Role == "assistant" {
			// Prior thinking traces are presentation, not conversation state.
			text = strings.TrimSpace(thinkSpan.ReplaceAllString(text, ""))
		}
		msgs = append(msgs, trawl.ChatMessage{Role: m.Role, Content: text, Images: images})
	}

	return trawl.Request{
		Messages:        msgs,
		TokenBudget:     budget,
		MaxBadAttempts:  attempts,
		BoostHostnames:  req.BoostHostnames,
		BadHostnames:    req.BadHostnames,
		OnlyHostnames:   req.OnlyHostnames,
		NoDirectAnswer:  req.NoDirectAnswer,
		MaxReturnedURLs: req.MaxReturnedURLs,
	}, nil
}

// resolveBudget applies the reasoning_effort mapping, then the explicit
// overrides.
func resolveBudget(req ChatCompletionRequest) (budget, attempts int) {
	switch req.ReasoningEffort {
	case "low":
		budget, attempts = budgetLow, 1
	case "high":
		budget, attempts = budgetHigh, 2
	default: // "medium" and unset
		budget, attempts = budgetMedium, 1
	}
	if req.MaxCompletionTokens > 0 {
		budget = req.MaxCompletionTokens
	}
	if req.BudgetTokens > 0 {
		budget = req.BudgetTokens
	}
	if req.MaxAttempts > 0 {
		attempts = req.MaxAttempts
	}
	return budget, attempts
}

// flattenContent accepts either a JSON string or an array of typed parts and
// returns the concatenated text plus any image URLs.
func flattenContent(raw json.RawMessage) (string, []string, error) {
	if len(raw) == 0 {
		return "", nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, errors.New("message content must be a string or an array of content parts")
	}

	var text strings.Builder
	var images []string
	for _, p := range parts {
		switch p.Type {
		case "text":
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(p.Text)
		case "image_url":
			if p.ImageURL != nil && p.ImageURL.URL != "" {
				images = append(images, p.ImageURL.URL)
			}
		}
	}
	return text.String(), images, nil
}
