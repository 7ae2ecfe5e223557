package openaicompat

import (
	"encoding/json"
	"fmt"
	"strings"

	trawl "github.com/nevindra/trawl"
)

// ParseResponse converts an OpenAI-format ChatResponse into a GenerateResult.
// The content must be a JSON object; models occasionally wrap it in a
// markdown fence, which is stripped before validation.
func ParseResponse(name string, resp ChatResponse) (trawl.GenerateResult, error) {
	var out trawl.GenerateResult

	if len(resp.Choices) == 0 {
		return out, &trawl.ErrLLM{Provider: name, Message: "response has no choices"}
	}
	choice := resp.Choices[0]
	if choice.Message == nil {
		return out, &trawl.ErrLLM{Provider: name, Message: "response choice has no message"}
	}
	if choice.Message.Refusal != "" {
		return out, &trawl.ErrLLM{Provider: name, Message: "model refused: " + choice.Message.Refusal}
	}

	raw := stripFence(choice.Message.Content)
	if !json.Valid([]byte(raw)) {
		return out, &trawl.ErrLLM{Provider: name, Message: fmt.Sprintf("response is not valid JSON: %.200s", raw)}
	}
	out.Raw = json.RawMessage(raw)

	if resp.Usage != nil {
		out.Usage = trawl.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// stripFence removes a surrounding ```json ... ``` fence if present.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
