package trawl

import (
	"context"
	"encoding/json"
	"log/slog"
)

// schemaRetries is how many extra attempts a structured generation gets when
// the LLM returns JSON that does not conform to the schema.
const schemaRetries = 2

// generateObject runs one structured generation and unmarshals the result
// into T, retrying on schema violations. Usage is tracked against the given
// tool name; when the provider reports no usage, output tokens are estimated
// from the raw response.
func generateObject[T any](ctx context.Context, gen ObjectGenerator, req GenerateRequest, tracker *TokenTracker, tool string, logger *slog.Logger) (T, error) {
	var out T
	var last error
	for attempt := 0; attempt <= schemaRetries; attempt++ {
		res, err := gen.GenerateObject(ctx, req)
		if err != nil {
			return out, err
		}
		trackUsage(tracker, tool, req, res)
		if err := json.Unmarshal(res.Raw, &out); err != nil {
			last = err
			logger.Warn("schema violation from llm",
				"schema", req.Schema.Name,
				"attempt", attempt+1,
				"error", err)
			continue
		}
		return out, nil
	}
	return out, &ErrSchema{SchemaName: req.Schema.Name, Attempts: schemaRetries + 1, Last: last}
}

func trackUsage(tracker *TokenTracker, tool string, req GenerateRequest, res GenerateResult) {
	if tracker == nil {
		return
	}
	u := res.Usage
	if u.Total() == 0 {
		u.InputTokens = EstimateTokens(req.System)
		for _, m := range req.Messages {
			u.InputTokens += EstimateTokens(m.Content)
		}
		u.OutputTokens = EstimateTokens(string(res.Raw))
	}
	tracker.Track(tool, u)
}
