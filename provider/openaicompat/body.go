package openaicompat

import (
	trawl "github.com/nevindra/trawl"
)

// BuildBody converts trawl ChatMessages plus a schema into an OpenAI-format
// ChatRequest. System text goes in as role:"system"; user messages carrying
// images become multimodal content blocks.
func BuildBody(req trawl.GenerateRequest, model string, opts ...Option) ChatRequest {
	var msgs []Message

	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		if len(m.Images) == 0 {
			msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
			continue
		}
		var blocks []ContentBlock
		if m.Content != "" {
			blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
		}
		for _, img := range m.Images {
			blocks = append(blocks, ContentBlock{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: img},
			})
		}
		msgs = append(msgs, Message{Role: m.Role, Content: blocks})
	}

	out := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	// Structured output: enforce JSON response matching the schema.
	if len(req.Schema.Def) > 0 {
		out.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   req.Schema.Name,
				Schema: req.Schema.Def,
				Strict: true,
			},
		}
	}

	for _, opt := range opts {
		opt(&out)
	}
	return out
}
