package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	trawl "github.com/nevindra/trawl"
)

// sseWriter serializes chat.completion.chunk frames onto one SSE response.
// All writes happen from the single chunk-consuming goroutine.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
	created int64
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher, model string) *sseWriter {
	return &sseWriter{
		w:       w,
		flusher: flusher,
		id:      "chatcmpl-" + trawl.NewID(),
		model:   model,
		created: time.Now().Unix(),
	}
}

func (s *sseWriter) chunk(choice Choice) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []Choice{choice},
	}
}

func (s *sseWriter) send(c ChatCompletionChunk) {
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

// writeOpening emits the role chunk with the opening think marker.
func (s *sseWriter) writeOpening() {
	s.send(s.chunk(Choice{
		Delta: &DeltaBlock{Role: "assistant", Type: "think", Content: "<think>"},
	}))
}

func (s *sseWriter) writeThink(text string) {
	if text == "" {
		return
	}
	s.send(s.chunk(Choice{
		Delta: &DeltaBlock{Type: "think", Content: text},
	}))
}

// writeURL announces a page visit as a think delta carrying the URL.
func (s *sseWriter) writeURL(url string) {
	s.send(s.chunk(Choice{
		Delta: &DeltaBlock{Type: "think", URL: url},
	}))
}

func (s *sseWriter) writeThinkingEnd() {
	s.send(s.chunk(Choice{
		Delta:        &DeltaBlock{Type: "think", Content: "</think>\n\n"},
		FinishReason: "thinking_end",
	}))
}

// writeFinal emits the answer chunk with citations and request statistics.
func (s *sseWriter) writeFinal(answer string, refs []trawl.Reference, res *trawl.Result) {
	c := s.chunk(Choice{
		Delta: &DeltaBlock{
			Type:        "text",
			Content:     answer,
			Annotations: citations(refs),
		},
		FinishReason: "stop",
	})
	c.Usage = usageBlock(res.Usage)
	c.VisitedURLs = res.VisitedURLs
	c.ReadURLs = res.ReadURLs
	c.NumURLs = len(res.AllURLs)
	s.send(c)
}

// writeErrorChunk closes the stream with an error delta. The opening think
// span was already closed by the preceding thinking_end chunk.
func (s *sseWriter) writeErrorChunk(msg string) {
	s.send(s.chunk(Choice{
		Delta:        &DeltaBlock{Type: "error", Content: msg},
		FinishReason: "error",
	}))
}

func (s *sseWriter) writeDone() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
