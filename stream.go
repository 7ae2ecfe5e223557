package trawl

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

// ChunkType identifies the kind of user-visible stream chunk.
type ChunkType string

const (
	// ChunkThink carries a paced fragment of "thinking" progress text.
	ChunkThink ChunkType = "think"
	// ChunkURL announces a URL about to be visited.
	ChunkURL ChunkType = "url"
	// ChunkThinkingEnd marks the end of all thinking output.
	ChunkThinkingEnd ChunkType = "thinking-end"
	// ChunkAnswer carries the final answer.
	ChunkAnswer ChunkType = "answer"
	// ChunkError carries a fatal error surfaced mid-stream.
	ChunkError ChunkType = "error"
)

// Chunk is one ordered unit of stream output.
type Chunk struct {
	Type       ChunkType
	Text       string
	URL        string
	Step       int
	References []Reference
}

// StreamChannel consumes ActionTracker events and emits user-visible chunks
// in step order, pacing think text like natural typing. It is the single
// consumer of the tracker; chunks never interleave.
type StreamChannel struct {
	tracker *ActionTracker
	out     chan Chunk
	speed   time.Duration

	streaming atomic.Bool // false after client disconnect: dump, don't pace

	mu        sync.Mutex
	final     *Chunk // pending terminal chunk (answer or error)
	preempt   chan struct{}
	preempted bool
}

// StreamOption configures a StreamChannel.
type StreamOption func(*StreamChannel)

// WithTypingSpeed sets the base delay unit for the natural-typing pacer
// (default 12ms). Tests use a tiny value.
func WithTypingSpeed(d time.Duration) StreamOption {
	return func(s *StreamChannel) { s.speed = d }
}

// NewStreamChannel creates a channel consuming the given tracker.
func NewStreamChannel(tracker *ActionTracker, opts ...StreamOption) *StreamChannel {
	s := &StreamChannel{
		tracker: tracker,
		out:     make(chan Chunk, 64),
		speed:   12 * time.Millisecond,
		preempt: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.streaming.Store(true)
	return s
}

// Chunks returns the ordered output stream. It is closed after the terminal
// chunk (or after drain when the scheduler finishes without one).
func (s *StreamChannel) Chunks() <-chan Chunk { return s.out }

// Disconnect tells the channel the client is gone: the current item dumps its
// remaining text in one write and pacing stops for the rest of the request.
func (s *StreamChannel) Disconnect() { s.streaming.Store(false) }

// Finalize preempts the channel with the terminal answer: the in-flight item
// flushes at once, pending queue items are discarded, a thinking-end marker
// is emitted, then the answer chunk.
func (s *StreamChannel) Finalize(answer string, refs []Reference, step int) {
	s.terminate(Chunk{Type: ChunkAnswer, Text: answer, References: refs, Step: step})
}

// Fail preempts the channel with a terminal error chunk.
func (s *StreamChannel) Fail(msg string, step int) {
	s.terminate(Chunk{Type: ChunkError, Text: msg, Step: step})
}

func (s *StreamChannel) terminate(c Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preempted {
		return
	}
	s.preempted = true
	s.final = &c
	close(s.preempt)
}

// Run consumes tracker events until the tracker closes or the channel is
// finalized, then closes the output stream. Call in its own goroutine; it is
// the only sender on Chunks().
func (s *StreamChannel) Run(ctx context.Context) {
	defer close(s.out)
	for {
		ev, ok := s.tracker.Next(s.preempt)
		if !ok {
			break
		}
		s.emitEvent(ctx, ev)
		if s.isPreempted() {
			break
		}
	}
	s.tracker.Drain()

	s.mu.Lock()
	final := s.final
	s.mu.Unlock()
	if final != nil {
		s.send(ctx, Chunk{Type: ChunkThinkingEnd, Step: final.Step})
		s.send(ctx, *final)
	}
}

func (s *StreamChannel) isPreempted() bool {
	select {
	case <-s.preempt:
		return true
	default:
		return false
	}
}

// emitEvent converts one tracker event into chunks. Visit actions emit one
// url chunk per target before any think text.
func (s *StreamChannel) emitEvent(ctx context.Context, ev StepEvent) {
	think := ev.Think
	if ev.Kind == EventStep && ev.Action != nil {
		think = ev.Action.Think
		if ev.Action.Action == ActionVisit {
			for _, u := range ev.Action.VisitedURLs {
				s.send(ctx, Chunk{Type: ChunkURL, URL: u, Step: ev.Step})
			}
		}
	}
	if think == "" {
		return
	}
	s.streamThink(ctx, think, ev.Step)
}

// streamThink paces one think string through the natural-typing generator.
// When preempted or disconnected mid-item, the remaining text is flushed in a
// single write.
func (s *StreamChannel) streamThink(ctx context.Context, text string, step int) {
	frags := splitFragments(text)
	shortRun := 0
	for i, f := range frags {
		if !s.streaming.Load() || s.isPreempted() || ctx.Err() != nil {
			// Flush the rest at once.
			var rest strings.Builder
			for _, r := range frags[i:] {
				rest.WriteString(r.text)
			}
			s.send(ctx, Chunk{Type: ChunkThink, Text: rest.String(), Step: step})
			return
		}

		s.send(ctx, Chunk{Type: ChunkThink, Text: f.text, Step: step})

		// Burst mode: after three consecutive short fragments, halve delays
		// until a long fragment breaks the run.
		if len([]rune(f.text)) <= 4 {
			shortRun++
		} else {
			shortRun = 0
		}
		delay := s.fragmentDelay(f)
		if shortRun >= 3 {
			delay /= 2
		}
		if delay > 0 && i < len(frags)-1 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-s.preempt:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
			}
		}
	}
	// Trailing newline keeps consecutive think items readable.
	s.send(ctx, Chunk{Type: ChunkThink, Text: "\n\n", Step: step})
}

func (s *StreamChannel) send(ctx context.Context, c Chunk) {
	select {
	case s.out <- c:
	case <-ctx.Done():
	}
}

// --- natural-typing fragment generator ---

type fragClass int

const (
	fragWord fragClass = iota
	fragCapWord         // word with a leading capital (sentence feel)
	fragCJK             // single CJK codepoint
	fragURL             // full URL run, emitted at once
	fragPunct           // sentence-breaking punctuation
)

type fragment struct {
	text  string
	class fragClass
}

// fragmentDelay calibrates the pause after a fragment by its character class.
func (s *StreamChannel) fragmentDelay(f fragment) time.Duration {
	switch f.class {
	case fragCJK:
		return s.speed
	case fragURL:
		return s.speed
	case fragPunct:
		return s.speed * 6
	case fragCapWord:
		return s.speed * 3
	default:
		return s.speed * 2
	}
}

var punctBreaks = ".!?;:,"

// splitFragments tokenizes text into word-like fragments: URL runs stay
// whole, CJK codepoints split individually, everything else splits on words
// with trailing whitespace attached, with sentence punctuation as its own
// break fragment.
func splitFragments(text string) []fragment {
	var out []fragment

	// Carve out URL runs first so they stream as single fast fragments.
	spans := urlPattern.FindAllStringIndex(text, -1)
	pos := 0
	for _, span := range spans {
		out = append(out, splitWords(text[pos:span[0]])...)
		out = append(out, fragment{text: text[span[0]:span[1]], class: fragURL})
		pos = span[1]
	}
	out = append(out, splitWords(text[pos:])...)
	return out
}

func splitWords(text string) []fragment {
	var out []fragment
	var word []rune
	flush := func() {
		if len(word) == 0 {
			return
		}
		cls := fragWord
		if unicode.IsUpper(word[0]) {
			cls = fragCapWord
		}
		out = append(out, fragment{text: string(word), class: cls})
		word = word[:0]
	}
	for _, r := range text {
		switch {
		case isCJK(r):
			flush()
			out = append(out, fragment{text: string(r), class: fragCJK})
		case strings.ContainsRune(punctBreaks, r):
			flush()
			out = append(out, fragment{text: string(r), class: fragPunct})
		case unicode.IsSpace(r):
			// Attach whitespace to the preceding fragment so joining all
			// fragments reproduces the input exactly.
			if len(word) > 0 {
				word = append(word, r)
				flush()
			} else if n := len(out); n > 0 {
				out[n-1].text += string(r)
			} else {
				out = append(out, fragment{text: string(r), class: fragWord})
			}
		default:
			word = append(word, r)
		}
	}
	flush()
	return out
}

// isCJK reports whether r is a CJK codepoint (Han, Hiragana, Katakana,
// Hangul).
func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
