package trawl

import (
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// --- TokenTracker ---

// TokenTracker accumulates per-tool token usage for one request and answers
// the budget question the scheduler asks every iteration.
type TokenTracker struct {
	mu     sync.Mutex
	byTool map[string]Usage
	budget int
}

// NewTokenTracker creates a tracker with the given token budget.
func NewTokenTracker(budget int) *TokenTracker {
	return &TokenTracker{byTool: make(map[string]Usage), budget: budget}
}

// Track records usage attributed to a tool. When the provider reported no
// usage, callers should estimate first via EstimateTokens.
func (t *TokenTracker) Track(tool string, u Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.byTool[tool]
	e.Add(u)
	t.byTool[tool] = e
}

// Total returns the total tokens consumed so far.
func (t *TokenTracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int
	for _, u := range t.byTool {
		total += u.Total()
	}
	return total
}

// Budget returns the configured token budget.
func (t *TokenTracker) Budget() int { return t.budget }

// budgetReserve is the fraction of the budget held back for the forced-answer
// terminal call.
const budgetReserve = 0.15

// OverBudget reports whether the main loop must stop. The remaining reserve
// stays available for the terminal call.
func (t *TokenTracker) OverBudget() bool {
	return float64(t.Total()) >= float64(t.budget)*(1-budgetReserve)
}

// Breakdown returns a copy of the per-tool usage map.
func (t *TokenTracker) Breakdown() map[string]Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Usage, len(t.byTool))
	for k, v := range t.byTool {
		out[k] = v
	}
	return out
}

// --- Token estimation ---

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens in text with the cl100k_base encoding. Used
// when an upstream response carries no usage numbers. Falls back to a
// chars/4 heuristic if the encoding cannot be loaded.
func EstimateTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// --- ActionTracker ---

// ActionTracker is the event source for scheduler steps. It is an unbounded
// FIFO with exactly one consumer (the stream channel); Track never blocks the
// scheduler.
type ActionTracker struct {
	mu     sync.Mutex
	queue  []StepEvent
	notify chan struct{}
	closed bool
}

// NewActionTracker creates an empty tracker.
func NewActionTracker() *ActionTracker {
	return &ActionTracker{notify: make(chan struct{}, 1)}
}

// TrackAction publishes a full step event.
func (t *ActionTracker) TrackAction(step int, action *StepAction) {
	t.push(StepEvent{Kind: EventStep, Step: step, Action: action, At: time.Now()})
}

// TrackThink publishes free-form progress text.
func (t *ActionTracker) TrackThink(step int, text string) {
	if text == "" {
		return
	}
	t.push(StepEvent{Kind: EventThink, Step: step, Think: text, At: time.Now()})
}

func (t *ActionTracker) push(ev StepEvent) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.queue = append(t.queue, ev)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Next pops the oldest pending event, blocking until one arrives, the tracker
// closes, or done is closed. The second return is false when no more events
// will ever arrive.
func (t *ActionTracker) Next(done <-chan struct{}) (StepEvent, bool) {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			ev := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			return ev, true
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return StepEvent{}, false
		}
		select {
		case <-t.notify:
		case <-done:
			return StepEvent{}, false
		}
	}
}

// Drain discards all pending events. Used by the stream channel's
// drain-and-finalize preemption.
func (t *ActionTracker) Drain() {
	t.mu.Lock()
	t.queue = nil
	t.mu.Unlock()
}

// Close marks the tracker finished; Next returns false once the queue is
// empty. Track calls after Close are dropped.
func (t *ActionTracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}
