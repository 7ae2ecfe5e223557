package trawl

import (
	"fmt"
	"strconv"
	"time"
)

// ErrLLM reports a provider-level failure.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx upstream response. RetryAfter carries the parsed
// Retry-After header when the server sent one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrSchema reports that the LLM failed to produce output conforming to the
// requested schema after all retries.
type ErrSchema struct {
	SchemaName string
	Attempts   int
	Last       error
}

func (e *ErrSchema) Error() string {
	return fmt.Sprintf("schema %q: %d attempts failed: %v", e.SchemaName, e.Attempts, e.Last)
}

func (e *ErrSchema) Unwrap() error { return e.Last }

// ParseRetryAfter parses a Retry-After header value: either delay-seconds or
// an HTTP date. Returns 0 when the value is absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
