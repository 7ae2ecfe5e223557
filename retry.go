package trawl

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryGenerator wraps an ObjectGenerator and automatically retries transient
// HTTP errors (status 429 Too Many Requests and 503 Service Unavailable) with
// exponential backoff.
type retryGenerator struct {
	inner       ObjectGenerator
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryGenerator.
type RetryOption func(*retryGenerator)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryGenerator) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryGenerator) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. The
// zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryGenerator) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, final failures at ERROR. Default: no output.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryGenerator) { r.logger = l }
}

// WithRetry wraps gen with automatic retry on transient HTTP errors (429,
// 503). Retries use exponential backoff with jitter; when the error carries a
// Retry-After duration, the delay is at least that long. Compose with any
// ObjectGenerator:
//
//	gen = trawl.WithRetry(openaicompat.New(apiKey, model, baseURL))
//	gen = trawl.WithRetry(gen, trawl.RetryMaxAttempts(5))
func WithRetry(gen ObjectGenerator, opts ...RetryOption) ObjectGenerator {
	r := &retryGenerator{
		inner:       gen,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner generator.
func (r *retryGenerator) Name() string { return r.inner.Name() }

// GenerateObject implements ObjectGenerator with retry.
func (r *retryGenerator) GenerateObject(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if r.timeout > 0 {
		deadline := time.Now().Add(r.timeout)
		if existing, ok := ctx.Deadline(); !ok || deadline.Before(existing) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
	}

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		result, err := r.inner.GenerateObject(ctx, req)
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return GenerateResult{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", last)
	return GenerateResult{}, last
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > backoff {
		return e.RetryAfter
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time check
var _ ObjectGenerator = (*retryGenerator)(nil)
