package trawl

import (
	"context"
	"sync"
	"time"
)

// rateLimitGenerator wraps an ObjectGenerator with proactive rate limiting.
// Requests are blocked until the rate budget allows them to proceed.
type rateLimitGenerator struct {
	inner ObjectGenerator
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitGenerator.
type RateLimitOption func(*rateLimitGenerator)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitGenerator) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// This is a soft limit — the request that exceeds the budget completes, but
// subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitGenerator) { r.tpm = n }
}

// WithRateLimit wraps gen with proactive rate limiting. Compose with other
// wrappers:
//
//	gen = trawl.WithRateLimit(gen, trawl.RPM(60))
//	gen = trawl.WithRateLimit(trawl.WithRetry(gen), trawl.RPM(60), trawl.TPM(100000))
func WithRateLimit(gen ObjectGenerator, opts ...RateLimitOption) ObjectGenerator {
	r := &rateLimitGenerator{inner: gen}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitGenerator) Name() string { return r.inner.Name() }

func (r *rateLimitGenerator) GenerateObject(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return GenerateResult{}, err
	}
	res, err := r.inner.GenerateObject(ctx, req)
	if err == nil {
		r.recordUsage(res.Usage)
	}
	return res, err
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitGenerator) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry in the blocking window expires.
		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitGenerator) recordUsage(u Usage) {
	if r.tpm <= 0 || u.Total() <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: u.Total()})
	r.mu.Unlock()
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ ObjectGenerator = (*rateLimitGenerator)(nil)
