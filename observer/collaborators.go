package observer

import (
	"context"
	"time"

	trawl "github.com/nevindra/trawl"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedSearch wraps a trawl.SearchProvider with OTEL instrumentation.
type ObservedSearch struct {
	inner trawl.SearchProvider
	inst  *Instruments
}

// WrapSearch returns an instrumented search provider.
func WrapSearch(inner trawl.SearchProvider, inst *Instruments) *ObservedSearch {
	return &ObservedSearch{inner: inner, inst: inst}
}

func (o *ObservedSearch) Search(ctx context.Context, query string) ([]trawl.SearchResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "search.query", trace.WithAttributes(
		AttrSearchQuery.String(query),
	))
	defer span.End()
	start := time.Now()

	results, err := o.inner.Search(ctx, query)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrSearchResults.Int(len(results)))

	o.inst.SearchRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.SearchDuration.Record(ctx, durationMs)
	return results, err
}

// ObservedFetcher wraps a trawl.Fetcher with OTEL instrumentation.
type ObservedFetcher struct {
	inner trawl.Fetcher
	inst  *Instruments
}

// WrapFetcher returns an instrumented fetcher.
func WrapFetcher(inner trawl.Fetcher, inst *Instruments) *ObservedFetcher {
	return &ObservedFetcher{inner: inner, inst: inst}
}

func (o *ObservedFetcher) Fetch(ctx context.Context, url string) (trawl.Page, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "fetch.page", trace.WithAttributes(
		AttrFetchURL.String(url),
	))
	defer span.End()
	start := time.Now()

	page, err := o.inner.Fetch(ctx, url)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrFetchContentLength.Int(len(page.Content)))

	o.inst.FetchRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.FetchDuration.Record(ctx, durationMs)
	return page, err
}

// LastModified delegates without instrumentation; probes are cheap and
// high-volume.
func (o *ObservedFetcher) LastModified(ctx context.Context, url string) (string, error) {
	return o.inner.LastModified(ctx, url)
}

var (
	_ trawl.SearchProvider = (*ObservedSearch)(nil)
	_ trawl.Fetcher        = (*ObservedFetcher)(nil)
)
