package observer

import (
	"context"
	"time"

	trawl "github.com/nevindra/trawl"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedGenerator wraps a trawl.ObjectGenerator with OTEL instrumentation.
type ObservedGenerator struct {
	inner trawl.ObjectGenerator
	inst  *Instruments
	model string
}

// WrapGenerator returns an instrumented generator that emits traces, metrics,
// and logs for every structured generation.
func WrapGenerator(inner trawl.ObjectGenerator, model string, inst *Instruments) *ObservedGenerator {
	return &ObservedGenerator{inner: inner, inst: inst, model: model}
}

func (o *ObservedGenerator) Name() string { return o.inner.Name() }

func (o *ObservedGenerator) GenerateObject(ctx context.Context, req trawl.GenerateRequest) (trawl.GenerateResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.generate_object", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMSchema.String(req.Schema.Name),
	))
	defer span.End()
	start := time.Now()

	res, err := o.inner.GenerateObject(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	cost := o.inst.Cost.Calculate(o.model, res.Usage.InputTokens, res.Usage.OutputTokens)
	attrs := metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
	)

	span.SetAttributes(
		AttrTokensInput.Int(res.Usage.InputTokens),
		AttrTokensOutput.Int(res.Usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(res.Usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(res.Usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.schema", req.Schema.Name),
		otellog.Int("llm.tokens.input", res.Usage.InputTokens),
		otellog.Int("llm.tokens.output", res.Usage.OutputTokens),
		otellog.Float64("llm.cost_usd", cost),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return res, err
}

var _ trawl.ObjectGenerator = (*ObservedGenerator)(nil)
