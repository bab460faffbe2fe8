package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentpipe/agentpipe/internal/llm"
)

// InstrumentedProvider wraps an llm.Provider with metrics and tracing.
// Both are optional; nil means skip recording.
type InstrumentedProvider struct {
	inner   llm.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps inner with observability.
func NewInstrumentedProvider(inner llm.Provider, metrics *MetricsCollector, tracer trace.Tracer) *InstrumentedProvider {
	return &InstrumentedProvider{inner: inner, metrics: metrics, tracer: tracer}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "llm.complete",
			trace.WithAttributes(
				attribute.String("llm.provider", p.inner.Name()),
				attribute.String("llm.model", req.Model),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := p.inner.Complete(ctx, req)
	duration := time.Since(start).Seconds()

	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.LLMRequestsTotal.WithLabelValues(p.inner.Name(), req.Model, status).Inc()
		p.metrics.LLMRequestDuration.WithLabelValues(p.inner.Name(), req.Model).Observe(duration)
		if resp != nil {
			p.metrics.LLMTokensUsed.WithLabelValues(p.inner.Name(), req.Model, "input").Add(float64(resp.Usage.InputTokens))
			p.metrics.LLMTokensUsed.WithLabelValues(p.inner.Name(), req.Model, "output").Add(float64(resp.Usage.OutputTokens))
		}
	}

	return resp, err
}

// Compile-time check.
var _ llm.Provider = (*InstrumentedProvider)(nil)
