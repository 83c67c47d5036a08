package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for ctxwin spans and metrics.
var (
	AttrModel          = attribute.Key("ctxwin.model")
	AttrSummaryModel   = attribute.Key("ctxwin.summary_model")
	AttrPath           = attribute.Key("ctxwin.path")
	AttrMessages       = attribute.Key("ctxwin.messages")
	AttrTokensTotal    = attribute.Key("ctxwin.tokens.total")
	AttrTokensBudget   = attribute.Key("ctxwin.tokens.budget")
	AttrOracleKind     = attribute.Key("ctxwin.oracle.kind")
	AttrCacheResult    = attribute.Key("ctxwin.cache.result")
	AttrEventCategory  = attribute.Key("ctxwin.event.category")
	AttrSummarizedMsgs = attribute.Key("ctxwin.summarized_messages")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound oracle call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() trace.Tracer {
	return noopProvider().Tracer
}
