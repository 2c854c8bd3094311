package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	scopeBridge = "goclaw-bridge"

	// SpanUpstreamStart is the span name for Session.Start (spawn +
	// initialize). No call site in the bridge emits it; a restart's
	// reconnect is traced under SpanUpstreamRestart.
	SpanUpstreamStart = "upstream.start"
	// SpanUpstreamProbe traces a health/keep-alive probe.
	SpanUpstreamProbe = "upstream.probe"
	// SpanUpstreamCallTool is the span name for a routed call_tool forward.
	// No call site in the bridge emits it.
	SpanUpstreamCallTool = "upstream.call_tool"
	// SpanUpstreamRestart traces one restart cycle.
	SpanUpstreamRestart = "upstream.restart"

	attrUpstream  = "bridge.upstream"
	attrOperation = "bridge.operation"
	attrAttempt   = "bridge.attempt"
)

// StartUpstreamSpan opens a span scoped to one upstream operation,
// following the teacher's startReactSpan/markSpanResult pattern: attributes
// merged at start, status set once on completion.
func StartUpstreamSpan(ctx context.Context, spanName, upstream string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	kv := append([]attribute.KeyValue{attribute.String(attrUpstream, upstream)}, attrs...)
	return otel.Tracer(scopeBridge).Start(ctx, spanName, trace.WithAttributes(kv...))
}

// MarkResult records the outcome of a span the way markSpanResult does:
// RecordError + SetStatus(Error) on failure, SetStatus(Ok) on success.
func MarkResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// AttemptAttr annotates a span with the current restart/probe attempt number.
func AttemptAttr(n int) attribute.KeyValue { return attribute.Int(attrAttempt, n) }

// OperationAttr annotates a span with the probe/health-check operation name.
func OperationAttr(op string) attribute.KeyValue { return attribute.String(attrOperation, op) }

// TimedUpstreamSpan is a convenience wrapper for short-lived upstream calls:
// it starts a span, runs fn, marks the result, and returns fn's error.
func TimedUpstreamSpan(ctx context.Context, spanName, upstream string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	spanCtx, span := StartUpstreamSpan(ctx, spanName, upstream, attrs...)
	defer span.End()
	err := fn(spanCtx)
	MarkResult(span, err)
	return err
}

// InitTracerProvider installs a batching OTLP/HTTP tracer provider as the
// global otel provider when enabled is true, so every StartUpstreamSpan call
// exports to the collector at OTEL_EXPORTER_OTLP_ENDPOINT. When disabled, the
// returned shutdown is a no-op and spans fall back to the global no-op
// provider — cheap enough to leave StartUpstreamSpan unconditional.
func InitTracerProvider(ctx context.Context, enabled bool) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !enabled {
		return noop, nil
	}

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return noop, fmt.Errorf("tracing: build otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", scopeBridge)))
	if err != nil {
		return noop, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
