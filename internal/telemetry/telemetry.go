// Package telemetry wires OTLP trace export for agent loop iterations,
// sandbox execs, and LLM completions. Span helpers follow the same
// start/attrs/mark-result shape used for reasoning-loop tracing in the
// reference agent runtimes this module's tracing idiom is drawn from.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/antigravity-dev/agentd/internal/config"
)

const (
	tracerName = "agentd"

	SpanLoopIteration  = "agentd.loop.iteration"
	SpanSandboxExec    = "agentd.sandbox.exec"
	SpanLLMCompletion  = "agentd.llm.completion"

	AttrTaskID     = "agentd.task_id"
	AttrIteration  = "agentd.iteration"
	AttrModel      = "agentd.llm.model"
	AttrTier       = "agentd.llm.tier"
	AttrActionType = "agentd.action.type"
	AttrStatus     = "agentd.status"
)

// Shutdown flushes and closes the trace exporter. Safe to call even when
// tracing was never enabled (it's then a no-op).
type Shutdown func(context.Context) error

// Init configures the global trace provider from cfg. When cfg.Enabled is
// false, it leaves the global no-op provider in place and returns a no-op
// Shutdown, so callers never need to branch on whether tracing is on.
func Init(ctx context.Context, cfg config.Telemetry) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan starts a span under the agentd tracer, attaching taskID and any
// extra attributes.
func StartSpan(ctx context.Context, name, taskID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	spanAttrs := make([]attribute.KeyValue, 0, len(attrs)+1)
	if taskID != "" {
		spanAttrs = append(spanAttrs, attribute.String(AttrTaskID, taskID))
	}
	spanAttrs = append(spanAttrs, attrs...)

	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(spanAttrs...))
}

// MarkResult records err on span (if any) and sets the span status
// accordingly. Safe to call with a nil span.
func MarkResult(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrStatus, "error"))
		return
	}
	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.String(AttrStatus, "success"))
}
