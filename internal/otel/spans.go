package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrTaskID   = attribute.Key("clawtask.task.id")
	AttrParentID = attribute.Key("clawtask.task.parent_id")
	AttrRunID    = attribute.Key("clawtask.run.id")
	AttrAgentID  = attribute.Key("clawtask.agent.id")
	AttrWorkerID = attribute.Key("clawtask.worker.id")
	AttrAttempt  = attribute.Key("clawtask.task.attempt")
	AttrStepNo   = attribute.Key("clawtask.step.no")
	AttrStrategy = attribute.Key("clawtask.step.strategy")
	AttrTokens   = attribute.Key("clawtask.step.tokens")
	AttrOutcome  = attribute.Key("clawtask.outcome")
	AttrMethod   = attribute.Key("clawtask.rpc.method")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound capability call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
