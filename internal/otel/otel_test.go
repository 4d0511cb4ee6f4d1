package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected SDK providers")
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "stdout", ServiceName: "clawtask-test"})
	if err != nil {
		t.Fatalf("Init with stdout exporter: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic-pixie-dust"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil Shutdown: %v", err)
	}
}

func TestSpanHelpers_RecordAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(ScopeName)

	_, span := StartSpan(context.Background(), tracer, "task.execute",
		AttrTaskID.String("t-1"), AttrAgentID.String("orchestrator"))
	EndSpan(span, nil)

	_, span = StartClientSpan(context.Background(), tracer, "step.invoke", AttrStepNo.Int(2))
	EndSpan(span, errors.New("upstream 503"))

	_, span = StartServerSpan(context.Background(), tracer, "rpc.tools.call", AttrMethod.String("tools.call"))
	EndSpan(span, nil)

	ended := rec.Ended()
	if len(ended) != 3 {
		t.Fatalf("expected 3 ended spans, got %d", len(ended))
	}
	if ended[0].Name() != "task.execute" || len(ended[0].Attributes()) != 2 {
		t.Fatalf("unexpected first span: %s %v", ended[0].Name(), ended[0].Attributes())
	}
	if ended[1].Status().Code != codes.Error || len(ended[1].Events()) == 0 {
		t.Fatalf("expected error status and recorded error event on client span")
	}
	if ended[2].Status().Code == codes.Error {
		t.Fatalf("server span should not be marked as error")
	}
}
