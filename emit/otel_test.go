package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	emitter.Emit(Record{
		RunID: "wrun_001",
		Msg:   "run_created",
		Meta:  map[string]any{"workflowName": "onboarding"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	span := spans[0]
	if span.Name != "run_created" {
		t.Errorf("span name = %q, want %q", span.Name, "run_created")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["world.run_id"]; got != "wrun_001" {
		t.Errorf("run_id = %v, want %q", got, "wrun_001")
	}
	if got := attrs["world.workflowName"]; got != "onboarding" {
		t.Errorf("workflowName = %v, want %q", got, "onboarding")
	}
}

func TestOTelEmitter_ErrorSetsSpanStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	emitter.Emit(Record{
		RunID: "wrun_002",
		Msg:   "job_failed",
		Meta:  map[string]any{"error": "handler returned status 500"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected span status Error, got %v", spans[0].Status.Code)
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	tracer := otel.Tracer("test")
	emitter := NewOTelEmitter(tracer)

	if err := emitter.EmitBatch(context.Background(), []Record{
		{Msg: "run_created"},
		{Msg: "job_leased"},
	}); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}

	if got := len(exporter.GetSpans()); got != 2 {
		t.Fatalf("expected 2 spans, got %d", got)
	}
}
