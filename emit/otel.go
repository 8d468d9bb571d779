package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each Record into an immediately-ended span, the way
// the teacher's OTelEmitter turns graph execution events into spans:
// each Record is a point in time, not a duration, so the span starts
// and ends within Emit.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter builds an OTelEmitter from tracer, typically
// otel.Tracer("world").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) Emit(record Record) {
	ctx := context.Background()
	_, span := o.tracer.Start(ctx, record.Msg)
	defer span.End()
	o.annotate(span, record)
}

func (o *OTelEmitter) EmitBatch(ctx context.Context, records []Record) error {
	for _, record := range records {
		_, span := o.tracer.Start(ctx, record.Msg)
		o.annotate(span, record)
		span.End()
	}
	return nil
}

func (o *OTelEmitter) annotate(span trace.Span, record Record) {
	if record.RunID != "" {
		span.SetAttributes(attribute.String("world.run_id", record.RunID))
	}
	for key, value := range record.Meta {
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String("world."+key, v))
		case int:
			span.SetAttributes(attribute.Int("world."+key, v))
		case int64:
			span.SetAttributes(attribute.Int64("world."+key, v))
		case bool:
			span.SetAttributes(attribute.Bool("world."+key, v))
		default:
			span.SetAttributes(attribute.String("world."+key, fmt.Sprintf("%v", v)))
		}
	}
	if errMsg, ok := record.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// Flush force-flushes the global tracer provider if it supports one.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
