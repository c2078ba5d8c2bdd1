// Package tracing wraps the global OpenTelemetry tracer for outbound
// provider calls.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "clinic-reminders"

var tracer = otel.Tracer(instrumentationName)

// Start opens a client span named name.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// Fail records err on span and returns it unchanged.
func Fail(span trace.Span, err error) error {
	if err == nil || span == nil {
		return err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
