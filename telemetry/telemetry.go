// Package telemetry adapts the core.Observability port to the OpenTelemetry
// trace API. The adapter is deliberately forgiving: tracing failures must
// never break a turn, so nothing in this package panics or returns errors.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/turnmesh/core"
)

// OTelObservability implements core.Observability over an OpenTelemetry tracer.
type OTelObservability struct {
	tracer trace.Tracer
}

var _ core.Observability = (*OTelObservability)(nil)

// NewOTelObservability constructs an adapter over the given tracer.
func NewOTelObservability(tracer trace.Tracer) *OTelObservability {
	return &OTelObservability{tracer: tracer}
}

// StartSpan implements core.Observability.
func (t *OTelObservability) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(toAttributes(attrs)...))
	return ctx, &otelSpan{span: span}
}

// RecordToolObservation implements core.Observability.
func (t *OTelObservability) RecordToolObservation(ctx context.Context, obs core.ToolObservation) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool.name", obs.ToolName),
		attribute.String("tool.call_id", obs.ToolCallID),
		attribute.String("run.id", obs.RunID),
		attribute.Int64("tool.duration_ms", obs.Duration.Milliseconds()),
	}
	if len(obs.Input) > 0 {
		attrs = append(attrs, attribute.String("tool.input", string(obs.Input)))
	}
	if len(obs.Output) > 0 {
		attrs = append(attrs, attribute.String("tool.output", string(obs.Output)))
	}
	if obs.Error != "" {
		attrs = append(attrs, attribute.String("tool.error", obs.Error))
	}

	span.AddEvent("tool.observation", trace.WithAttributes(attrs...))
}

// RecordError implements core.Observability.
func (t *OTelObservability) RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.RecordError(err)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) TraceID() string {
	sc := s.span.SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func (s *otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}

// NoopObservability satisfies core.Observability without recording anything.
type NoopObservability struct{}

var _ core.Observability = NoopObservability{}

// StartSpan implements core.Observability.
func (NoopObservability) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, core.Span) {
	return ctx, noopSpan{}
}

// RecordToolObservation implements core.Observability.
func (NoopObservability) RecordToolObservation(context.Context, core.ToolObservation) {}

// RecordError implements core.Observability.
func (NoopObservability) RecordError(context.Context, error) {}

type noopSpan struct{}

func (noopSpan) TraceID() string { return "" }
func (noopSpan) End(error)       {}
