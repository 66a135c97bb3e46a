package telemetry

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryTracer wraps one OpenTelemetry span. Attributes set before Start
// are attached when the span opens.
type TelemetryTracer struct {
	tracer     trace.Tracer
	span       trace.Span
	ctx        context.Context // carries span for children
	spanName   string
	attributes *SpanAttributes

	started bool
}

func NewTelemetryTracer(ctx context.Context, tracer trace.Tracer, spanName string) *TelemetryTracer {
	return &TelemetryTracer{
		tracer:     tracer,
		ctx:        ctx,
		spanName:   spanName,
		attributes: EmptySpanAttributes(),
	}
}

// NewTelemetryTracerFrom imports a span context produced by Export.
func NewTelemetryTracerFrom(ctx context.Context, tracer trace.Tracer, exported string) (*TelemetryTracer, error) {
	carrier := make(map[string]string)
	if err := json.Unmarshal([]byte(exported), &carrier); err != nil {
		return nil, err
	}

	return &TelemetryTracer{
		tracer:     tracer,
		ctx:        otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier)),
		attributes: EmptySpanAttributes(),
		started:    true, // the imported span is already live elsewhere
	}, nil
}

func (t *TelemetryTracer) Start() {
	attributes := t.attributes.Attributes()
	attributes = append(attributes, attribute.String("aflr.action.name", t.spanName))
	t.ctx, t.span = t.tracer.Start(t.ctx, t.spanName, trace.WithAttributes(attributes...))
	t.started = true
}

func (t *TelemetryTracer) SetStatus(code codes.Code, message string) {
	if t.span != nil {
		t.span.SetStatus(code, message)
	}
}

func (t *TelemetryTracer) WithAttributes(attributes *SpanAttributes) Tracer {
	t.attributes.Merge(attributes)
	if t.span != nil {
		t.span.SetAttributes(t.attributes.Attributes()...)
	}
	return t
}

func (t *TelemetryTracer) AddEvent(name string, e EventAttributes) {
	if t.span != nil {
		t.span.AddEvent(name, trace.WithAttributes(e...))
	}
}

func (t *TelemetryTracer) Spawn(spanName string) Tracer {
	child := NewTelemetryTracer(t.ctx, t.tracer, spanName)
	return child.WithAttributes(t.attributes)
}

// Export serializes the span context as a JSON text-map carrier.
func (t *TelemetryTracer) Export() string {
	carrier := make(map[string]string)
	otel.GetTextMapPropagator().Inject(t.ctx, propagation.MapCarrier(carrier))
	payload, _ := json.Marshal(carrier)
	return string(payload)
}

func (t *TelemetryTracer) End() {
	if t.span == nil {
		return
	}
	t.span.End()
}
