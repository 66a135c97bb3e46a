package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
)

type Tracer interface {
	Start()
	WithAttributes(attributes *SpanAttributes) Tracer
	AddEvent(name string, attributes EventAttributes)
	SetStatus(code codes.Code, message string)
	Spawn(spanName string) Tracer
	Export() string
	End()
}

type tracerKey struct{}

// ContextWithTracer stores t so that code further down the call chain can spawn child spans.
func ContextWithTracer(ctx context.Context, t Tracer) context.Context {
	return context.WithValue(ctx, tracerKey{}, t)
}

// FromContext returns the tracer stored in ctx, or a DummyTracer.
func FromContext(ctx context.Context) Tracer {
	if t, ok := ctx.Value(tracerKey{}).(Tracer); ok && t != nil {
		return t
	}
	return &DummyTracer{}
}

type TracerFactory struct {
	telemetry Telemetry
}

type TracerFactoryParams struct {
	fx.In
	Telemetry Telemetry `optional:"true"`
}

func NewTracerFactory(p TracerFactoryParams) *TracerFactory {
	return &TracerFactory{telemetry: p.Telemetry}
}

func (t *TracerFactory) enabled() bool {
	return t != nil && t.telemetry != nil && t.telemetry.GetTracer() != nil
}

// NewTracer returns a tracer for a new root span.
func (t *TracerFactory) NewTracer(ctx context.Context, spanName string) Tracer {
	if !t.enabled() {
		return &DummyTracer{}
	}
	return NewTelemetryTracer(ctx, t.telemetry.GetTracer(), spanName)
}

// NewTracerSpawnedFrom continues a trace exported by Tracer.Export, e.g. the
// generation span of a stored plan. A broken export starts a new root span.
func (t *TracerFactory) NewTracerSpawnedFrom(ctx context.Context, exported string, spanName string) Tracer {
	if !t.enabled() {
		return &DummyTracer{}
	}
	if exported == "" {
		return NewTelemetryTracer(ctx, t.telemetry.GetTracer(), spanName)
	}
	origin, err := NewTelemetryTracerFrom(ctx, t.telemetry.GetTracer(), exported)
	if err != nil {
		return NewTelemetryTracer(ctx, t.telemetry.GetTracer(), spanName)
	}
	return origin.Spawn(spanName)
}

// DummyTracer does nothing; it stands in when telemetry is not enabled.
type DummyTracer struct{}

func (t *DummyTracer) Start()                                           {}
func (t *DummyTracer) WithAttributes(attributes *SpanAttributes) Tracer { return t }
func (t *DummyTracer) AddEvent(name string, attributes EventAttributes) {}
func (t *DummyTracer) SetStatus(code codes.Code, message string)        {}
func (t *DummyTracer) Spawn(spanName string) Tracer                     { return t }
func (t *DummyTracer) Export() string                                   { return "" }
func (t *DummyTracer) End()                                             {}
