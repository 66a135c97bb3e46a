package telemetry

import (
	"context"
	"errors"
	"fmt"

	"aflrunner/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Telemetry interface {
	GetTracer() trace.Tracer
	// GetLogger is nil when only tracing could be set up.
	GetLogger() log.Logger
}

type TelemetryImpl struct {
	tracer        trace.Tracer
	logger        log.Logger
	traceProvider *sdktrace.TracerProvider
	logProvider   *sdklog.LoggerProvider
}

type TelemetryParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.AppConfig
}

// NewTelemetry exports traces, and logs when possible, to OTEL_EXPORTER_OTLP_ENDPOINT.
// Without an endpoint it returns a nil Telemetry and every consumer falls back to
// no-op tracing.
func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	if p.Config.OTLPEndpoint == "" {
		return nil, nil
	}

	exportCtx, cancel := context.WithCancel(context.Background())
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceNameKey.String(p.Config.ServiceName))

	traceProvider, err := newTraceProvider(exportCtx, p.Config.OTLPEndpoint, res)
	if err != nil {
		cancel()
		return nil, err
	}
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &TelemetryImpl{
		tracer:        traceProvider.Tracer(p.Config.ServiceName),
		traceProvider: traceProvider,
	}
	// the log exporter is optional; tracing still works without it
	if logProvider, err := newLogProvider(exportCtx, p.Config.OTLPEndpoint, res); err == nil {
		t.logProvider = logProvider
		t.logger = logProvider.Logger(p.Config.ServiceName)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			defer cancel()
			return t.shutdown(ctx)
		},
	})
	return t, nil
}

func newTraceProvider(ctx context.Context, endpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newLogProvider(ctx context.Context, endpoint string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx, otlploggrpc.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

// shutdown flushes pending spans and records.
func (t *TelemetryImpl) shutdown(ctx context.Context) error {
	errs := []error{t.traceProvider.Shutdown(ctx)}
	if t.logProvider != nil {
		errs = append(errs, t.logProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (t *TelemetryImpl) GetTracer() trace.Tracer {
	return t.tracer
}

func (t *TelemetryImpl) GetLogger() log.Logger {
	return t.logger
}
