// Package telemetry wires OpenTelemetry tracing for the kernel process.
// Tracing stays disabled (InitTracer returns a no-op shutdown) unless
// OTEL_EXPORTER_OTLP_ENDPOINT is set, so a dev instance run with no
// collector nearby never blocks on export.
package telemetry

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the resource attribute every span and metric is tagged
// with, so a shared collector can separate engram traces from its other
// tenants.
const ServiceName = "engram"

// InitTracer configures the global TracerProvider from
// OTEL_EXPORTER_OTLP_ENDPOINT. If unset, tracing is left disabled and the
// returned shutdown func is a no-op.
func InitTracer(ctx context.Context) (shutdown func(context.Context) error, err error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exporter, err := otlptracehttp.New(initCtx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the shared tracer every traced package starts spans from.
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// Meter returns the shared meter instrumented packages pull counters and
// histograms from. Like Tracer, it's backed by a global no-op provider
// until a real MeterProvider is configured, so calls are always safe.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(ServiceName)
}
