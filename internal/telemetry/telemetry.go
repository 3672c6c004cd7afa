// Package telemetry configures the global OpenTelemetry tracer and meter
// providers. Unlike a typical collector-backed setup, this package ships
// no OTLP exporter dependency: it registers the SDK providers (so every
// otel.Tracer/otel.Meter call in this codebase
// produces real spans and instruments) and leaves export wiring to the
// deployment, which can attach a batch span processor / metric reader to
// the returned providers without this package needing to depend on a
// specific collector's exporter package.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	"aisync/internal/config"
)

// Setup builds the resource-tagged TracerProvider and MeterProvider and
// installs them as the global providers, so internal/logging's
// WithTrace(ctx) and any otel.Tracer/otel.Meter call elsewhere in this
// codebase report under the right service name. Returns a shutdown func
// that flushes and releases both providers.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "aisync"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(shutdownCtx context.Context) error {
		var firstErr error
		if err := mp.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
		if err := tp.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}
