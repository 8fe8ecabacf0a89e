package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the trace instrumentation scope name.
const tracerName = "kubewarden-policy-server"

// NewTracerProvider builds an OTLP/gRPC-backed trace provider and installs
// it as the global provider, so every component can pull its tracer via
// Tracer() without threading the provider through. The returned shutdown
// func must run at process exit to flush pending spans.
func NewTracerProvider(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the process-wide tracer for this service's own spans
// ("validate", "policy_eval", ...), matching worker.rs's info_span usage.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
