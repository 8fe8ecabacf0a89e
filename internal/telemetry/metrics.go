// Package telemetry wires process metrics and tracing through the current
// OpenTelemetry SDK. Grounded on the teacher's internal/pkg/metrics/
// metrics.go (meter-provider setup, a named counter recorded per event) but
// rebuilt against the stable metric API: the teacher's shape --
// controller/basic, processor/basic, metric.Must -- predates OpenTelemetry's
// 1.0 metric API and no longer exists in the current SDK, so this package
// uses sdkmetric.NewMeterProvider with the stable instrument constructors
// instead of porting the teacher's pre-1.0 calls.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// meterName is the metrics instrumentation scope name.
const meterName = "kubewarden"

// Metrics records the Worker Pool's per-evaluation latency sample and
// acceptance counter, labeled identically, matching worker.rs's paired
// record_policy_latency + add_policy_evaluation calls.
type Metrics struct {
	latency metric.Float64Histogram
	total   metric.Int64Counter
}

// NewOTLP builds a Metrics backed by a periodic OTLP/gRPC exporter, the
// shape selected by "--log-fmt=otlp". The returned shutdown func must run
// at process exit to flush pending data.
func NewOTLP(ctx context.Context, endpoint string) (*Metrics, func(context.Context) error, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(2*time.Second))),
	)
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider)
	if err != nil {
		return nil, nil, err
	}
	return m, provider.Shutdown, nil
}

// NewPrometheus builds a Metrics backed by a pull-based Prometheus
// collector, for deployments that scrape rather than push. The returned
// provider's Shutdown must run at process exit.
func NewPrometheus() (*Metrics, *sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("creating Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := newMetrics(provider)
	if err != nil {
		return nil, nil, err
	}
	return m, provider, nil
}

func newMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)

	latency, err := meter.Float64Histogram(
		"kubewarden_policy_evaluation_latency_seconds",
		metric.WithDescription("How long a single policy evaluation took"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating evaluation latency histogram: %w", err)
	}

	total, err := meter.Int64Counter(
		"kubewarden_policy_evaluation_total",
		metric.WithDescription("How many policy evaluations have been performed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating evaluation counter: %w", err)
	}

	return &Metrics{latency: latency, total: total}, nil
}

// Evaluation is the label set recorded for every policy evaluation,
// mirroring worker.rs's metrics::PolicyEvaluation/RawPolicyEvaluation.
// Namespace, Kind and Operation stay empty in raw mode, since there is no
// Kubernetes request metadata to extract.
type Evaluation struct {
	PolicyName string
	Mode       string
	Namespace  string
	Kind       string
	Operation  string
	Accepted   bool
	Mutated    bool
	Origin     string
	ErrorCode  int32
}

// Record adds one latency sample and increments the evaluation counter, both
// labeled identically. A nil *Metrics is a no-op, so callers that did not
// configure telemetry do not need to guard every call site.
func (m *Metrics) Record(ctx context.Context, duration time.Duration, eval Evaluation) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("policy_name", eval.PolicyName),
		attribute.String("policy_mode", eval.Mode),
		attribute.String("resource_namespace", eval.Namespace),
		attribute.String("resource_kind", eval.Kind),
		attribute.String("resource_request_operation", eval.Operation),
		attribute.Bool("accepted", eval.Accepted),
		attribute.Bool("mutated", eval.Mutated),
		attribute.String("request_origin", eval.Origin),
		attribute.Int64("error_code", int64(eval.ErrorCode)),
	)
	m.latency.Record(ctx, duration.Seconds(), attrs)
	m.total.Add(ctx, 1, attrs)
}
