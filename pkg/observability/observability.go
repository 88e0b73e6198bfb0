// Package observability wires OpenTelemetry tracing and metrics for the
// screening services. Without an OTLP endpoint configured everything degrades
// to no-op instruments, so instrumentation call sites never need guards.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the OTel SDK lifecycle for one process.
type Provider struct {
	Tracer  trace.Tracer
	Metrics *Metrics

	shutdowns []func(context.Context) error
}

// New builds a provider for serviceName. endpoint is the OTLP gRPC target;
// empty disables export while keeping the instruments callable.
func New(ctx context.Context, serviceName, endpoint string, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{}

	if endpoint != "" {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("build otel resource: %w", err)
		}

		traceExp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
		p.shutdowns = append(p.shutdowns, tp.Shutdown)

		metricExp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second))),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		p.shutdowns = append(p.shutdowns, mp.Shutdown)

		logger.Info("otel exporters configured", "endpoint", endpoint, "service", serviceName)
	}

	p.Tracer = otel.Tracer(serviceName)
	metrics, err := newMetrics(otel.Meter(serviceName))
	if err != nil {
		return nil, err
	}
	p.Metrics = metrics
	return p, nil
}

// Shutdown flushes exporters. Safe on a provider without exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Metrics holds the RED instruments for the screening engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	screenings    metric.Int64Counter
	jobs          metric.Int64Counter
	sweepOutcomes metric.Int64Counter
	matchDuration metric.Float64Histogram
	queueDepth    metric.Int64Gauge
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.screenings, err = meter.Int64Counter("screenings_total",
		metric.WithDescription("Screening requests by dispatch outcome and verdict status")); err != nil {
		return nil, fmt.Errorf("create screenings counter: %w", err)
	}
	if m.jobs, err = meter.Int64Counter("screening_jobs_total",
		metric.WithDescription("Queue jobs by terminal status")); err != nil {
		return nil, fmt.Errorf("create jobs counter: %w", err)
	}
	if m.sweepOutcomes, err = meter.Int64Counter("refresh_sweep_outcomes_total",
		metric.WithDescription("Delta re-screen sweep candidates by outcome")); err != nil {
		return nil, fmt.Errorf("create sweep counter: %w", err)
	}
	if m.matchDuration, err = meter.Float64Histogram("match_duration_seconds",
		metric.WithDescription("Wall time of one matcher invocation"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create match histogram: %w", err)
	}
	if m.queueDepth, err = meter.Int64Gauge("screening_queue_depth",
		metric.WithDescription("Pending plus running jobs at last observation")); err != nil {
		return nil, fmt.Errorf("create queue depth gauge: %w", err)
	}
	return m, nil
}

// RecordScreening counts one dispatch outcome ("reused", "completed",
// "queued") with the verdict status when known.
func (m *Metrics) RecordScreening(ctx context.Context, outcome, status string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if status != "" {
		attrs = append(attrs, attribute.String("status", status))
	}
	m.screenings.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordJob counts one job reaching a terminal status.
func (m *Metrics) RecordJob(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSweepOutcome counts sweep candidates by outcome.
func (m *Metrics) RecordSweepOutcome(ctx context.Context, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepOutcomes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ObserveMatchDuration records one matcher invocation.
func (m *Metrics) ObserveMatchDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.matchDuration.Record(ctx, d.Seconds())
}

// SetQueueDepth records the observed queue pressure.
func (m *Metrics) SetQueueDepth(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, int64(n))
}
