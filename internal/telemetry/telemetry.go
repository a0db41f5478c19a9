// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and owns the supervisor's instruments.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope for steward's tracer and meter.
const ScopeName = "github.com/lucasnoah/steward"

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Init configures the global tracer and meter providers. If endpoint is
// empty telemetry is disabled and the no-op global providers stay in place.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// Meter returns the global meter for steward.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(ScopeName)
}

// Tracer returns the global tracer for steward.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(ScopeName)
}

// Instruments are the counters and histograms the orchestrator records.
type Instruments struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	decisions     metric.Int64Counter
	actions       metric.Int64Counter
	spend         metric.Float64Counter
	quarantines   metric.Int64Counter
}

// NewInstruments creates instruments on m. A nil meter uses Meter().
func NewInstruments(m metric.Meter) (*Instruments, error) {
	if m == nil {
		m = Meter()
	}
	var in Instruments
	var err error
	if in.cycles, err = m.Int64Counter("steward.cycles", metric.WithDescription("Completed scheduling cycles")); err != nil {
		return nil, err
	}
	if in.cycleDuration, err = m.Float64Histogram("steward.cycle.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if in.decisions, err = m.Int64Counter("steward.decisions", metric.WithDescription("Decisions by method and action")); err != nil {
		return nil, err
	}
	if in.actions, err = m.Int64Counter("steward.actions", metric.WithDescription("Executed actions by outcome")); err != nil {
		return nil, err
	}
	if in.spend, err = m.Float64Counter("steward.reasoning.spend", metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if in.quarantines, err = m.Int64Counter("steward.quarantines"); err != nil {
		return nil, err
	}
	return &in, nil
}

// Cycle records one finished cycle.
func (in *Instruments) Cycle(ctx context.Context, d time.Duration, failures int) {
	if in == nil {
		return
	}
	in.cycles.Add(ctx, 1, metric.WithAttributes(attribute.Bool("failures", failures > 0)))
	in.cycleDuration.Record(ctx, d.Seconds())
}

// Decision records one decision and its spend.
func (in *Instruments) Decision(ctx context.Context, project, method, action string, usd float64) {
	if in == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("project", project),
		attribute.String("method", method),
		attribute.String("action", action),
	)
	in.decisions.Add(ctx, 1, attrs)
	if usd > 0 {
		in.spend.Add(ctx, usd, metric.WithAttributes(attribute.String("project", project)))
	}
}

// Action records one executed action.
func (in *Instruments) Action(ctx context.Context, project, action string, success bool, attempts int) {
	if in == nil {
		return
	}
	in.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project", project),
		attribute.String("action", action),
		attribute.Bool("success", success),
		attribute.Int("attempts", attempts),
	))
}

// Quarantine records a project entering quarantine.
func (in *Instruments) Quarantine(ctx context.Context, project string) {
	if in == nil {
		return
	}
	in.quarantines.Add(ctx, 1, metric.WithAttributes(attribute.String("project", project)))
}
