// Package observability sets up the OpenTelemetry tracer and meter and the
// counters that the command pipeline, order projection and saga
// coordinator increment. It degrades to no-op providers
// when no exporter is configured, so the core never depends on a collector
// being reachable.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles a tracer, a meter and four counters. The command
// pipeline adds to AppendCounter for each created order and to
// ConflictCounter on each concurrency conflict, the order projection adds
// to AppendCounter for each applied view update, and the saga coordinator
// adds to SagaStepCounter when a step exhausts its retries. No component
// starts spans with Tracer, and nothing adds to PublishCounter.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	AppendCounter  metric.Int64Counter
	ConflictCounter metric.Int64Counter
	PublishCounter metric.Int64Counter
	SagaStepCounter metric.Int64Counter

	shutdown func(context.Context) error
}

// Noop returns a Telemetry backed by the global no-op providers, used when
// no exporter is configured (tests, local dev without a collector).
func Noop() *Telemetry {
	tracer := otel.Tracer("orderflow")
	meter := otel.Meter("orderflow")
	t := &Telemetry{Tracer: tracer, Meter: meter, shutdown: func(context.Context) error { return nil }}
	t.registerInstruments()
	return t
}

// Init builds a Telemetry backed by the given trace/metric exporters. A nil
// exporter leaves that signal disabled without failing startup — telemetry
// is instrumentation, never a hard startup dependency.
func Init(ctx context.Context, serviceName string, traceExporter sdktrace.SpanExporter, metricReader sdkmetric.Reader) (*Telemetry, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	var shutdowns []func(context.Context) error

	tracerProvider := trace.TracerProvider(otel.GetTracerProvider())
	if traceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		tracerProvider = tp
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	meterProvider := metric.MeterProvider(otel.GetMeterProvider())
	if metricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(metricReader),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		meterProvider = mp
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	t := &Telemetry{
		Tracer: tracerProvider.Tracer("orderflow"),
		Meter:  meterProvider.Meter("orderflow"),
		shutdown: func(ctx context.Context) error {
			for _, fn := range shutdowns {
				if err := fn(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	t.registerInstruments()
	return t, nil
}

func (t *Telemetry) registerInstruments() {
	t.AppendCounter, _ = t.Meter.Int64Counter("orderflow.eventstore.appends")
	t.ConflictCounter, _ = t.Meter.Int64Counter("orderflow.eventstore.conflicts")
	t.PublishCounter, _ = t.Meter.Int64Counter("orderflow.bus.publishes")
	t.SagaStepCounter, _ = t.Meter.Int64Counter("orderflow.saga.steps")
}

// Shutdown flushes and stops any configured exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}
