// Package telemetry wires OpenTelemetry tracing and metrics for the harness.
// All Mark methods are nil-safe so the harness runs unchanged with telemetry
// disabled.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"fleetprobe/internal/config"
)

type Telemetry struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider *sdktrace.TracerProvider
	ProbeCounter  metric.Int64Counter
	ProbeDuration metric.Int64Histogram
	RunCounter    metric.Int64Counter
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Telemetry, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "fleetprobe"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	probeCounter, _ := meter.Int64Counter("fleetprobe_probe_total")
	probeDuration, _ := meter.Int64Histogram("fleetprobe_probe_duration_ms")
	runCounter, _ := meter.Int64Counter("fleetprobe_run_total")
	return &Telemetry{
		Tracer:        tracer,
		Meter:         meter,
		traceProvider: tp,
		ProbeCounter:  probeCounter,
		ProbeDuration: probeDuration,
		RunCounter:    runCounter,
	}, nil
}

func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.traceProvider == nil {
		return nil
	}
	return t.traceProvider.Shutdown(ctx)
}

func (t *Telemetry) StartProbeSpan(ctx context.Context, backendID string) (context.Context, oteltrace.Span) {
	if t == nil {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return t.Tracer.Start(ctx, "probe", oteltrace.WithAttributes(
		attribute.String("backend_id", backendID),
	))
}

func (t *Telemetry) MarkProbe(ctx context.Context, backendID, outcome string, duration time.Duration) {
	if t == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend_id", backendID),
		attribute.String("outcome", outcome),
	)
	t.ProbeCounter.Add(ctx, 1, attrs)
	t.ProbeDuration.Record(ctx, duration.Milliseconds(), attrs)
}

func (t *Telemetry) MarkRun(ctx context.Context, status string) {
	if t == nil {
		return
	}
	t.RunCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}
