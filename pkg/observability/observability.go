// Package observability provides OpenTelemetry tracing and RED metrics
// (rate, errors, duration) for council operations.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

const instrumentationName = "council.governance"

// Config configures OTLP export.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // host:port of the collector
	Insecure       bool    // plaintext gRPC, dev only
	SampleRate     float64 // fraction of root spans kept
	// ExportInterval bounds how stale exported spans and metrics may be.
	ExportInterval time.Duration
}

// DefaultConfig returns defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "councilctl",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		ExportInterval: 10 * time.Second,
	}
}

// instruments are the RED measurements recorded per operation.
type instruments struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	inFlight metric.Int64UpDownCounter
	latency  metric.Float64Histogram
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in   instruments
		errs [4]error
	)
	in.calls, errs[0] = m.Int64Counter("council.operations.total",
		metric.WithDescription("Council operations processed"), metric.WithUnit("{operation}"))
	in.failures, errs[1] = m.Int64Counter("council.errors.total",
		metric.WithDescription("Council operations that failed"), metric.WithUnit("{error}"))
	in.inFlight, errs[2] = m.Int64UpDownCounter("council.operations.active",
		metric.WithDescription("Council operations in flight"), metric.WithUnit("{operation}"))
	in.latency, errs[3] = m.Float64Histogram("council.operation.duration",
		metric.WithDescription("Council operation duration in seconds, including store lock wait"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, fmt.Errorf("observability: create instruments: %w", err)
	}
	return &in, nil
}

// Provider records spans and RED metrics. A provider built from a disabled
// config traces through the global no-op tracer and records no metrics.
type Provider struct {
	tracer trace.Tracer
	inst   *instruments
	stop   []func(context.Context) error
}

// New builds a provider exporting over OTLP gRPC and installs it as the
// global otel provider.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")
	if !cfg.Enabled {
		logger.DebugContext(ctx, "telemetry export disabled")
		return &Provider{tracer: otel.Tracer(instrumentationName)}, nil
	}

	tp, mp, err := exportPipeline(ctx, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p, err := NewWithProviders(tp, mp)
	if err != nil {
		return nil, err
	}
	p.stop = []func(context.Context) error{tp.Shutdown, mp.Shutdown}
	logger.InfoContext(ctx, "telemetry export enabled",
		"collector", cfg.OTLPEndpoint,
		"service", cfg.ServiceName,
		"env", cfg.Environment,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// NewWithProviders instruments with caller-owned providers, such as an
// in-memory recorder in tests. Shutdown leaves them running.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	inst, err := newInstruments(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	return &Provider{tracer: tp.Tracer(instrumentationName), inst: inst}, nil
}

// Disabled returns a provider that records nothing.
func Disabled() *Provider {
	return &Provider{tracer: otel.Tracer(instrumentationName)}
}

func exportPipeline(ctx context.Context, cfg *Config) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("observability: span exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, fmt.Errorf("observability: metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = DefaultConfig().ExportInterval
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(interval)),
		sdktrace.WithSampler(sdktrace.ParentBased(rootSampler(cfg.SampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(interval))),
	)
	return tp, mp, nil
}

func rootSampler(rate float64) sdktrace.Sampler {
	if rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	if rate <= 0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes pending telemetry and stops the providers New created.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, stop := range p.stop {
		errs = append(errs, stop(ctx))
	}
	p.stop = nil
	return errors.Join(errs...)
}

// TrackOperation starts a span and RED measurements for one operation. The
// returned function ends them and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	set := metric.WithAttributes(attrs...)
	if p.inst != nil {
		p.inst.calls.Add(ctx, 1, set)
		p.inst.inFlight.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		defer span.End()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if p.inst == nil {
			return
		}
		p.inst.inFlight.Add(ctx, -1, set)
		p.inst.latency.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			p.inst.failures.Add(ctx, 1, metric.WithAttributes(append(slices.Clone(attrs), attribute.String("error.type", ErrorType(err)))...))
		}
	}
}
