// Package telemetry wires the governance core's core.Telemetry interface to
// OpenTelemetry: traces exported via OTLP/gRPC when a collector endpoint is
// configured, a stdout exporter for local development, and counter/
// histogram instruments for component metrics. The instruments come from
// a no-op meter provider, so metric values are not recorded or exported.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentium/governance-core/core"
)

// Options configures an OTelProvider.
type Options struct {
	ServiceName string
	Endpoint    string // OTLP/gRPC collector endpoint, e.g. "localhost:4317"
	Insecure    bool
	// UseStdout forces a stdout trace exporter instead of OTLP; intended
	// for local development when no collector is reachable.
	UseStdout bool
}

// OTelProvider implements core.Telemetry. It owns a TracerProvider (either
// OTLP/gRPC-backed or stdout-backed) and a small set of cached metric
// instruments keyed by metric name.
type OTelProvider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram

	shutdownOnce sync.Once
}

// NewOTelProvider builds the provider's resource and exporter pipeline per
// Options. A non-nil error means the caller should fall back to
// core.NoOpTelemetry rather than fail startup over telemetry.
func NewOTelProvider(ctx context.Context, opts Options) (*OTelProvider, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(opts.ServiceName),
		attribute.String("governance.component", "root"),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var tp *sdktrace.TracerProvider
	switch {
	case opts.UseStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
	case opts.Endpoint != "":
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
		if opts.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
	default:
		tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &OTelProvider{
		tracer:        tp.Tracer("governance-core"),
		meter:         noopmetric.NewMeterProvider().Meter("governance-core"),
		traceProvider: tp,
		counters:      make(map[string]metric.Float64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
	}, nil
}

// StartSpan implements core.Telemetry.
func (p *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric implements core.Telemetry, recording value against a
// float64 counter keyed by name. Components that need a different
// instrument shape (histograms, gauges) go through RecordDuration instead.
func (p *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	counter := p.counterFor(name)
	if counter == nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// RecordDuration records a duration-shaped measurement (execution latency,
// sandbox run time, critic review turnaround) as a histogram in seconds.
func (p *OTelProvider) RecordDuration(name string, d time.Duration, labels map[string]string) {
	hist := p.histogramFor(name)
	if hist == nil {
		return
	}
	hist.Record(context.Background(), d.Seconds(), metric.WithAttributes(toAttributes(labels)...))
}

func (p *OTelProvider) counterFor(name string) metric.Float64Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c, err := p.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	p.counters[name] = c
	return c
}

func (p *OTelProvider) histogramFor(name string) metric.Float64Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	p.histograms[name] = h
	return h
}

// Shutdown flushes and stops the underlying trace provider. Safe to call
// more than once.
func (p *OTelProvider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		err = p.traceProvider.Shutdown(ctx)
	})
	return err
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

var _ core.Telemetry = (*OTelProvider)(nil)
