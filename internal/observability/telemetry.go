package observability

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const flushTimeout = 5 * time.Second

// Config selects how gateway spans are sampled and where they are shipped.
type Config struct {
	Enabled        bool
	Exporter       string // otlp-http or none
	Endpoint       string // host:port of the OTLP/HTTP collector
	ServiceName    string
	ServiceVersion string
	SampleRate     float64
}

type state struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var current atomic.Pointer[state]

func init() {
	current.Store(disabledState())
}

func disabledState() *state {
	return &state{tracer: noop.NewTracerProvider().Tracer("orbit")}
}

// Init installs the process tracer. With tracing disabled every span is a
// no-op and no trace context is propagated.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		current.Store(disabledState())
		return nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName(cfg)),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	current.Store(&state{provider: tp, tracer: tp.Tracer(serviceName(cfg))})
	return nil
}

func serviceName(cfg Config) string {
	if cfg.ServiceName == "" {
		return "orbit"
	}
	return cfg.ServiceName
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "otlp-http", "otlp":
		exp, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter for %s: %w", cfg.Endpoint, err)
		}
		return exp, nil
	case "none", "":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// newSampler keeps the caller's sampling decision when a request arrives
// with trace context and applies rate only to traces the gateway starts.
func newSampler(rate float64) sdktrace.Sampler {
	root := sdktrace.AlwaysSample()
	if rate >= 0 && rate < 1 {
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Shutdown flushes buffered spans and stops the exporter.
func Shutdown(ctx context.Context) error {
	s := current.Load()
	if s.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	return s.provider.Shutdown(ctx)
}

// Tracer returns the active tracer.
func Tracer() trace.Tracer {
	return current.Load().tracer
}

// Enabled reports whether spans are being recorded.
func Enabled() bool {
	return current.Load().provider != nil
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	return nil
}

func (discardExporter) Shutdown(context.Context) error {
	return nil
}
