// Package tracing wires OpenTelemetry spans around harvest and sync runs.
// Tracing is off unless configured; the default tracer is a no-op.
package tracing

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "github.com/iksnae/session-vault"
	Version    = "0.3.0"
)

// ExporterType selects where spans go
type ExporterType string

const (
	ExporterNone   ExporterType = "none"
	ExporterStdout ExporterType = "stdout"
	ExporterOTLP   ExporterType = "otlp"
)

// Config holds tracing configuration
type Config struct {
	Enabled      bool         `yaml:"enabled"`
	ExporterType ExporterType `yaml:"exporter"`
	OTLPEndpoint string       `yaml:"otlp_endpoint"`
	ServiceName  string       `yaml:"service_name"`
	SampleRate   float64      `yaml:"sample_rate"`
	Output       io.Writer    `yaml:"-"` // stdout exporter target, os.Stdout when nil
}

// DefaultConfig returns tracing disabled
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		ExporterType: ExporterNone,
		ServiceName:  "session-vault",
		SampleRate:   1.0,
	}
}

// Tracer wraps an OpenTelemetry tracer
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	config   Config
}

var (
	globalMu sync.RWMutex
	global   *Tracer
)

// Init builds a tracer from cfg and makes it the process default
func Init(ctx context.Context, cfg Config) (*Tracer, error) {
	t, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	globalMu.Lock()
	global = t
	globalMu.Unlock()
	return t, nil
}

// Default returns the process tracer, or a no-op tracer before Init
func Default() *Tracer {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(TracerName), config: DefaultConfig()}
	}
	return global
}

// New creates a tracer. A disabled config yields a no-op tracer.
func New(ctx context.Context, cfg Config) (*Tracer, error) {
	if !cfg.Enabled || cfg.ExporterType == ExporterNone || cfg.ExporterType == "" {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(TracerName), config: cfg}, nil
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "session-vault"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(Version),
		),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   provider.Tracer(TracerName, trace.WithInstrumentationVersion(Version)),
		provider: provider,
		config:   cfg,
	}, nil
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Output != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Output))
		}
		return stdouttrace.New(opts...)
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

// Shutdown flushes and stops the provider
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// Start starts a span
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Span is a run or per-session span
type Span struct {
	span trace.Span
}

// StartRun starts the span of a harvest or sync run
func (t *Tracer) StartRun(ctx context.Context, op string, sources ...string) (context.Context, *Span) {
	ctx, span := t.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.StringSlice("vault.sources", sources)),
	)
	return ctx, &Span{span: span}
}

// StartSession starts a child span for one session of a run
func (t *Tracer) StartSession(ctx context.Context, op, source, nativeID string) (context.Context, *Span) {
	ctx, span := t.tracer.Start(ctx, op+".session",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("vault.source", source),
			attribute.String("vault.native_id", nativeID),
		),
	)
	return ctx, &Span{span: span}
}

// SetCount records a named counter on the span
func (s *Span) SetCount(key string, n int) {
	s.span.SetAttributes(attribute.Int("vault."+key, n))
}

// SetOutcome records what happened to a session
func (s *Span) SetOutcome(outcome string) {
	s.span.SetAttributes(attribute.String("vault.outcome", outcome))
}

// End ends the span; a non-nil err marks it failed
func (s *Span) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// AddEvent adds an event to the current span
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
