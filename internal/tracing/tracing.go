// Package tracing sets up OpenTelemetry export and the run/step spans.
package tracing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/flexinfer/mentatlab/services/lineage-go"

// Span attribute keys shared by the scheduler and API.
const (
	AttrRunID       = attribute.Key("lineage.run_id")
	AttrPipeline    = attribute.Key("lineage.pipeline")
	AttrStep        = attribute.Key("lineage.step")
	AttrStepRunID   = attribute.Key("lineage.step_run_id")
	AttrFingerprint = attribute.Key("lineage.fingerprint")
	AttrCache       = attribute.Key("lineage.cache")
	AttrStatus      = attribute.Key("lineage.status")
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is a gRPC collector address such as "localhost:4317".
	OTLPEndpoint string
	Enabled      bool
	// SampleRate is the fraction of root spans kept, 0.0 to 1.0.
	SampleRate float64
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mentatlab-lineage",
		ServiceVersion: "dev",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
	}
}

// Provider owns the SDK tracer provider when export is enabled.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *slog.Logger
}

// Init installs a batching OTLP exporter as the global tracer provider.
// With tracing disabled the global no-op provider stays in place and the
// returned Provider's Shutdown does nothing.
func Init(ctx context.Context, cfg *Config, logger *slog.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger}
	if !cfg.Enabled {
		logger.Debug("tracing disabled")
		return p, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(Sampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Float64("sample_rate", cfg.SampleRate),
	)
	return p, nil
}

func newResource(cfg *Config) (*resource.Resource, error) {
	return resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
}

// Sampler maps a sample rate to a root sampler.
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the lineage tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartRun opens the root span of a pipeline run.
func StartRun(ctx context.Context, tracer trace.Tracer, runID, pipeline string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline_run", trace.WithAttributes(
		AttrRunID.String(runID),
		AttrPipeline.String(pipeline),
	))
}

// StartStep opens a span for one step of a run under the run span.
func StartStep(ctx context.Context, tracer trace.Tracer, runID, step string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "step_run", trace.WithAttributes(
		AttrRunID.String(runID),
		AttrStep.String(step),
	))
}
