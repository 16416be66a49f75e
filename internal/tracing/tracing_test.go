package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), &Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{2.0, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := Sampler(tt.rate).Description(); got != tt.want {
			t.Errorf("Sampler(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestRunAndStepSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("test")

	ctx, run := StartRun(context.Background(), tracer, "run-1", "training")
	_, step := StartStep(ctx, tracer, "run-1", "trainer")
	step.End()
	run.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	stepSpan, runSpan := spans[0], spans[1]
	if stepSpan.Name() != "step_run" || runSpan.Name() != "pipeline_run" {
		t.Fatalf("span names = %q, %q", stepSpan.Name(), runSpan.Name())
	}
	if stepSpan.Parent().SpanID() != runSpan.SpanContext().SpanID() {
		t.Error("step span is not a child of the run span")
	}
	attrs := map[string]string{}
	for _, kv := range stepSpan.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs[string(AttrStep)] != "trainer" || attrs[string(AttrRunID)] != "run-1" {
		t.Errorf("step attributes = %v", attrs)
	}
}
