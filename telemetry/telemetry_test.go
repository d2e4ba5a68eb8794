package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })
	return NewTracerFromProvider(tp, "test", false), rec
}

// --- Unit Tests ---

func TestGetTracer_Noop(t *testing.T) {
	SetGlobalTracer(nil)
	_, span := GetTracer().StartCommandSpan(context.Background(), "pulse", true)
	GetTracer().EndSpan(span, nil)
}

func TestCommandSpan(t *testing.T) {
	tr, rec := newRecorder(t)

	_, span := tr.StartCommandSpan(context.Background(), "register_agent", false)
	tr.EndSpan(span, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "control.register_agent" {
		t.Errorf("Name() = %q", spans[0].Name())
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("Status = %v, want Error", spans[0].Status().Code)
	}
}

func TestTaskSpan(t *testing.T) {
	tr, rec := newRecorder(t)

	_, span := tr.StartTaskSpan(context.Background(), 7, "builtin", "echo")
	tr.EndTaskSpan(span, TaskSpanOptions{Status: true, Result: "secret"})

	_, span = tr.StartTaskSpan(context.Background(), 8, "builtin", "nope")
	tr.EndTaskSpan(span, TaskSpanOptions{Status: false, Resolution: "function not found"})

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "task.builtin.echo" || spans[0].Status().Code != codes.Ok {
		t.Errorf("first span = %q %v", spans[0].Name(), spans[0].Status().Code)
	}
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "task.result" {
			t.Error("result should only be recorded in debug mode")
		}
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("failed task span status = %v, want Error", spans[1].Status().Code)
	}
}

func TestProvider_Resource(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	p, err := NewProvider(context.Background(), ProviderConfig{
		ServiceName:    "dcn-agent",
		ServiceVersion: "1.2.0",
		Role:           "agent",
		Instance:       "worker-1",
	}, sdktrace.WithSpanProcessor(rec))
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().StartSpan(context.Background(), "pull")
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	attrs := spans[0].Resource().Set()
	tests := []struct {
		key  string
		want string
	}{
		{string(semconv.ServiceNameKey), "dcn-agent"},
		{string(semconv.ServiceVersionKey), "1.2.0"},
		{string(semconv.ServiceInstanceIDKey), "worker-1"},
		{string(RoleKey), "agent"},
	}
	for _, tt := range tests {
		v, ok := attrs.Value(attribute.Key(tt.key))
		if !ok || v.AsString() != tt.want {
			t.Errorf("resource %s = %q, want %q", tt.key, v.AsString(), tt.want)
		}
	}
}

func TestProviderConfig_Sampler(t *testing.T) {
	low := trace.TraceID{15: 1}
	high := trace.TraceID{8: 0xff, 9: 0xff, 10: 0xff, 11: 0xff, 12: 0xff, 13: 0xff, 14: 0xff, 15: 0xff}

	sampledParent := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    high,
		SpanID:     trace.SpanID{7: 1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))

	tests := []struct {
		name   string
		ratio  float64
		ctx    context.Context
		id     trace.TraceID
		record bool
	}{
		{"zero ratio samples all", 0, context.Background(), high, true},
		{"ratio above one samples all", 2, context.Background(), high, true},
		{"root under ratio", 0.5, context.Background(), low, true},
		{"root over ratio", 0.5, context.Background(), high, false},
		{"sampled parent wins", 0.5, sampledParent, high, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ProviderConfig{SampleRatio: tt.ratio}.Sampler().ShouldSample(sdktrace.SamplingParameters{
				ParentContext: tt.ctx,
				TraceID:       tt.id,
				Name:          "task.builtin.echo",
			})
			if got := res.Decision == sdktrace.RecordAndSample; got != tt.record {
				t.Errorf("sampled = %v, want %v", got, tt.record)
			}
		})
	}
}

func TestHeaderPropagation(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tr, _ := newRecorder(t)

	ctx, span := tr.StartSpan(context.Background(), "publish")
	defer span.End()

	h := map[string][]string{}
	InjectHeader(ctx, h)
	if len(h["Traceparent"]) == 0 {
		t.Fatalf("traceparent not injected: %v", h)
	}

	got := ExtractHeader(context.Background(), h)
	if !tracetestSameTrace(got, ctx) {
		t.Error("extracted context should carry the same trace id")
	}
}

func tracetestSameTrace(a, b context.Context) bool {
	return trace.SpanContextFromContext(a).TraceID() == trace.SpanContextFromContext(b).TraceID()
}

// --- Failure Tests ---

func TestInitProvider_Misconfigured(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	tests := []struct {
		name string
		cfg  ProviderConfig
	}{
		{"no endpoint", ProviderConfig{}},
		{"unknown protocol", ProviderConfig{Endpoint: "localhost:4317", Protocol: "udp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := InitProvider(context.Background(), tt.cfg); err == nil {
				t.Error("InitProvider() should fail")
			}
		})
	}
}
