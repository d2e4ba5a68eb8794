package telemetry

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with dcn-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include task arguments and results in spans
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// EndSpan records err, if any, and ends the span.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Control Spans ---

// StartCommandSpan starts a span for a control request. client selects the
// requesting side; otherwise the span is the dispatcher's handling.
func (t *Tracer) StartCommandSpan(ctx context.Context, command string, client bool) (context.Context, trace.Span) {
	kind := trace.SpanKindServer
	if client {
		kind = trace.SpanKindClient
	}
	ctx, span := t.tracer.Start(ctx, "control."+command, trace.WithSpanKind(kind))
	span.SetAttributes(attribute.String("control.command", command))
	return ctx, span
}

// --- Task Spans ---

// TaskSpanOptions contains the outcome of a task.
type TaskSpanOptions struct {
	Status     bool
	Resolution string
	Result     string // Only included if debug=true
}

// StartTaskSpan starts a span for one task execution.
func (t *Tracer) StartTaskSpan(ctx context.Context, id int, module, function string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task."+module+"."+function, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.Int("task.id", id),
		attribute.String("task.module", module),
		attribute.String("task.function", function),
	)
	return ctx, span
}

// EndTaskSpan ends a task span. A failed task marks the span as an error.
func (t *Tracer) EndTaskSpan(span trace.Span, opts TaskSpanOptions) {
	span.SetAttributes(attribute.Bool("task.status", opts.Status))
	if t.debug && opts.Result != "" {
		span.SetAttributes(attribute.String("task.result", truncate(opts.Result, 4000)))
	}
	if !opts.Status {
		span.SetAttributes(attribute.String("task.resolution", truncate(opts.Resolution, 1000)))
		span.SetStatus(codes.Error, truncate(opts.Resolution, 200))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// InjectHeader writes the trace context of ctx into h.
func InjectHeader(ctx context.Context, h map[string][]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(h)))
}

// ExtractHeader returns ctx carrying the trace context found in h.
func ExtractHeader(ctx context.Context, h map[string][]string) context.Context {
	if len(h) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(h)))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
