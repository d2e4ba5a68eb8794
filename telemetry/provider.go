// Package telemetry wires OpenTelemetry tracing into the control plane and the task lifecycle.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// RoleKey is the resource attribute naming the process role
// (dispatcher, agent or client).
const RoleKey = attribute.Key("dcn.role")

// ProviderConfig configures the OTLP trace pipeline of one dcn process.
type ProviderConfig struct {
	// ServiceName is the OpenTelemetry service name. Falls back to
	// OTEL_SERVICE_NAME, then "dcn".
	ServiceName    string
	ServiceVersion string

	// Role is the process role, exported as dcn.role.
	Role string

	// Instance identifies this process among others of the same role,
	// usually the agent or client name. Exported as service.instance.id.
	Instance string

	// Endpoint is the OTLP collector (host:port). Falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string
	Protocol string // "grpc" (default) or "http"
	Insecure bool
	Headers  map[string]string

	// SampleRatio is the fraction of new traces recorded. Spans whose
	// parent was sampled are always recorded so a task trace started by
	// a client stays whole across processes. Zero or above one samples
	// everything.
	SampleRatio float64

	// Debug records task arguments and results on spans.
	Debug bool

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
}

func (c ProviderConfig) serviceName() string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	if env := os.Getenv("OTEL_SERVICE_NAME"); env != "" {
		return env
	}
	return "dcn"
}

func (c ProviderConfig) endpoint() (string, error) {
	ep := c.Endpoint
	if ep == "" {
		ep = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if ep == "" {
		return "", fmt.Errorf("telemetry endpoint not configured (set endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	ep = strings.TrimPrefix(ep, "http://")
	return strings.TrimPrefix(ep, "https://"), nil
}

// Sampler returns the sampler for the configured ratio.
func (c ProviderConfig) Sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

// Resource describes the process: SDK and host attributes, then
// OTEL_RESOURCE_ATTRIBUTES, then service name and version, role and instance.
// Later sources win.
func (c ProviderConfig) Resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(c.serviceName()),
		semconv.ServiceNamespace("dcn"),
	}
	if c.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(c.ServiceVersion))
	}
	if c.Role != "" {
		attrs = append(attrs, RoleKey.String(c.Role))
	}
	if c.Instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(c.Instance))
	}
	return resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
}

func (c ProviderConfig) exporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	switch c.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if c.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(c.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(c.Headers))
		}
		if c.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(c.ExportTimeout))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if c.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(c.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(c.Headers))
		}
		if c.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(c.ExportTimeout))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown protocol: %s (use 'grpc' or 'http')", c.Protocol)
	}
}

// Provider owns the process-wide tracer provider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer *Tracer
}

// InitProvider starts the OTLP exporter, installs the provider and the W3C
// propagators globally, and sets the global Tracer. The returned Provider
// must be shut down to flush pending spans.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	exp, err := cfg.exporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}
	p, err := NewProvider(ctx, cfg, sdktrace.WithBatcher(exp, batchOptions(cfg)...))
	if err != nil {
		exp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	SetGlobalTracer(p.tracer)
	return p, nil
}

// NewProvider builds a provider with the configured resource and sampler
// around the given span processors, without touching global state.
func NewProvider(ctx context.Context, cfg ProviderConfig, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	res, err := cfg.Resource(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	opts = append(opts, sdktrace.WithResource(res), sdktrace.WithSampler(cfg.Sampler()))
	tp := sdktrace.NewTracerProvider(opts...)
	return &Provider{
		tp:     tp,
		tracer: NewTracerFromProvider(tp, cfg.serviceName(), cfg.Debug),
	}, nil
}

func batchOptions(cfg ProviderConfig) []sdktrace.BatchSpanProcessorOption {
	if cfg.BatchTimeout <= 0 {
		return nil
	}
	return []sdktrace.BatchSpanProcessorOption{sdktrace.WithBatchTimeout(cfg.BatchTimeout)}
}

// Tracer returns the tracer for this provider.
func (p *Provider) Tracer() *Tracer {
	return p.tracer
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
