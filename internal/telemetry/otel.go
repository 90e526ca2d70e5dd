// Package telemetry wires the guard's enforcement decisions into
// OpenTelemetry spans: one per check_tool/check_resource call, and one
// per proxied frame.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors config.TelemetryConfig; kept separate so this package
// has no dependency on the top-level config package.
type Config struct {
	Enabled     bool
	Exporter    string // "otlp", "stdout", or "none"
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// Provider manages the OpenTelemetry tracer used to emit enforcement
// and proxy spans.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a tracer provider for the configured exporter.
// An unrecognized or "none" exporter, or Enabled == false, yields a
// Provider whose spans are never exported.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("toolguard")}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "toolguard"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("otlp exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("toolguard")}, nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("toolguard"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the underlying tracer for callers that need to start
// spans not covered by the helpers below.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the tracer provider, if one was created.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled reports whether spans produced by this provider are actually
// exported anywhere.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

const (
	AttrIdentity   = "toolguard.identity"
	AttrTool       = "toolguard.tool"
	AttrResource   = "toolguard.resource"
	AttrDecision   = "toolguard.decision"
	AttrReason     = "toolguard.reason"
	AttrFrameType  = "toolguard.frame.type"
	AttrConnID     = "toolguard.conn.id"
	AttrRemaining  = "toolguard.rate.remaining"
)

// StartCheckSpan starts a span covering one check_tool or check_resource
// enforcement decision.
func (p *Provider) StartCheckSpan(ctx context.Context, op, identity, target string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrIdentity, identity),
			attribute.String(AttrTool, target),
		),
	)
}

// EndCheckSpan records the enforcement outcome and closes the span.
func (p *Provider) EndCheckSpan(span trace.Span, decision string, reason string, remaining int, err error) {
	span.SetAttributes(
		attribute.String(AttrDecision, decision),
		attribute.Int(AttrRemaining, remaining),
	)
	if reason != "" {
		span.SetAttributes(attribute.String(AttrReason, reason))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartFrameSpan starts a span covering one proxied WebSocket frame.
func (p *Provider) StartFrameSpan(ctx context.Context, connID string, frameType string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "proxy.frame",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrConnID, connID),
			attribute.String(AttrFrameType, frameType),
		),
	)
}

// NoopProvider returns a provider whose spans are never exported, for
// use in tests and code paths that don't wire a real config.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("toolguard-noop")}
}
