package tracing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// Collector turns per-turn span bookkeeping into real OpenTelemetry spans
// (exported via OTLP) and, when a backing TracingStore is configured,
// persisted store.TraceData/SpanData rows for the trace viewer.
type Collector struct {
	tracer  trace.Tracer
	tp      *sdktrace.TracerProvider
	store   store.TracingStore
	verbose bool
}

type collectorConfig struct {
	serviceName  string
	otlpEndpoint string
	useHTTP      bool
	insecure     bool
	verbose      bool
	store        store.TracingStore
}

// Option configures a Collector.
type Option func(*collectorConfig)

func WithStore(s store.TracingStore) Option { return func(c *collectorConfig) { c.store = s } }

func WithVerbose(v bool) Option { return func(c *collectorConfig) { c.verbose = v } }

func WithServiceName(name string) Option { return func(c *collectorConfig) { c.serviceName = name } }

// WithOTLPHTTPEndpoint configures the collector to export via OTLP/HTTP to
// the given endpoint (host:port, no scheme).
func WithOTLPHTTPEndpoint(endpoint string, insecure bool) Option {
	return func(c *collectorConfig) { c.otlpEndpoint = endpoint; c.useHTTP = true; c.insecure = insecure }
}

// WithOTLPGRPCEndpoint configures the collector to export via OTLP/gRPC to
// the given endpoint (host:port, no scheme).
func WithOTLPGRPCEndpoint(endpoint string, insecure bool) Option {
	return func(c *collectorConfig) { c.otlpEndpoint = endpoint; c.useHTTP = false; c.insecure = insecure }
}

// NewCollector builds a Collector backed by a real OTLP exporter. When no
// endpoint option is supplied, spans are still created against the SDK
// TracerProvider (and persisted to the store, if any) but never leave the
// process — this is the default for local/offline runs.
func NewCollector(ctx context.Context, opts ...Option) (*Collector, error) {
	cfg := collectorConfig{serviceName: "goclaw-agent"}
	for _, opt := range opts {
		opt(&cfg)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", cfg.serviceName)))
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.otlpEndpoint != "" {
		var exporter *otlptrace.Exporter
		if cfg.useHTTP {
			httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.otlpEndpoint)}
			if cfg.insecure {
				httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
			}
			exporter, err = otlptracehttp.New(ctx, httpOpts...)
		} else {
			grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.otlpEndpoint)}
			if cfg.insecure {
				grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
			}
			exporter, err = otlptracegrpc.New(ctx, grpcOpts...)
		}
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)

	return &Collector{
		tracer:  tp.Tracer("github.com/nextlevelbuilder/goclaw/internal/agent"),
		tp:      tp,
		store:   cfg.store,
		verbose: cfg.verbose,
	}, nil
}

// Verbose reports whether full message/output previews should be recorded
// on spans rather than truncated summaries.
func (c *Collector) Verbose() bool {
	if c == nil {
		return false
	}
	return c.verbose
}

// Shutdown flushes and stops the underlying TracerProvider.
func (c *Collector) Shutdown(ctx context.Context) error {
	if c == nil || c.tp == nil {
		return nil
	}
	return c.tp.Shutdown(ctx)
}

// CreateTrace starts a new persisted trace record.
func (c *Collector) CreateTrace(ctx context.Context, t *store.TraceData) error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.CreateTrace(ctx, t)
}

// FinishTrace marks a persisted trace as completed or errored.
func (c *Collector) FinishTrace(ctx context.Context, id uuid.UUID, status store.TraceStatus, endTime time.Time, errMsg string) error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.FinishTrace(ctx, id, status, endTime, errMsg)
}

func spanKindFor(t store.SpanType) trace.SpanKind {
	switch t {
	case store.SpanTypeLLMCall, store.SpanTypeToolCall:
		return trace.SpanKindClient
	default:
		return trace.SpanKindInternal
	}
}

// EmitSpan records one already-timed span: it opens and closes a real OTel
// span back-dated to span.StartTime/span.EndTime (so async/batched
// recording still yields accurate durations in the exporter), then
// persists span to the backing store, if configured.
func (c *Collector) EmitSpan(span store.SpanData) {
	if c == nil {
		return
	}

	startOpts := []trace.SpanStartOption{trace.WithTimestamp(span.StartTime), trace.WithSpanKind(spanKindFor(span.SpanType))}
	_, otelSpan := c.tracer.Start(context.Background(), span.Name, startOpts...)

	attrs := []attribute.KeyValue{
		attribute.String("goclaw.span_type", string(span.SpanType)),
	}
	if span.Model != "" {
		attrs = append(attrs, attribute.String("goclaw.model", span.Model))
	}
	if span.Provider != "" {
		attrs = append(attrs, attribute.String("goclaw.provider", span.Provider))
	}
	if span.ToolName != "" {
		attrs = append(attrs, attribute.String("goclaw.tool_name", span.ToolName))
	}
	if span.InputTokens > 0 || span.OutputTokens > 0 {
		attrs = append(attrs, attribute.Int("goclaw.input_tokens", span.InputTokens), attribute.Int("goclaw.output_tokens", span.OutputTokens))
	}
	otelSpan.SetAttributes(attrs...)

	if span.Status == store.SpanStatusError {
		otelSpan.SetStatus(codes.Error, span.Error)
	} else {
		otelSpan.SetStatus(codes.Ok, "")
	}

	endOpts := []trace.SpanEndOption{}
	if span.EndTime != nil {
		endOpts = append(endOpts, trace.WithTimestamp(*span.EndTime))
	}
	otelSpan.End(endOpts...)

	if c.store == nil {
		return
	}
	if span.ID == uuid.Nil {
		span.ID = store.GenNewID()
	}
	if span.CreatedAt.IsZero() {
		span.CreatedAt = time.Now().UTC()
	}
	if err := c.store.CreateSpan(context.Background(), span); err != nil {
		slog.Warn("tracing: failed to persist span", "error", err)
	}
}
