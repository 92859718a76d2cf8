// Package observability provides OpenTelemetry tracing and metrics for lexvec.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name used for the lexvec tracer.
	TracerName = "github.com/ozanlx/lexvec"
)

// TracingConfig configures the OpenTelemetry tracing.
type TracingConfig struct {
	// ServiceName is the name of the service (default: "lexvec")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Environment is the deployment environment (dev, staging, prod)
	Environment string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317")
	// If empty, tracing is disabled.
	OTLPEndpoint string

	// SampleRate is the trace sampling rate (0.0 to 1.0, default: 1.0)
	SampleRate float64
}

// DefaultTracingConfig returns a default tracing configuration.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "lexvec",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing.
// Returns a no-op tracer if OTLPEndpoint is empty.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}

	// If no endpoint, return no-op tracer
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{
			tracer: otel.Tracer(TracerName),
		}, nil
	}

	// Create OTLP exporter
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(), // Use TLS in production
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	// Create resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	// Create sampler
	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if cfg.SampleRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	// Create trace provider
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Set global provider and propagator
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}, nil
}

// Shutdown gracefully shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// SpanKind constants for lexvec operations.
const (
	SpanKindRun      = "run"
	SpanKindDocument = "document"
	SpanKindEmbed    = "embed"
	SpanKindUpsert   = "upsert"
	SpanKindScroll   = "scroll"
	SpanKindSearch   = "search"
)

// StartRunSpan starts a span covering an entire indexing run.
func StartRunSpan(ctx context.Context, sourceKind string, docCount int) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("lexvec.span.kind", SpanKindRun),
			attribute.String("pipeline.source_kind", sourceKind),
			attribute.Int("pipeline.doc_count", docCount),
		),
	)
	return ctx, span
}

// RecordRunResult records run totals on a span.
func RecordRunResult(span trace.Span, processed, errored, skipped, quarantined int) {
	span.SetAttributes(
		attribute.Int("pipeline.processed", processed),
		attribute.Int("pipeline.errored", errored),
		attribute.Int("pipeline.skipped", skipped),
		attribute.Int("pipeline.quarantined", quarantined),
	)
	if errored > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d documents errored", errored))
	}
}

// StartDocumentSpan starts a span for processing a single document.
func StartDocumentSpan(ctx context.Context, docID string, textLen int) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "pipeline.document",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("lexvec.span.kind", SpanKindDocument),
			attribute.String("document.id", docID),
			attribute.Int("document.text_len", textLen),
		),
	)
	return ctx, span
}

// RecordDocumentResult records the outcome of a document on its span.
func RecordDocumentResult(span trace.Span, chunkCount, written, failed int) {
	span.SetAttributes(
		attribute.Int("document.chunk_count", chunkCount),
		attribute.Int("document.points_written", written),
		attribute.Int("document.points_failed", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d points failed", failed))
	}
}

// StartEmbedSpan starts a span for an embedding service call.
func StartEmbedSpan(ctx context.Context, textCount int) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "embed.batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("lexvec.span.kind", SpanKindEmbed),
			attribute.Int("embed.text_count", textCount),
		),
	)
	return ctx, span
}

// RecordEmbedMetrics records embedding call metrics on a span.
func RecordEmbedMetrics(span trace.Span, vectorCount, failedCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("embed.vector_count", vectorCount),
		attribute.Int("embed.failed_count", failedCount),
		attribute.Int64("embed.duration_ms", duration.Milliseconds()),
	)
	if failedCount > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d texts failed to embed", failedCount))
	}
}

// StartUpsertSpan starts a span for a vector store upsert.
func StartUpsertSpan(ctx context.Context, pointCount, batchSize int) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "vectorstore.upsert",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("lexvec.span.kind", SpanKindUpsert),
			attribute.Int("upsert.point_count", pointCount),
			attribute.Int("upsert.batch_size", batchSize),
		),
	)
	return ctx, span
}

// RecordUpsertResult records upsert counts on a span.
func RecordUpsertResult(span trace.Span, written, failed int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("upsert.written", written),
		attribute.Int("upsert.failed", failed),
		attribute.Int64("upsert.duration_ms", duration.Milliseconds()),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d points failed", failed))
	}
}

// StartScrollSpan starts a span for reconciling indexed IDs from the store.
func StartScrollSpan(ctx context.Context, collection string) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "vectorstore.scroll",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("lexvec.span.kind", SpanKindScroll),
			attribute.String("vectorstore.collection", collection),
		),
	)
	return ctx, span
}

// StartSearchSpan starts a span for a similarity search.
func StartSearchSpan(ctx context.Context, collection string, limit int) (context.Context, trace.Span) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "vectorstore.search",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("lexvec.span.kind", SpanKindSearch),
			attribute.String("vectorstore.collection", collection),
			attribute.Int("search.limit", limit),
		),
	)
	return ctx, span
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
