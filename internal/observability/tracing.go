package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/stagetrack/internal/config"
)

const tracerName = "github.com/pitabwire/stagetrack"

// Span names of the move pipeline and the audit job.
const (
	SpanExecute  = "workflow.execute"
	SpanMoveItem = "workflow.move_item"
	SpanAudit    = "audit.sweep"
)

// Attribute keys carried by workflow spans.
var (
	AttrOrganizationID = attribute.Key("stagetrack.organization_id")
	AttrSubjectID      = attribute.Key("stagetrack.subject_id")
	AttrOperation      = attribute.Key("stagetrack.operation")
	AttrBatchSize      = attribute.Key("stagetrack.batch_size")
	AttrItemID         = attribute.Key("stagetrack.item_id")
	AttrOutcome        = attribute.Key("stagetrack.outcome")
	AttrAnomalies      = attribute.Key("stagetrack.audit.anomalies")
)

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned function flushes pending spans; it is a no-op when tracing is
// disabled.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := exporterFor(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func exporterFor(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// samplerFor samples root spans at rate, clamped to (0, 1], default 0.1,
// and follows the parent decision otherwise.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = 0.1
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the module tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with optional attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(attrs) == 0 {
		return Tracer().Start(ctx, name)
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartBatchSpan starts the span covering one batch move.
func StartBatchSpan(ctx context.Context, organizationID, subjectID, operation string, size int) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanExecute,
		AttrOrganizationID.String(organizationID),
		AttrSubjectID.String(subjectID),
		AttrOperation.String(operation),
		AttrBatchSize.Int(size),
	)
}

// StartItemSpan starts the span covering one item's transaction.
func StartItemSpan(ctx context.Context, itemID, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanMoveItem,
		AttrItemID.String(itemID),
		AttrOperation.String(operation),
	)
}

// EndItemSpan records the item outcome ("succeeded" or a failure code) and
// ends the span.
func EndItemSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	EndSpanWithError(span, err)
}

// EndSpanWithError ends span, marking it failed when err is non-nil.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace ID, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the active span ID, or "".
func SpanIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing an inbound
// traceparent and echoing the trace context on the response. Once routing
// has run the span is renamed to the chi route pattern so item IDs never
// reach span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rec := newStatusRecorder(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		span.SetName(r.Method + " " + routePattern(r))
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
