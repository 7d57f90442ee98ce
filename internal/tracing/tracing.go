package tracing

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/middleware"
	"github.com/wudi/edgegate/internal/pipeline"
)

// HeaderTraceID echoes the trace id of sampled requests.
const HeaderTraceID = "X-Trace-ID"

// Tracer provides distributed tracing via OpenTelemetry. A disabled tracer
// still extracts and forwards inbound W3C trace context.
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New creates a Tracer exporting over OTLP/gRPC.
func New(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return newTracer(cfg, nil, nil)
	}

	opts := []otlptracegrpc.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlptracegrpc.WithInsecure(),
		)
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	return newTracer(cfg, exporter, sdktrace.WithBatcher(exporter))
}

// NewWithExporter creates an enabled Tracer exporting each span to exporter
// as it ends.
func NewWithExporter(cfg config.TracingConfig, exporter sdktrace.SpanExporter) (*Tracer, error) {
	cfg.Enabled = true
	return newTracer(cfg, exporter, sdktrace.WithSyncer(exporter))
}

func newTracer(cfg config.TracingConfig, exporter sdktrace.SpanExporter, export sdktrace.TracerProviderOption) (*Tracer, error) {
	t := &Tracer{
		enabled: cfg.Enabled && exporter != nil,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	otel.SetTextMapPropagator(t.propagator)

	if !t.enabled {
		t.tracer = noop.NewTracerProvider().Tracer("edgegate")
		return t, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "edgegate"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		export,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(t.provider)
	t.tracer = t.provider.Tracer("edgegate")
	return t, nil
}

// IsEnabled returns whether spans are recorded.
func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// Middleware extracts inbound trace context and, when enabled, opens a
// server span per request.
func (t *Tracer) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			if !t.enabled {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			ctx, span := t.tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ServerAddress(r.Host),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			if span.SpanContext().HasTraceID() {
				w.Header().Set(HeaderTraceID, span.SpanContext().TraceID().String())
			}

			tw := &tracingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(tw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", tw.statusCode))
			if id := w.Header().Get(pipeline.HeaderRequestID); id != "" {
				span.SetAttributes(attribute.String("gateway.request_id", id))
			}
			if tw.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(tw.statusCode))
			}
		})
	}
}

// Stage wraps a pipeline stage in an internal span named after it.
func (t *Tracer) Stage(s pipeline.Stage) pipeline.Stage {
	if !t.enabled {
		return s
	}
	return &spanStage{tracer: t.tracer, inner: s}
}

type spanStage struct {
	tracer trace.Tracer
	inner  pipeline.Stage
}

func (s *spanStage) Name() string { return s.inner.Name() }

func (s *spanStage) Process(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
	ctx, span := s.tracer.Start(r.Context(), "stage "+s.inner.Name(),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	res := s.inner.Process(w, r.WithContext(ctx), rc)
	if err := res.Err(); err != nil {
		span.SetAttributes(attribute.String("gateway.error_kind", err.Kind.String()))
		if err.StatusCode() >= 500 {
			span.SetStatus(codes.Error, err.Message)
		}
	}
	return res
}

// Inject writes the trace context of ctx into an outbound header.
func (t *Tracer) Inject(ctx context.Context, h http.Header) {
	t.propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// Close flushes and shuts down the provider.
func (t *Tracer) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// tracingWriter wraps ResponseWriter to capture status code
type tracingWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (tw *tracingWriter) WriteHeader(code int) {
	if !tw.wroteHeader {
		tw.statusCode = code
		tw.wroteHeader = true
	}
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *tracingWriter) Write(b []byte) (int, error) {
	tw.wroteHeader = true
	return tw.ResponseWriter.Write(b)
}

func (tw *tracingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *tracingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	tw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (tw *tracingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
