package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/errors"
	"github.com/wudi/edgegate/internal/pipeline"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tracer, err := NewWithExporter(config.TracingConfig{ServiceName: "test-gateway", SampleRate: 1.0}, exp)
	if err != nil {
		t.Fatalf("NewWithExporter: %v", err)
	}
	t.Cleanup(func() { tracer.Close(context.Background()) })
	return tracer, exp
}

func TestTracerMiddleware(t *testing.T) {
	tracer, exp := newTestTracer(t)

	var outbound http.Header
	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outbound = make(http.Header)
		tracer.Inject(r.Context(), outbound)
		w.Header().Set(pipeline.HeaderRequestID, "req-1")
		w.WriteHeader(http.StatusBadGateway)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/opera/orders", nil))

	tp := outbound.Get("traceparent")
	// 00-{32hex}-{16hex}-01
	if len(tp) != 55 {
		t.Errorf("traceparent should be 55 chars, got %q", tp)
	}
	if w.Header().Get(HeaderTraceID) == "" || !strings.Contains(tp, w.Header().Get(HeaderTraceID)) {
		t.Errorf("expected X-Trace-ID matching traceparent, got %q", w.Header().Get(HeaderTraceID))
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /opera/orders" {
		t.Errorf("unexpected span name %q", spans[0].Name)
	}
	if spans[0].Status.Code.String() != "Error" {
		t.Errorf("expected error status for 502, got %v", spans[0].Status.Code)
	}
}

func TestTracerPropagatesInboundContext(t *testing.T) {
	tracer, _ := newTestTracer(t)

	existing := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	var outbound http.Header
	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outbound = make(http.Header)
		tracer.Inject(r.Context(), outbound)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("traceparent", existing)
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if !strings.Contains(outbound.Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736") {
		t.Errorf("expected trace id preserved, got %s", outbound.Get("traceparent"))
	}
}

func TestTracerDisabledForwardsContext(t *testing.T) {
	tracer, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	if tracer.IsEnabled() {
		t.Fatal("expected disabled tracer")
	}

	existing := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	var outbound http.Header
	handler := tracer.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outbound = make(http.Header)
		tracer.Inject(r.Context(), outbound)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("traceparent", existing)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if outbound.Get("traceparent") != existing {
		t.Errorf("disabled tracer should pass traceparent through, got %q", outbound.Get("traceparent"))
	}
	if w.Header().Get(HeaderTraceID) != "" {
		t.Error("disabled tracer should not set X-Trace-ID")
	}
}

func TestStageSpans(t *testing.T) {
	tracer, exp := newTestTracer(t)

	inner := pipeline.StageFunc{
		StageName: "ratelimit",
		Fn: func(w http.ResponseWriter, r *http.Request, rc pipeline.RequestContext) pipeline.Result {
			return pipeline.Fail(rc, errors.RateLimited("slow down"))
		},
	}
	s := tracer.Stage(inner)
	if s.Name() != "ratelimit" {
		t.Errorf("wrapped stage should keep its name, got %q", s.Name())
	}

	rc := pipeline.NewRequestContext("req-1", "10.0.0.1", time.Now())
	res := s.Process(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil), rc)
	if res.Err() == nil || res.Err().Kind != errors.KindRateLimited {
		t.Fatalf("expected result to pass through, got %+v", res.Err())
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "stage ratelimit" {
		t.Fatalf("expected one stage span, got %+v", spans)
	}
	found := false
	for _, attr := range spans[0].Attributes {
		if string(attr.Key) == "gateway.error_kind" && attr.Value.AsString() == "rate_limited" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected error kind attribute, got %v", spans[0].Attributes)
	}
}

func TestStagePassthroughWhenDisabled(t *testing.T) {
	tracer, _ := New(config.TracingConfig{})
	inner := pipeline.StageFunc{StageName: "auth"}
	if _, ok := tracer.Stage(inner).(pipeline.StageFunc); !ok {
		t.Error("disabled tracer should return the stage unchanged")
	}
}
