package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/netstub/internal/config"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tr := newWithProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { tr.Close() })
	return tr, sr
}

func TestTracerMiddlewareRecordsServerSpan(t *testing.T) {
	tr, sr := newRecordingTracer(t)

	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, span := tr.StartSpan(r.Context(), "netstub.intercept")
		span.End()
		w.WriteHeader(http.StatusBadGateway)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "http://example.com/api", nil))

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "netstub.intercept" {
		t.Errorf("expected child span first, got %s", spans[0].Name())
	}
	if spans[1].Name() != "proxy POST" {
		t.Errorf("expected server span name 'proxy POST', got %s", spans[1].Name())
	}
	if spans[0].Parent().SpanID() != spans[1].SpanContext().SpanID() {
		t.Error("intercept span should be a child of the server span")
	}
}

func TestInjectHeaders(t *testing.T) {
	tr, _ := newRecordingTracer(t)

	ctx, span := tr.StartSpan(context.Background(), "upstream")
	defer span.End()

	dst := httptest.NewRequest("GET", "http://upstream/", nil)
	tr.InjectHeaders(ctx, dst)

	if got := dst.Header.Get("traceparent"); len(got) != 55 {
		t.Errorf("expected 55-char traceparent, got %q", got)
	}
}

func TestTracerDisabled(t *testing.T) {
	tr, err := New(config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if tr.IsEnabled() {
		t.Fatal("tracer should be disabled")
	}

	handler := tr.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	dst := httptest.NewRequest("GET", "/", nil)
	tr.InjectHeaders(context.Background(), dst)
	if dst.Header.Get("traceparent") != "" {
		t.Error("disabled tracer should not add traceparent")
	}
}
