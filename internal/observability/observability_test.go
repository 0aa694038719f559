package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDisabledTracingIsSafe(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "stage")
	span.End()
	if GetTraceID(ctx) != "" {
		t.Fatal("noop span should carry no trace id")
	}

	h := http.Header{}
	InjectHeaders(ctx, h)
	if h.Get("traceparent") != "" {
		t.Fatal("no trace context should be injected when disabled")
	}
}

func TestHTTPMiddlewarePassesThrough(t *testing.T) {
	called := false
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if !called || rec.Code != http.StatusTeapot {
		t.Fatalf("called=%v code=%d", called, rec.Code)
	}
}

func TestInitEnabledPropagates(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: true, Exporter: "none", ServiceName: "orbit", SampleRate: 1}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		Shutdown(context.Background())
		Init(context.Background(), Config{Enabled: false})
	}()

	ctx, span := StartSpan(context.Background(), "fetch")
	defer span.End()
	h := http.Header{}
	InjectHeaders(ctx, h)
	if h.Get("traceparent") == "" {
		t.Fatal("traceparent not injected")
	}
	if got := GetTraceID(ExtractHeaders(context.Background(), h)); got != GetTraceID(ctx) {
		t.Fatalf("extracted trace id %q, want %q", got, GetTraceID(ctx))
	}
}
