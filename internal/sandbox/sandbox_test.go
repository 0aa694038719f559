package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

func newTestSandbox(t *testing.T, cfg Config) *Sandbox {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func invocation(src string, limits Limits) Invocation {
	return Invocation{
		AppID:   "shop",
		RouteID: "route-1",
		Runtime: &domain.FunctionRuntime{Language: "javascript", Source: src},
		Request: Request{
			Method:  "POST",
			Path:    "/orders/42",
			Params:  map[string]string{"id": "42"},
			Query:   map[string]string{"expand": "items"},
			Headers: map[string]string{"content-type": "application/json"},
			Body:    `{"qty":3}`,
		},
		Limits: limits,
	}
}

func faultKind(t *testing.T, err error) FaultKind {
	t.Helper()
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected *Fault, got %T (%v)", err, err)
	}
	return f.Kind
}

func TestInvoke_Completes(t *testing.T) {
	s := newTestSandbox(t, Config{})
	src := `
function handler(req) {
  const body = JSON.parse(req.body);
  return {
    statusCode: 201,
    headers: {"X-Order": req.params.id},
    body: JSON.stringify({qty: body.qty, expand: req.query.expand, method: req.method}),
  };
}`
	res, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: time.Second, MaxFetchCalls: 1}))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.StatusCode != 201 || res.Headers["X-Order"] != "42" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Body != `{"qty":3,"expand":"items","method":"POST"}` {
		t.Fatalf("body = %s", res.Body)
	}
	if res.State != StateCompleted {
		t.Fatalf("state = %s", res.State)
	}
	want := []State{StateCreated, StateBound, StateRunning, StateCompleted, StateDisposed}
	if fmt.Sprint(res.Trace) != fmt.Sprint(want) {
		t.Fatalf("trace = %v, want %v", res.Trace, want)
	}
}

func TestInvoke_AsyncHandler(t *testing.T) {
	s := newTestSandbox(t, Config{})
	src := `async function handler(req) { return {statusCode: 200, body: "ok"}; }`
	res, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: time.Second, MaxFetchCalls: 1}))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.StatusCode != 200 || res.Body != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvoke_FetchCallLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newTestSandbox(t, Config{AllowPrivateNetworks: true})
	src := fmt.Sprintf(`
function handler(req) {
  for (let i = 0; i < 3; i++) {
    fetch(%q);
  }
  return {statusCode: 200};
}`, srv.URL)

	res, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: 2 * time.Second, MaxFetchCalls: 2}))
	if got := faultKind(t, err); got != FaultCallLimit {
		t.Fatalf("fault = %s, want %s", got, FaultCallLimit)
	}
	if hits.Load() != 2 {
		t.Fatalf("server saw %d requests, want 2", hits.Load())
	}
	if res.State != StateFaulted || res.FetchCalls != 3 {
		t.Fatalf("state=%s fetchCalls=%d", res.State, res.FetchCalls)
	}
}

func TestInvoke_CaughtFetchFailureStillFaults(t *testing.T) {
	s := newTestSandbox(t, Config{AllowPrivateNetworks: true})
	src := `
function handler(req) {
  try { fetch("http://127.0.0.1:1/"); } catch (e) {}
  return {statusCode: 200};
}`
	_, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: time.Second, MaxFetchCalls: 1}))
	if got := faultKind(t, err); got != FaultOutboundCall {
		t.Fatalf("fault = %s, want %s", got, FaultOutboundCall)
	}
}

func TestInvoke_FetchResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprintf(w, `{"method":%q}`, r.Method)
	}))
	defer srv.Close()

	s := newTestSandbox(t, Config{AllowPrivateNetworks: true})
	src := fmt.Sprintf(`
function handler(req) {
  const res = fetch(%q, {method: "put", body: {a: 1}});
  return {statusCode: res.status, headers: {"X-Upstream": res.headers["x-upstream"]}, body: res.json().method};
}`, srv.URL)
	res, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: 2 * time.Second, MaxFetchCalls: 1}))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.StatusCode != http.StatusAccepted || res.Body != "PUT" || res.Headers["X-Upstream"] != "orbit-sandbox" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvoke_EgressBlocked(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	s := newTestSandbox(t, Config{})
	src := fmt.Sprintf(`function handler(req) { fetch(%q); return {statusCode: 200}; }`, srv.URL)
	_, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: 2 * time.Second, MaxFetchCalls: 5}))
	if got := faultKind(t, err); got != FaultOutboundCall {
		t.Fatalf("fault = %s, want %s", got, FaultOutboundCall)
	}
	if hits.Load() != 0 {
		t.Fatal("loopback request escaped the egress guard")
	}
}

func TestInvoke_Timeout(t *testing.T) {
	s := newTestSandbox(t, Config{})
	src := `function handler(req) { while (true) {} }`
	start := time.Now()
	res, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: 50 * time.Millisecond, MaxFetchCalls: 1}))
	if got := faultKind(t, err); got != FaultTimeout {
		t.Fatalf("fault = %s, want %s", got, FaultTimeout)
	}
	if res.State != StateTimedOut {
		t.Fatalf("state = %s", res.State)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("interrupt took %s", time.Since(start))
	}
}

func TestInvoke_TimeoutAbortsInflightFetch(t *testing.T) {
	aborted := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			aborted <- struct{}{}
		case <-time.After(5 * time.Second):
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	s := newTestSandbox(t, Config{AllowPrivateNetworks: true})
	src := fmt.Sprintf(`
function handler(req) {
  fetch(%q);
  return {statusCode: 200};
}`, srv.URL)

	start := time.Now()
	res, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: 100 * time.Millisecond, MaxFetchCalls: 1}))
	if got := faultKind(t, err); got != FaultTimeout {
		t.Fatalf("fault = %s, want %s", got, FaultTimeout)
	}
	if res.State != StateTimedOut {
		t.Fatalf("state = %s", res.State)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("invocation returned after %s; outbound call not aborted", elapsed)
	}
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
}

func TestInvoke_CallerCanceled(t *testing.T) {
	s := newTestSandbox(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	src := `function handler(req) { while (true) {} }`
	res, err := s.Invoke(ctx, invocation(src, Limits{Timeout: 5 * time.Second, MaxFetchCalls: 1}))
	if got := faultKind(t, err); got != FaultCanceled {
		t.Fatalf("fault = %s, want %s", got, FaultCanceled)
	}
	if res.State != StateTimedOut {
		t.Fatalf("state = %s", res.State)
	}
}

func TestInvoke_HandlerFaults(t *testing.T) {
	s := newTestSandbox(t, Config{})
	tests := []struct {
		name string
		src  string
		want FaultKind
	}{
		{"throw", `function handler() { throw new Error("boom"); }`, FaultHandler},
		{"syntax", `function handler( {`, FaultHandler},
		{"missing entrypoint", `function other() { return {statusCode: 200}; }`, FaultHandler},
		{"rejected promise", `async function handler() { throw new Error("nope"); }`, FaultHandler},
		{"undefined result", `function handler() {}`, FaultInvalidResult},
		{"string result", `function handler() { return "ok"; }`, FaultInvalidResult},
		{"array result", `function handler() { return [200]; }`, FaultInvalidResult},
		{"missing status", `function handler() { return {body: "x"}; }`, FaultInvalidResult},
		{"status out of range", `function handler() { return {statusCode: 99}; }`, FaultInvalidResult},
		{"informational status", `function handler() { return {statusCode: 101}; }`, FaultInvalidResult},
		{"fractional status", `function handler() { return {statusCode: 200.5}; }`, FaultInvalidResult},
		{"string status", `function handler() { return {statusCode: "200"}; }`, FaultInvalidResult},
		{"numeric header", `function handler() { return {statusCode: 200, headers: {"X-N": 1}}; }`, FaultInvalidResult},
		{"header injection", `function handler() { return {statusCode: 200, headers: {"X-A": "a\r\nX-B: b"}}; }`, FaultInvalidResult},
		{"object body", `function handler() { return {statusCode: 200, body: {a: 1}}; }`, FaultInvalidResult},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Invoke(context.Background(), invocation(tt.src, Limits{Timeout: time.Second, MaxFetchCalls: 1}))
			if got := faultKind(t, err); got != tt.want {
				t.Fatalf("fault = %s, want %s (%v)", got, tt.want, err)
			}
			if res.State != StateFaulted {
				t.Fatalf("state = %s", res.State)
			}
		})
	}
}

func TestInvoke_NullHeadersAndBody(t *testing.T) {
	s := newTestSandbox(t, Config{})
	src := `function handler() { return {statusCode: 204, headers: null, body: undefined}; }`
	res, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: time.Second, MaxFetchCalls: 1}))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.StatusCode != 204 || res.Body != "" || len(res.Headers) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvoke_NoStateLeaksBetweenInvocations(t *testing.T) {
	s := newTestSandbox(t, Config{})
	src := `
var counter = (typeof counter === "number") ? counter : 0;
function handler(req) {
  counter++;
  globalThis.leaked = (globalThis.leaked || 0) + 1;
  return {statusCode: 200, body: String(counter) + ":" + String(globalThis.leaked)};
}`
	for i := 0; i < 3; i++ {
		res, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: time.Second, MaxFetchCalls: 1}))
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if res.Body != "1:1" {
			t.Fatalf("invocation %d saw state from an earlier run: %s", i, res.Body)
		}
	}

	var wg sync.WaitGroup
	var bad atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Invoke(context.Background(), invocation(src, Limits{Timeout: 2 * time.Second, MaxFetchCalls: 1}))
			if err != nil || res.Body != "1:1" {
				bad.Add(1)
			}
		}()
	}
	wg.Wait()
	if bad.Load() != 0 {
		t.Fatalf("%d concurrent invocations observed shared state", bad.Load())
	}
}

func TestInvoke_UnsupportedLanguage(t *testing.T) {
	s := newTestSandbox(t, Config{})
	inv := invocation(`function handler() { return {statusCode: 200}; }`, Limits{Timeout: time.Second, MaxFetchCalls: 1})
	inv.Runtime.Language = "python"
	_, err := s.Invoke(context.Background(), inv)
	if got := faultKind(t, err); got != FaultHandler {
		t.Fatalf("fault = %s", got)
	}
	if !strings.Contains(err.Error(), "python") {
		t.Fatalf("error should name the language: %v", err)
	}
}

func TestLimitsFor(t *testing.T) {
	cfg := Config{Timeout: 3 * time.Second, MaxFetchCalls: 4}

	l := cfg.LimitsFor(domain.RuntimeSettings{}, nil)
	if l.Timeout != 3*time.Second || l.MaxFetchCalls != 4 {
		t.Fatalf("gateway defaults not applied: %+v", l)
	}

	l = cfg.LimitsFor(domain.RuntimeSettings{TimeoutMs: 1000, MaxFetchCalls: 2}, nil)
	if l.Timeout != time.Second || l.MaxFetchCalls != 2 {
		t.Fatalf("app settings not applied: %+v", l)
	}

	l = cfg.LimitsFor(domain.RuntimeSettings{TimeoutMs: 1000, MaxFetchCalls: 2},
		&domain.FunctionRuntime{TimeoutMs: 250, MaxFetchCalls: 7})
	if l.Timeout != 250*time.Millisecond || l.MaxFetchCalls != 7 {
		t.Fatalf("function runtime should win: %+v", l)
	}

	l = Config{}.LimitsFor(domain.RuntimeSettings{}, nil)
	if l.Timeout != DefaultTimeout || l.MaxFetchCalls != DefaultMaxFetchCalls {
		t.Fatalf("zero config should fall back to defaults: %+v", l)
	}
}

func TestProgramCacheReusesCompiledSource(t *testing.T) {
	s := newTestSandbox(t, Config{ProgramCacheSize: 2})
	fn := &domain.FunctionRuntime{Source: `function handler() { return {statusCode: 200}; }`}
	a, err := s.program(fn)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.program(fn)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("identical source was compiled twice")
	}
}
