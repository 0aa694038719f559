// Package sandbox runs tenant JavaScript handlers. Every invocation gets a
// fresh goja runtime: no globals, counters or network handles survive it.
// The only capabilities installed are console output and a bounded fetch.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/networkpolicy"
	"github.com/oriys/orbit/internal/observability"
)

const (
	DefaultTimeout           = 5 * time.Second
	DefaultMaxFetchCalls     = 10
	DefaultMaxFetchBodyBytes = 1 << 20
	DefaultProgramCacheSize  = 256

	maxCallStackSize = 1024
	maxRedirects     = 5
)

// Config holds gateway-wide sandbox settings.
type Config struct {
	Timeout              time.Duration
	MaxFetchCalls        int
	MaxFetchBodyBytes    int64
	AllowPrivateNetworks bool
	ProgramCacheSize     int
	DialTimeout          time.Duration
}

// Limits bound a single invocation.
type Limits struct {
	Timeout       time.Duration
	MaxFetchCalls int
}

// LimitsFor resolves an invocation's limits. The function runtime overrides
// the app settings, which override the gateway configuration.
func (c Config) LimitsFor(app domain.RuntimeSettings, fn *domain.FunctionRuntime) Limits {
	l := Limits{Timeout: c.Timeout, MaxFetchCalls: c.MaxFetchCalls}
	if app.TimeoutMs > 0 {
		l.Timeout = time.Duration(app.TimeoutMs) * time.Millisecond
	}
	if app.MaxFetchCalls > 0 {
		l.MaxFetchCalls = app.MaxFetchCalls
	}
	if fn != nil && fn.TimeoutMs > 0 {
		l.Timeout = time.Duration(fn.TimeoutMs) * time.Millisecond
	}
	if fn != nil && fn.MaxFetchCalls > 0 {
		l.MaxFetchCalls = fn.MaxFetchCalls
	}
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}
	if l.MaxFetchCalls <= 0 {
		l.MaxFetchCalls = DefaultMaxFetchCalls
	}
	return l
}

// Request is the sole input handed to a handler.
type Request struct {
	Method  string
	Path    string
	Params  map[string]string
	Query   map[string]string
	Headers map[string]string
	Body    string
}

// Invocation is one handler call.
type Invocation struct {
	AppID   string
	RouteID string
	Runtime *domain.FunctionRuntime
	Request Request
	Limits  Limits
}

// Result is a completed handler response. It is also returned alongside a
// Fault so callers can report the final state and fetch usage.
type Result struct {
	StatusCode int
	Headers    map[string]string
	Body       string

	State      State
	Trace      []State
	FetchCalls int
}

// Sandbox executes invocations. Compiled programs are shared across
// invocations; runtimes never are.
type Sandbox struct {
	cfg      Config
	programs *lru.Cache[string, *goja.Program]
	client   *http.Client
}

// New creates a sandbox, filling zero config values with defaults.
func New(cfg Config) (*Sandbox, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxFetchCalls <= 0 {
		cfg.MaxFetchCalls = DefaultMaxFetchCalls
	}
	if cfg.MaxFetchBodyBytes <= 0 {
		cfg.MaxFetchBodyBytes = DefaultMaxFetchBodyBytes
	}
	if cfg.ProgramCacheSize <= 0 {
		cfg.ProgramCacheSize = DefaultProgramCacheSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	programs, err := lru.New[string, *goja.Program](cfg.ProgramCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create program cache: %w", err)
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	if !cfg.AllowPrivateNetworks {
		dialer = networkpolicy.PublicDialer(cfg.DialTimeout)
	}
	transport := &http.Transport{
		// No proxy: the egress check must see the real destination.
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: cfg.DialTimeout,
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
	return &Sandbox{cfg: cfg, programs: programs, client: client}, nil
}

// Config returns the effective configuration.
func (s *Sandbox) Config() Config { return s.cfg }

// Close releases idle outbound connections.
func (s *Sandbox) Close() {
	s.client.CloseIdleConnections()
}

func (s *Sandbox) program(fn *domain.FunctionRuntime) (*goja.Program, error) {
	sum := sha256.Sum256([]byte(fn.Source))
	key := hex.EncodeToString(sum[:])
	if p, ok := s.programs.Get(key); ok {
		metrics.RecordCacheLookup("sandbox_program", true)
		return p, nil
	}
	metrics.RecordCacheLookup("sandbox_program", false)
	p, err := goja.Compile("handler.js", fn.Source, true)
	if err != nil {
		return nil, err
	}
	s.programs.Add(key, p)
	return p, nil
}

// Invoke runs one handler to completion, fault or timeout. The returned
// error, when non-nil, is always a *Fault.
func (s *Sandbox) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "sandbox.invoke",
		observability.AttrAppID.String(inv.AppID),
		observability.AttrRouteID.String(inv.RouteID),
	)
	defer span.End()

	if inv.Limits.Timeout <= 0 {
		inv.Limits = s.cfg.LimitsFor(domain.RuntimeSettings{}, inv.Runtime)
	}
	r := newRun(s, inv)
	res, fault := r.execute(ctx)
	r.dispose()

	res.State = r.final
	res.Trace = r.trace
	res.FetchCalls = r.fetchCount
	span.SetAttributes(observability.AttrFetchCalls.Int(r.fetchCount))

	kind := ""
	if fault != nil {
		kind = string(fault.Kind)
		span.SetAttributes(observability.AttrFaultKind.String(kind))
		observability.SetSpanError(span, fault)
		logging.Op().Warn("sandbox invocation faulted",
			"app_id", inv.AppID,
			"route_id", inv.RouteID,
			"fault_kind", fault.Kind,
			"message", fault.Message,
			"fetch_calls", r.fetchCount,
		)
	}
	metrics.RecordSandbox(r.final.String(), kind, float64(time.Since(start).Microseconds())/1000)
	if fault != nil {
		return res, fault
	}
	return res, nil
}

func supportedLanguage(lang string) bool {
	switch strings.ToLower(strings.TrimSpace(lang)) {
	case "", "javascript", "js":
		return true
	}
	return false
}
