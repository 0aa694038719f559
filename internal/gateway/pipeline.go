// Package gateway dispatches tenant requests. Each request passes through a
// fixed list of stages; a stage either lets the request continue or ends it
// with a response. The order is resolve, network guard, route match,
// metadata, auth, validation and dispatch. The access log is written after
// the response.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/orbit/internal/auth"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metadata"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/networkpolicy"
	"github.com/oriys/orbit/internal/observability"
	"github.com/oriys/orbit/internal/routing"
	"github.com/oriys/orbit/internal/sandbox"
	"github.com/oriys/orbit/internal/static"
	"github.com/oriys/orbit/internal/tenant"
)

const (
	DefaultMaxBodyBytes = 6 << 20

	headerRequestID = "X-Request-Id"
)

// Resolver maps a host to the tenant's live specification.
type Resolver interface {
	Resolve(ctx context.Context, host string) (*tenant.AppSpecification, error)
}

// MetadataSource reads immutable deployment snapshots.
type MetadataSource interface {
	Deployment(ctx context.Context, deploymentID string) (*domain.ApiDeployment, error)
	Get(ctx context.Context, deploymentID, routeID string) (domain.ApiRouteMetadata, error)
}

// Invoker runs tenant handlers.
type Invoker interface {
	Invoke(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error)
	Config() sandbox.Config
}

// StaticServer serves deployment assets.
type StaticServer interface {
	Serve(ctx context.Context, w http.ResponseWriter, req static.Request) (int, error)
}

// AccessRecorder receives one entry per dispatched request. Record must not
// block.
type AccessRecorder interface {
	Record(entry *domain.AccessLog)
}

// Deps are the pipeline's collaborators. Resolver and Metadata are
// required; a nil Invoker or Static makes the matching routes fail with an
// internal error.
type Deps struct {
	Resolver Resolver
	Metadata MetadataSource
	Invoker  Invoker
	Static   StaticServer
	Access   AccessRecorder
}

type Options struct {
	TrustForwardedFor bool
	MaxBodyBytes      int64
	RequestTimeout    time.Duration
	SchemaCacheSize   int
}

// Outcome is what a stage returns: continue to the next stage, or stop.
// A stopping outcome either carries a fault to render or means the stage
// already wrote the response.
type Outcome struct {
	terminal bool
	fault    *Fault
}

// Continue lets the request proceed to the next stage.
func Continue() Outcome { return Outcome{} }

// Responded ends the pipeline; the stage wrote the response itself.
func Responded() Outcome { return Outcome{terminal: true} }

// Fail ends the pipeline with a fault response.
func Fail(f *Fault) Outcome { return Outcome{terminal: true, fault: f} }

// Terminal reports whether the pipeline stops here.
func (o Outcome) Terminal() bool { return o.terminal }

type stage struct {
	name string
	run  func(*exchange) Outcome
}

// Pipeline is the gateway's http.Handler.
type Pipeline struct {
	deps      Deps
	opts      Options
	validator *validator
	stages    []stage

	// stageHook observes each stage before it runs.
	stageHook func(name string)
}

// New builds a pipeline.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Resolver == nil || deps.Metadata == nil {
		return nil, errors.New("gateway: resolver and metadata source are required")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	v, err := newValidator(opts.SchemaCacheSize)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{deps: deps, opts: opts, validator: v}
	p.stages = []stage{
		{"resolve", p.resolveApp},
		{"network_guard", p.checkNetwork},
		{"match", p.matchRoute},
		{"metadata", p.loadMetadata},
		{"auth", p.authorize},
		{"validate", p.validate},
		{"dispatch", p.dispatch},
	}
	return p, nil
}

// exchange is the per-request state threaded through the stages.
type exchange struct {
	base      context.Context // request context plus log attributes
	ctx       context.Context // base plus the current stage span
	r         *http.Request
	w         *statusWriter
	start     time.Time
	requestID string
	host      string
	clientIP  netip.Addr

	spec         *tenant.AppSpecification
	deploymentID string // read once from the spec
	deployment   *domain.ApiDeployment
	match        routing.Result
	meta         domain.ApiRouteMetadata
	principal    *auth.Principal
	body         []byte

	target  string
	outcome string
}

func (x *exchange) annotate(args ...any) {
	x.base = logging.WithAttrs(x.base, args...)
}

func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()

	ctx := r.Context()
	if p.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.RequestTimeout)
		defer cancel()
	}

	requestID := r.Header.Get(headerRequestID)
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.NewString()
	}

	x := &exchange{
		r:         r,
		w:         &statusWriter{ResponseWriter: w},
		start:     time.Now(),
		requestID: requestID,
		host:      domain.NormalizeHost(r.Host),
		clientIP:  clientIP(r, p.opts.TrustForwardedFor),
	}
	x.base = logging.WithAttrs(ctx, "request_id", requestID)
	x.ctx = x.base

	p.run(x)
	p.finish(x)
}

func (p *Pipeline) run(x *exchange) {
	for _, st := range p.stages {
		out := p.runStage(x, st)
		if !out.Terminal() {
			continue
		}
		if out.fault != nil {
			p.respondFault(x, out.fault)
		}
		return
	}
	p.respondFault(x, internalFault("no stage produced a response", nil))
}

// runStage executes one stage under its own span. A panic inside a stage
// becomes an internal fault.
func (p *Pipeline) runStage(x *exchange, st stage) (out Outcome) {
	if p.stageHook != nil {
		p.stageHook(st.name)
	}
	ctx, span := observability.StartSpan(x.base, "gateway."+st.name,
		observability.AttrStage.String(st.name),
		observability.AttrRequestID.String(x.requestID),
	)
	x.ctx = ctx
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			logging.FromContext(x.base).Error("gateway stage panic",
				"stage", st.name, "panic", rec, "stack", string(debug.Stack()))
			out = Fail(internalFault("internal error", fmt.Errorf("panic in stage %s: %v", st.name, rec)))
		}
		metrics.RecordStage(st.name, float64(time.Since(start).Microseconds())/1000)
		if out.fault != nil {
			span.SetAttributes(observability.AttrFaultKind.String(string(out.fault.Kind)))
			if out.fault.Status >= 500 {
				observability.SetSpanError(span, out.fault)
			}
		}
		span.End()
		x.ctx = x.base
	}()

	return st.run(x)
}

func (p *Pipeline) resolveApp(x *exchange) Outcome {
	spec, err := p.deps.Resolver.Resolve(x.ctx, x.host)
	if errors.Is(err, tenant.ErrAppNotFound) {
		return Fail(newFault(KindAppNotFound, "no application is bound to this host"))
	}
	if err != nil {
		return Fail(internalFault("application could not be loaded", err))
	}
	x.spec = spec
	// The only read of the active pointer for this request.
	x.deploymentID = spec.ActiveDeploymentID()
	x.annotate("app_id", spec.AppID(), "deployment_id", x.deploymentID)
	return Continue()
}

func (p *Pipeline) checkNetwork(x *exchange) Outcome {
	if x.spec.Guard.Check(x.clientIP) == networkpolicy.Deny {
		logging.FromContext(x.base).Debug("client address denied", "client_ip", x.clientIP.String())
		return Fail(newFault(KindAccessDenied, "client address is not allowed"))
	}
	return Continue()
}

func (p *Pipeline) matchRoute(x *exchange) Outcome {
	cors := x.spec.App.CORS
	preflight := cors != nil && isPreflight(x.r)

	method := x.r.Method
	if preflight {
		method = x.r.Header.Get("Access-Control-Request-Method")
	}
	res := x.spec.Routes.Match(method, x.r.URL.Path)
	if !res.Matched() {
		return Fail(newFault(KindNoRouteMatch, "no route matches this request"))
	}
	x.match = res
	x.annotate("route_id", res.Route.ID)

	if preflight {
		x.outcome = "preflight"
		if f := handlePreflight(x.w, x.r, cors); f != nil {
			return Fail(f)
		}
		return Responded()
	}
	return Continue()
}

func (p *Pipeline) loadMetadata(x *exchange) Outcome {
	if x.deploymentID == "" {
		return Fail(newFault(KindDeploymentUnavailable, "application has no active deployment"))
	}
	dep, err := p.deps.Metadata.Deployment(x.ctx, x.deploymentID)
	if errors.Is(err, metadata.ErrDeploymentNotFound) {
		return Fail(&Fault{Kind: KindDeploymentUnavailable, Status: KindDeploymentUnavailable.Status(),
			Message: "active deployment is unavailable", Err: err})
	}
	if err != nil {
		return Fail(internalFault("deployment could not be loaded", err))
	}
	x.deployment = dep

	meta, err := p.deps.Metadata.Get(x.ctx, x.deploymentID, x.match.Route.ID)
	switch {
	case err == nil:
		x.meta = meta
	case errors.Is(err, metadata.ErrRouteMetadataMissing):
		// Route added after the snapshot: defaults apply.
		logging.FromContext(x.base).Debug("route has no metadata in deployment")
	default:
		return Fail(internalFault("route metadata could not be loaded", err))
	}
	return Continue()
}

func (p *Pipeline) authorize(x *exchange) Outcome {
	d := x.spec.Enforcer.Authorize(x.r, &x.meta)
	switch d.Outcome {
	case auth.Authorized:
		x.principal = d.Principal
		if !d.Principal.Anonymous {
			x.annotate("principal", d.Principal.Subject)
		}
		x.base = auth.WithPrincipal(x.base, d.Principal)
		return Continue()
	case auth.Forbidden:
		logging.FromContext(x.base).Debug("request forbidden", "reason", d.Reason)
		return Fail(newFault(KindForbidden, "credentials do not grant access to this application"))
	default:
		logging.FromContext(x.base).Debug("request unauthorized", "reason", d.Reason)
		return Fail(newFault(KindUnauthorized, "valid credentials are required"))
	}
}

func (p *Pipeline) validate(x *exchange) Outcome {
	if x.match.Route.Target.Type == domain.TargetAPI {
		body, f := readBody(x.r, p.opts.MaxBodyBytes)
		if f != nil {
			return Fail(f)
		}
		x.body = body
	}
	if x.meta.RequestSchemas.Empty() {
		return Continue()
	}
	key := x.deploymentID + "/" + x.match.Route.ID
	if err := p.validator.validate(key, x.meta.RequestSchemas, x.r.URL.Query(), x.r.Header, x.body); err != nil {
		return Fail(newFault(KindValidationFailed, FormatValidationError(err)))
	}
	return Continue()
}

func (p *Pipeline) dispatch(x *exchange) Outcome {
	switch x.match.Route.Target.Type {
	case domain.TargetStatic:
		return p.dispatchStatic(x)
	case domain.TargetAPI:
		return p.dispatchAPI(x)
	}
	return Fail(internalFault("unknown route target", fmt.Errorf("target type %q", x.match.Route.Target.Type)))
}

func (p *Pipeline) respondFault(x *exchange, f *Fault) {
	x.outcome = string(f.Kind)
	l := logging.FromContext(x.base)
	if f.Status >= 500 {
		l.Warn("request failed", "kind", f.Kind, "status", f.Status, "error", f.Error())
	} else {
		l.Debug("request rejected", "kind", f.Kind, "status", f.Status)
	}
	if x.w.wroteHeader {
		return
	}
	x.w.Header().Set(headerRequestID, x.requestID)
	if x.spec != nil {
		decorateCORS(x.w, x.r, x.spec.App.CORS)
	}
	writeFault(x.w, f)
}

// finish records the request after the response has been written.
func (p *Pipeline) finish(x *exchange) {
	dur := time.Since(x.start)
	status := x.w.statusCode()
	if x.outcome == "" {
		x.outcome = "ok"
	}
	target := x.target
	if target == "" {
		target = "none"
	}
	metrics.RecordRequest(target, x.outcome, status, float64(dur.Microseconds())/1000)

	entry := &logging.RequestLog{
		Timestamp:    x.start,
		RequestID:    x.requestID,
		TraceID:      observability.GetTraceID(x.base),
		Host:         x.host,
		DeploymentID: x.deploymentID,
		Method:       x.r.Method,
		Path:         x.r.URL.Path,
		Status:       status,
		Outcome:      x.outcome,
		DurationMs:   dur.Milliseconds(),
	}
	if x.clientIP.IsValid() {
		entry.ClientIP = x.clientIP.String()
	}
	if x.spec != nil {
		entry.AppID = x.spec.AppID()
	}
	if x.match.Matched() {
		entry.RouteID = x.match.Route.ID
	}
	logging.Default().Log(entry)

	// Access logs belong to an app; requests for unknown hosts have none.
	if x.spec == nil || p.deps.Access == nil {
		return
	}
	p.deps.Access.Record(&domain.AccessLog{
		AppID:      x.spec.AppID(),
		RouteID:    x.match.RouteID(),
		Method:     x.r.Method,
		Path:       x.r.URL.Path,
		StatusCode: status,
		CreatedAt:  x.start.UTC(),
		DurationMs: dur.Milliseconds(),
	})
}
