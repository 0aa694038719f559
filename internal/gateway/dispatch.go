package gateway

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/oriys/orbit/internal/observability"
	"github.com/oriys/orbit/internal/sandbox"
	"github.com/oriys/orbit/internal/static"
)

func (p *Pipeline) dispatchStatic(x *exchange) Outcome {
	x.target = "static"
	if p.deps.Static == nil {
		return Fail(internalFault("static assets are not configured", nil))
	}
	x.w.Header().Set(headerRequestID, x.requestID)
	decorateCORS(x.w, x.r, x.spec.App.CORS)

	_, err := p.deps.Static.Serve(x.ctx, x.w, static.Request{
		Method:   x.r.Method,
		Prefix:   x.deployment.ArtifactsKeyPrefix,
		Path:     x.match.ForwardPath,
		Fallback: x.match.Fallback(),
		Headers:  x.meta.ResponseHeaders,
	})
	switch {
	case err == nil:
		x.outcome = "ok"
		return Responded()
	case errors.Is(err, static.ErrObjectNotFound):
		return Fail(newFault(KindStaticNotFound, "asset not found"))
	case x.ctx.Err() != nil:
		return Fail(&Fault{Kind: KindInvocationTimeout, Status: KindInvocationTimeout.Status(),
			Message: "asset could not be served in time", Err: err})
	default:
		return Fail(internalFault("asset could not be served", err))
	}
}

func (p *Pipeline) dispatchAPI(x *exchange) Outcome {
	x.target = "api"
	fn := x.meta.FunctionRuntime
	if fn == nil {
		return p.respondMock(x)
	}
	if p.deps.Invoker == nil {
		return Fail(internalFault("function runtime is not configured", nil))
	}

	inv := sandbox.Invocation{
		AppID:   x.spec.AppID(),
		RouteID: x.match.Route.ID,
		Runtime: fn,
		Request: sandboxRequest(x),
		Limits:  p.deps.Invoker.Config().LimitsFor(x.spec.App.Runtime, fn),
	}
	res, err := p.deps.Invoker.Invoke(x.ctx, inv)
	if err != nil {
		return Fail(sandboxFault(err))
	}

	// Handler headers replace everything the gateway may have set.
	h := x.w.Header()
	for k := range h {
		delete(h, k)
	}
	for k, v := range res.Headers {
		h.Set(k, v)
	}
	decorateCORS(x.w, x.r, x.spec.App.CORS)
	x.w.WriteHeader(res.StatusCode)
	if x.r.Method != http.MethodHead && res.Body != "" {
		_, _ = io.WriteString(x.w, res.Body)
	}
	x.outcome = "ok"
	observability.SpanFromContext(x.ctx).SetAttributes(observability.AttrFetchCalls.Int(res.FetchCalls))
	return Responded()
}

// respondMock answers an Api route that has no function: the configured
// status and headers with an empty body.
func (p *Pipeline) respondMock(x *exchange) Outcome {
	h := x.w.Header()
	h.Set(headerRequestID, x.requestID)
	for _, hdr := range x.meta.ResponseHeaders {
		h.Set(hdr.Name, hdr.Value)
	}
	decorateCORS(x.w, x.r, x.spec.App.CORS)
	x.w.WriteHeader(x.meta.StatusOr(http.StatusOK))
	x.outcome = "mock"
	return Responded()
}

func sandboxRequest(x *exchange) sandbox.Request {
	headers := make(map[string]string, len(x.r.Header))
	for k, v := range x.r.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	if x.r.Host != "" {
		headers["host"] = x.r.Host
	}
	query := make(map[string]string)
	for k, v := range x.r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	params := make(map[string]string, len(x.match.Params))
	for k, v := range x.match.Params {
		params[k] = v
	}
	return sandbox.Request{
		Method:  x.r.Method,
		Path:    x.match.ForwardPath,
		Params:  params,
		Query:   query,
		Headers: headers,
		Body:    string(x.body),
	}
}

// readBody reads at most limit bytes. Larger bodies are rejected rather than
// truncated.
func readBody(r *http.Request, limit int64) ([]byte, *Fault) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if r.ContentLength > limit {
		return nil, newFault(KindPayloadTooLarge, "request body is too large")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		f := newFault(KindValidationFailed, "request body could not be read")
		f.Err = err
		return nil, f
	}
	if int64(len(body)) > limit {
		return nil, newFault(KindPayloadTooLarge, "request body is too large")
	}
	return body, nil
}

// statusWriter remembers the status written to the client.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) statusCode() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.status
}
