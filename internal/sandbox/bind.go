package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dop251/goja"

	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/networkpolicy"
	"github.com/oriys/orbit/internal/observability"
)

const maxConsoleLine = 4 << 10

// bind installs the request object and the granted capabilities.
func (r *run) bind() (goja.Value, error) {
	vm := r.vm
	req := r.inv.Request

	obj := vm.NewObject()
	for _, kv := range []struct {
		name  string
		value any
	}{
		{"method", req.Method},
		{"path", req.Path},
		{"params", r.stringObject(req.Params)},
		{"query", r.stringObject(req.Query)},
		{"headers", r.stringObject(req.Headers)},
		{"body", req.Body},
	} {
		if err := obj.Set(kv.name, kv.value); err != nil {
			return nil, err
		}
	}

	console := vm.NewObject()
	for _, level := range []string{"log", "info", "debug", "warn", "error"} {
		if err := console.Set(level, r.consoleFunc(level)); err != nil {
			return nil, err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return nil, err
	}
	if err := vm.Set("fetch", r.fetch); err != nil {
		return nil, err
	}
	return obj, nil
}

func (r *run) stringObject(m map[string]string) *goja.Object {
	obj := r.vm.NewObject()
	for k, v := range m {
		_ = obj.Set(k, v)
	}
	return obj
}

// consoleFunc forwards tenant console output to the operational log.
func (r *run) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, formatConsoleArg(arg))
		}
		line := strings.Join(parts, " ")
		if len(line) > maxConsoleLine {
			line = line[:maxConsoleLine] + "...[truncated]"
		}
		logging.Op().Debug("sandbox console",
			"app_id", r.inv.AppID, "route_id", r.inv.RouteID, "level", level, "message", line)
		return goja.Undefined()
	}
}

func formatConsoleArg(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if _, ok := v.(*goja.Object); ok {
		if data, err := json.Marshal(v.Export()); err == nil {
			return string(data)
		}
	}
	return v.String()
}

// fetch is the bounded outbound-call capability. The counter is checked
// before anything else, so calls past the limit never reach the network.
func (r *run) fetch(call goja.FunctionCall) goja.Value {
	r.fetchCount++
	maxCalls := r.inv.Limits.MaxFetchCalls
	if r.fetchCount > maxCalls {
		metrics.RecordFetchCall("limited")
		f := r.recordFault(FaultCallLimit, fmt.Sprintf("fetch call %d exceeds the limit of %d", r.fetchCount, maxCalls))
		panic(r.vm.NewGoError(f))
	}

	req, err := r.buildRequest(call)
	if err != nil {
		metrics.RecordFetchCall("failed")
		panic(r.vm.NewTypeError("fetch: %s", err.Error()))
	}

	resp, err := r.s.client.Do(req)
	if err != nil {
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			metrics.RecordFetchCall("failed")
			f := r.timeoutFault(ctxErr)
			r.recordFault(f.Kind, f.Message)
			panic(r.vm.NewGoError(f))
		}
		result := "failed"
		if errors.Is(err, networkpolicy.ErrEgressBlocked) {
			result = "blocked"
		}
		metrics.RecordFetchCall(result)
		f := r.recordFault(FaultOutboundCall, truncate(fmt.Sprintf("fetch %s: %v", req.URL.Host, err)))
		panic(r.vm.NewGoError(f))
	}
	defer resp.Body.Close()

	limit := r.s.cfg.MaxFetchBodyBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		metrics.RecordFetchCall("failed")
		f := r.recordFault(FaultOutboundCall, truncate(fmt.Sprintf("fetch %s: read body: %v", req.URL.Host, err)))
		panic(r.vm.NewGoError(f))
	}
	if int64(len(body)) > limit {
		metrics.RecordFetchCall("failed")
		f := r.recordFault(FaultOutboundCall, fmt.Sprintf("fetch %s: response body exceeds %d bytes", req.URL.Host, limit))
		panic(r.vm.NewGoError(f))
	}

	metrics.RecordFetchCall("ok")
	return r.responseObject(resp, body)
}

// buildRequest reads fetch(url, {method, headers, body}).
func (r *run) buildRequest(call goja.FunctionCall) (*http.Request, error) {
	rawURL := call.Argument(0)
	if goja.IsUndefined(rawURL) || goja.IsNull(rawURL) {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(rawURL.String())
	if err != nil {
		return nil, fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	method := http.MethodGet
	headers := http.Header{}
	var body io.Reader
	contentType := ""

	if opts, ok := call.Argument(1).(*goja.Object); ok {
		if v := opts.Get("method"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			method = strings.ToUpper(v.String())
		}
		if h, ok := opts.Get("headers").(*goja.Object); ok {
			for _, k := range h.Keys() {
				headers.Set(k, h.Get(k).String())
			}
		}
		if v := opts.Get("body"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			if _, isObj := v.(*goja.Object); isObj {
				data, err := json.Marshal(v.Export())
				if err != nil {
					return nil, fmt.Errorf("encode body: %v", err)
				}
				body = bytes.NewReader(data)
				contentType = "application/json"
			} else {
				body = strings.NewReader(v.String())
			}
		}
	}

	req, err := http.NewRequestWithContext(r.ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = headers
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "orbit-sandbox")
	}
	observability.InjectHeaders(r.ctx, req.Header)
	return req, nil
}

func (r *run) responseObject(resp *http.Response, body []byte) goja.Value {
	vm := r.vm
	obj := vm.NewObject()
	headers := vm.NewObject()
	for k, v := range resp.Header {
		_ = headers.Set(strings.ToLower(k), strings.Join(v, ", "))
	}
	text := string(body)

	_ = obj.Set("status", resp.StatusCode)
	_ = obj.Set("statusText", http.StatusText(resp.StatusCode))
	_ = obj.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
	_ = obj.Set("headers", headers)
	_ = obj.Set("body", text)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value { return vm.ToValue(text) })
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			panic(vm.NewTypeError("invalid json body: %s", err.Error()))
		}
		return vm.ToValue(v)
	})
	return obj
}
