package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/dop251/goja"

	"github.com/oriys/orbit/internal/logging"
)

const maxFaultMessage = 1024

// run is the state of one invocation. It is confined to the goroutine that
// calls execute; only the interrupt watcher touches the runtime concurrently.
type run struct {
	s          *Sandbox
	inv        Invocation
	ctx        context.Context
	vm         *goja.Runtime
	final      State
	trace      []State
	fault      *Fault // first capability fault raised by fetch
	fetchCount int
}

func newRun(s *Sandbox, inv Invocation) *run {
	r := &run{s: s, inv: inv}
	r.transition(StateCreated)
	return r
}

func (r *run) transition(st State) {
	r.final = st
	r.trace = append(r.trace, st)
}

// recordFault keeps the first capability fault; later ones are returned
// but do not replace it.
func (r *run) recordFault(kind FaultKind, msg string) *Fault {
	f := &Fault{Kind: kind, Message: msg}
	if r.fault == nil {
		r.fault = f
	}
	return f
}

// execute walks the invocation from Created to a terminal state.
func (r *run) execute(parent context.Context) (res *Result, fault *Fault) {
	res = &Result{}
	defer func() {
		if p := recover(); p != nil {
			logging.Op().Error("sandbox host panic",
				"app_id", r.inv.AppID, "route_id", r.inv.RouteID,
				"panic", p, "stack", string(debug.Stack()))
			fault = &Fault{Kind: FaultInternal, Message: fmt.Sprint(p)}
			r.transition(StateFaulted)
		}
	}()

	fn := r.inv.Runtime
	if fn == nil || fn.Source == "" {
		return res, r.fail(&Fault{Kind: FaultHandler, Message: "route has no handler source"})
	}
	if !supportedLanguage(fn.Language) {
		return res, r.fail(&Fault{Kind: FaultHandler, Message: fmt.Sprintf("unsupported language %q", fn.Language)})
	}
	prog, err := r.s.program(fn)
	if err != nil {
		return res, r.fail(&Fault{Kind: FaultHandler, Message: truncate("compile: " + err.Error())})
	}

	ctx, cancel := context.WithTimeout(parent, r.inv.Limits.Timeout)
	defer cancel()
	r.ctx = ctx

	r.vm = goja.New()
	r.vm.SetMaxCallStackSize(maxCallStackSize)
	reqObj, err := r.bind()
	if err != nil {
		return res, r.fail(&Fault{Kind: FaultInternal, Message: "bind: " + err.Error()})
	}
	r.transition(StateBound)

	vm := r.vm
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	r.transition(StateRunning)
	value, err := r.call(prog, fn.EntrypointName(), reqObj)

	var interrupted *goja.InterruptedError
	switch {
	case errors.As(err, &interrupted):
		return res, r.fail(r.timeoutFault(ctx.Err()))
	case r.fault != nil:
		return res, r.fail(r.fault)
	case err != nil:
		var f *Fault
		if errors.As(err, &f) {
			return res, r.fail(f)
		}
		return res, r.fail(&Fault{Kind: FaultHandler, Message: truncate(err.Error())})
	}

	out, err := decodeResult(value)
	if err != nil {
		return res, r.fail(&Fault{Kind: FaultInvalidResult, Message: err.Error()})
	}
	res.StatusCode, res.Headers, res.Body = out.StatusCode, out.Headers, out.Body
	r.transition(StateCompleted)
	return res, nil
}

func (r *run) fail(f *Fault) *Fault {
	r.transition(f.finalState())
	return f
}

func (r *run) timeoutFault(err error) *Fault {
	if errors.Is(err, context.Canceled) {
		return &Fault{Kind: FaultCanceled, Message: "invocation canceled by caller"}
	}
	return &Fault{Kind: FaultTimeout, Message: fmt.Sprintf("handler exceeded %s", r.inv.Limits.Timeout)}
}

// call runs the program's top level, then the entrypoint. A returned promise
// must already be settled: fetch is synchronous, so an async handler settles
// before control returns here.
func (r *run) call(prog *goja.Program, entry string, req goja.Value) (goja.Value, error) {
	if _, err := r.vm.RunProgram(prog); err != nil {
		return nil, err
	}
	handler, ok := goja.AssertFunction(r.vm.Get(entry))
	if !ok {
		return nil, &Fault{Kind: FaultHandler, Message: fmt.Sprintf("entrypoint %q is not a function", entry)}
	}
	value, err := handler(goja.Undefined(), req)
	if err != nil {
		return nil, err
	}
	if p, ok := value.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result(), nil
		case goja.PromiseStateRejected:
			return nil, &Fault{Kind: FaultHandler, Message: truncate("handler rejected: " + p.Result().String())}
		default:
			return nil, &Fault{Kind: FaultHandler, Message: "handler returned a promise that never settled"}
		}
	}
	return value, nil
}

// dispose drops every reference the invocation held.
func (r *run) dispose() {
	if r.vm != nil {
		r.vm.ClearInterrupt()
		r.vm = nil
	}
	r.ctx = nil
	r.transition(StateDisposed)
	// The reported state is the terminal one reached before disposal.
	if n := len(r.trace); n >= 2 {
		r.final = r.trace[n-2]
	}
}

func truncate(s string) string {
	if len(s) <= maxFaultMessage {
		return s
	}
	return s[:maxFaultMessage] + "..."
}
