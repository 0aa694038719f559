package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/oriys/orbit/internal/sandbox"
)

// Kind names a pipeline failure. It is the "error" field of the JSON body.
type Kind string

const (
	KindAppNotFound           Kind = "app_not_found"
	KindNoRouteMatch          Kind = "no_route_match"
	KindAccessDenied          Kind = "access_denied"
	KindUnauthorized          Kind = "unauthorized"
	KindForbidden             Kind = "forbidden"
	KindValidationFailed      Kind = "validation_failed"
	KindPayloadTooLarge       Kind = "payload_too_large"
	KindDeploymentUnavailable Kind = "deployment_unavailable"
	KindHandlerFault          Kind = "handler_fault"
	KindCallLimitExceeded     Kind = "call_limit_exceeded"
	KindOutboundCallFailed    Kind = "outbound_call_failed"
	KindInvocationTimeout     Kind = "invocation_timeout"
	KindStaticNotFound        Kind = "static_not_found"
	KindInternal              Kind = "internal_error"
)

var kindStatus = map[Kind]int{
	KindAppNotFound:           http.StatusNotFound,
	KindNoRouteMatch:          http.StatusNotFound,
	KindAccessDenied:          http.StatusForbidden,
	KindUnauthorized:          http.StatusUnauthorized,
	KindForbidden:             http.StatusForbidden,
	KindValidationFailed:      http.StatusBadRequest,
	KindPayloadTooLarge:       http.StatusRequestEntityTooLarge,
	KindDeploymentUnavailable: http.StatusServiceUnavailable,
	KindHandlerFault:          http.StatusInternalServerError,
	KindCallLimitExceeded:     http.StatusBadGateway,
	KindOutboundCallFailed:    http.StatusBadGateway,
	KindInvocationTimeout:     http.StatusGatewayTimeout,
	KindStaticNotFound:        http.StatusNotFound,
	KindInternal:              http.StatusInternalServerError,
}

// Status returns the HTTP status a kind maps to.
func (k Kind) Status() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Fault is the typed terminal failure of a request.
type Fault struct {
	Kind    Kind
	Status  int
	Message string
	Err     error // internal cause, never sent to the client
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

func newFault(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Status: kind.Status(), Message: msg}
}

func internalFault(msg string, err error) *Fault {
	f := newFault(KindInternal, msg)
	f.Err = err
	return f
}

// sandboxFault maps a sandbox failure onto the gateway taxonomy.
func sandboxFault(err error) *Fault {
	var sf *sandbox.Fault
	if !errors.As(err, &sf) {
		return internalFault("function invocation failed", err)
	}
	var f *Fault
	switch sf.Kind {
	case sandbox.FaultCallLimit:
		f = newFault(KindCallLimitExceeded, "function exceeded its outbound call limit")
	case sandbox.FaultOutboundCall:
		f = newFault(KindOutboundCallFailed, "function outbound call failed")
	case sandbox.FaultTimeout, sandbox.FaultCanceled:
		f = newFault(KindInvocationTimeout, "function did not complete in time")
	case sandbox.FaultHandler, sandbox.FaultInvalidResult:
		f = newFault(KindHandlerFault, "function failed")
	default:
		f = newFault(KindInternal, "function invocation failed")
	}
	f.Err = sf
	return f
}

type errorBody struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
}

func writeFault(w http.ResponseWriter, f *Fault) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	if f.Kind == KindUnauthorized {
		h.Set("WWW-Authenticate", `Bearer realm="orbit"`)
	}
	w.WriteHeader(f.Status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: f.Kind, Message: f.Message})
}
