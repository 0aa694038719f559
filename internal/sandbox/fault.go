package sandbox

import "fmt"

// State is a step of an invocation's lifecycle:
// Created -> Bound -> Running -> {Completed | Faulted | TimedOut} -> Disposed.
type State int

const (
	StateCreated State = iota
	StateBound
	StateRunning
	StateCompleted
	StateFaulted
	StateTimedOut
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	case StateTimedOut:
		return "timed_out"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

// FaultKind classifies why an invocation did not complete.
type FaultKind string

const (
	// FaultHandler: the handler threw, failed to compile, or has no entrypoint.
	FaultHandler FaultKind = "handler_error"
	// FaultInvalidResult: the handler returned something other than
	// {statusCode, headers, body}.
	FaultInvalidResult FaultKind = "invalid_result"
	// FaultCallLimit: fetch was called more often than allowed.
	FaultCallLimit FaultKind = "call_limit_exceeded"
	// FaultOutboundCall: a fetch failed, was blocked, or returned too much.
	FaultOutboundCall FaultKind = "outbound_call_failed"
	// FaultTimeout: the execution budget ran out.
	FaultTimeout FaultKind = "timeout"
	// FaultCanceled: the caller went away mid-invocation.
	FaultCanceled FaultKind = "canceled"
	// FaultInternal: the host side of the sandbox failed.
	FaultInternal FaultKind = "internal"
)

// Fault is the typed failure of an invocation.
type Fault struct {
	Kind    FaultKind
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("sandbox %s: %s", f.Kind, f.Message)
}

// TimedOut reports whether the fault ends the invocation in StateTimedOut.
func (f *Fault) TimedOut() bool {
	return f.Kind == FaultTimeout || f.Kind == FaultCanceled
}

func (f *Fault) finalState() State {
	if f.TimedOut() {
		return StateTimedOut
	}
	return StateFaulted
}
