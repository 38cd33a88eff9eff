// Package callerr defines the error taxonomy surfaced to the session orchestrator.
//
// Every failure in a call is reported as an *Error carrying one of the sentinel
// kinds below, so callers can branch with errors.Is without string matching:
//
//	if errors.Is(err, callerr.ErrDeviceUnavailable) { ... }
//
// The underlying cause stays reachable through errors.Is / errors.As as well.
package callerr

import (
	"errors"
	"fmt"
)

var (
	// No local audio could be acquired. Fatal, the session never starts.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// The signalling channel or the peer connection failed. Fatal for the session.
	ErrTransport = errors.New("transport error")

	// A signalling message arrived that the negotiation state does not allow.
	// Logged and ignored unless it keeps happening.
	ErrProtocolViolation = errors.New("protocol violation")

	// A source, transform, or sink stage failed. The pipeline is cancelled,
	// but the underlying connection may carry on.
	ErrPipeline = errors.New("pipeline error")
)

type Error struct {
	// One of the sentinel kinds in this package
	Kind error

	// The operation that failed, e.g. "negotiation.offer" or "pipeline.sink"
	Op string

	// The cause, may be nil
	Err error
}

func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Return true if err is fatal for the whole session
// (as opposed to a single pipeline or a single message).
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrTransport)
}

func DeviceUnavailable(op string, err error) *Error {
	return New(ErrDeviceUnavailable, op, err)
}

func Transport(op string, err error) *Error {
	return New(ErrTransport, op, err)
}

func ProtocolViolation(op string, err error) *Error {
	return New(ErrProtocolViolation, op, err)
}

func Pipeline(op string, err error) *Error {
	return New(ErrPipeline, op, err)
}
