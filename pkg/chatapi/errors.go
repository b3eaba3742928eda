package chatapi

import (
	"errors"
	"fmt"
)

// ProtocolErrorKind classifies protocol violations observed on received
// frames.
type ProtocolErrorKind int

const (
	// MalformedEvent is an unparseable frame, an unknown event_type, a
	// missing required field, an invalid UUID, or a binary frame shorter
	// than 16 bytes.
	MalformedEvent ProtocolErrorKind = iota

	// IllegalTransition is a well-formed event arriving in a state that
	// forbids it.
	IllegalTransition

	// UnknownReference is an event referencing a stage or content id that
	// was never announced.
	UnknownReference
)

// String returns the string representation of the kind.
func (k ProtocolErrorKind) String() string {
	switch k {
	case MalformedEvent:
		return "malformed_event"
	case IllegalTransition:
		return "illegal_transition"
	case UnknownReference:
		return "unknown_reference"
	default:
		return "unknown"
	}
}

// ProtocolError reports a violation committed by the peer. Receiving one is
// terminal for the session unless the driver runs in lenient mode and the
// kind is MalformedEvent.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("chatapi: protocol error (%s): %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError reports an illegal local send attempt. It is returned
// synchronously to the caller; no frame is transmitted and the session is
// unaffected.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chatapi: validation error: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransportError reports an I/O failure on the underlying transport. The
// session transitions to terminated.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chatapi: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Sentinels used by the request tracker to distinguish missing references
// from sequencing violations. Drivers map them onto the public taxonomy.
var (
	errUnknownReference = errors.New("unknown reference")
	errIllegalState     = errors.New("illegal state")
)

func protocolErr(kind ProtocolErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func validationErr(format string, args ...any) *ValidationError {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

func transportErr(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// asProtocolError converts a tracker error produced while checking a peer
// event into the public taxonomy.
func asProtocolError(err error) *ProtocolError {
	kind := IllegalTransition
	if errors.Is(err, errUnknownReference) {
		kind = UnknownReference
	}
	return &ProtocolError{Kind: kind, Err: err}
}
