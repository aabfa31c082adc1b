// Package syncerr defines the error kinds the sync-state core can raise.
//
// Protocol handlers branch on Kind rather than parsing error strings:
//
//	if syncerr.Is(err, syncerr.StateGone) { return protocolStatusKeyMismatch }
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a core error so callers can map it to a protocol status
// without inspecting message text.
type Kind int

const (
	// Storage is an underlying store failure; generally fatal for the request.
	Storage Kind = iota
	// StateGone means Load found no matching row; non-fatal, signals KEY_MISMATCH.
	StateGone
	// ProtocolError means a sync key failed to parse; caller must return PROTOERR.
	ProtocolError
	// DeviceNotFound means LoadDeviceInfo targeted an unknown device id.
	DeviceNotFound
	// InvariantViolation is a programming error, e.g. SetPolicyKey on a device
	// that isn't currently loaded.
	InvariantViolation
)

func (k Kind) String() string {
	switch k {
	case Storage:
		return "storage"
	case StateGone:
		return "state_gone"
	case ProtocolError:
		return "protocol_error"
	case DeviceNotFound:
		return "device_not_found"
	case InvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error is the core's error type. It wraps an underlying cause (if any)
// with a Kind so callers can use errors.Is/errors.As.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
