// Package streamerr implements the error taxonomy used across every stage
// worker: a closed set of Kinds rather than a type per failure mode, so the
// session supervisor can switch on Kind without an ever-growing type list.
package streamerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy's fixed members.
type Kind int

const (
	NotInitialized Kind = iota
	InvalidArgument
	NotSupported
	OutOfMemory
	Timeout
	BackendUnavailable
	PermissionDenied
	CaptureFailure
	EncoderFailure
	NegotiationFailure
	PeerDisconnected
	AuthenticationFailure
	RateLimited
	ProtocolError
	ConfigError
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "not_initialized"
	case InvalidArgument:
		return "invalid_argument"
	case NotSupported:
		return "not_supported"
	case OutOfMemory:
		return "out_of_memory"
	case Timeout:
		return "timeout"
	case BackendUnavailable:
		return "backend_unavailable"
	case PermissionDenied:
		return "permission_denied"
	case CaptureFailure:
		return "capture_failure"
	case EncoderFailure:
		return "encoder_failure"
	case NegotiationFailure:
		return "negotiation_failure"
	case PeerDisconnected:
		return "peer_disconnected"
	case AuthenticationFailure:
		return "authentication_failure"
	case RateLimited:
		return "rate_limited"
	case ProtocolError:
		return "protocol_error"
	case ConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with context and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Op      string // component/operation that produced the error, e.g. "capture.open"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, streamerr.New(kind, "", "")) style kind checks
// via a sentinel comparison on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs a tagged error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap tags an existing error with a Kind and operation context.
func Wrap(kind Kind, op string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; the zero value and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Retryable reports whether kind belongs to the transient-failure bucket:
// single-frame capture/encode errors and ICE restarts are retried in place;
// authentication and configuration failures never are.
func Retryable(kind Kind) bool {
	switch kind {
	case AuthenticationFailure, ConfigError, InvalidArgument, PermissionDenied, NotSupported:
		return false
	default:
		return true
	}
}
