// Package fault classifies errors crossing component boundaries.
//
// Every error that reaches the session conductor or the HTTP surface is
// mapped to a Kind, which decides the user-visible behavior: close codes,
// fallback phrases, readiness downgrades. Errors that stay inside a
// package keep using plain sentinel errors.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies the failure class of an error.
type Kind int

const (
	// KindUnknown is an unclassified error.
	KindUnknown Kind = iota

	// KindTransport means the caller's connection is gone or malformed.
	KindTransport

	// KindUpstream means an external service (STT/TTS/LLM/telephony) failed.
	KindUpstream

	// KindTimeout means a wall-clock cap was hit.
	KindTimeout

	// KindCancelled means barge-in or shutdown cancellation. Not surfaced
	// to the caller; logged at debug.
	KindCancelled

	// KindProtocol means the remote violated the expected message shape.
	KindProtocol

	// KindConfig means misconfiguration detected at startup or first use.
	KindConfig

	// KindInternal means an invariant violation. The session is terminated
	// but the process continues.
	KindInternal
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind of an error. Context cancellation and deadline
// errors classify as Cancelled and Timeout even when unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether the turn that produced the error may be
// retried with a fallback rather than ending the session.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindTimeout:
		return true
	default:
		return false
	}
}
