// Package sshtransport holds the types and error taxonomy shared by
// the request engine, event dispatcher and controller facade: the
// logical Request/response model (spec §3), the request-id subspace
// split between events and responses, and the error codes spec §7
// enumerates as surfaced-to-caller outcomes.
package sshtransport

import "fmt"

// ErrorCode enumerates the caller-visible failure taxonomy (spec §7).
// CRC mismatches, type mismatches, sequence/rqid mismatches and
// ACK-work failures never reach this taxonomy: they are logged and
// discarded, surfacing only indirectly as a later Timeout.
type ErrorCode int

const (
	// ErrNotInitialized: controller is Uninitialized.
	ErrNotInitialized ErrorCode = iota
	// ErrSuspended: controller is Suspended.
	ErrSuspended
	// ErrInvalidArgument: rqid out of range, oversized payload, or an
	// undersized response buffer.
	ErrInvalidArgument
	// ErrLinkWriteFailed: the underlying link's flush returned an error.
	ErrLinkWriteFailed
	// ErrTimeout: ACK or response did not arrive within timeout x retries.
	ErrTimeout
	// ErrRetriesExhausted: every retry received a non-ACK reply.
	ErrRetriesExhausted
	// ErrProtocolViolation: reserved for callers that synthesize this
	// code themselves; the transport's own malformed-frame handling
	// resolves silently to ErrTimeout per spec §7.
	ErrProtocolViolation
	// ErrOutOfMemory: buffer or work-item allocation failed.
	ErrOutOfMemory
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotInitialized:
		return "not initialized"
	case ErrSuspended:
		return "suspended"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrLinkWriteFailed:
		return "link write failed"
	case ErrTimeout:
		return "timeout"
	case ErrRetriesExhausted:
		return "retries exhausted"
	case ErrProtocolViolation:
		return "protocol violation"
	case ErrOutOfMemory:
		return "out of memory"
	default:
		return "unknown error"
	}
}

// Error is a caller-visible transport error: a stable code plus an
// optional wrapped cause (e.g. the underlying link.Write error).
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sshtransport: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("sshtransport: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, sshtransport.ErrTimeout) style checks by
// comparing codes, since ErrorCode values are not themselves errors.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Code == e.Code
}

// New constructs an *Error with no wrapped cause.
func New(code ErrorCode) *Error { return &Error{Code: code} }

// Wrap constructs an *Error wrapping cause.
func Wrap(code ErrorCode, cause error) *Error { return &Error{Code: code, Err: cause} }
