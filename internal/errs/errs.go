// Package errs classifies internal failures into the small set of external
// kinds every public operation must translate into (see design note in
// SPEC_FULL.md §7). Each component returns ordinary Go errors; this package
// gives them a Kind so the RPC facade and the resilience layer can react
// uniformly without inspecting error strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the seven failure categories the system recognizes.
// Exactly one Kind applies to any error that crosses a public boundary.
type Kind int

const (
	// KindUnknown is never produced deliberately; seeing it means a code
	// path forgot to classify its error.
	KindUnknown Kind = iota
	// KindValidation covers malformed input, schema violations, and failed
	// authentication. Never retried.
	KindValidation
	// KindRetryableTransport covers timeouts, 5xx responses and throttling
	// from external dependencies (object store, webhooks). Bounded retry
	// with backoff, visible to circuit breakers.
	KindRetryableTransport
	// KindTerminalTransport covers not-found and permission-denied
	// responses from external dependencies. Not retried.
	KindTerminalTransport
	// KindCapacity covers backpressure: full queues, exceeded rate limits.
	// Surfaced with a retry-after hint; never counted against breakers.
	KindCapacity
	// KindCorruption covers hash mismatches and index corruption. The
	// owning shard is marked Degraded and an alert fires.
	KindCorruption
	// KindInvariant covers programming invariant violations. The current
	// operation aborts without attempting recovery.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRetryableTransport:
		return "retryable_transport"
	case KindTerminalTransport:
		return "terminal_transport"
	case KindCapacity:
		return "capacity"
	case KindCorruption:
		return "corruption"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and an optional retry-after
// hint (meaningful only for KindCapacity).
type Error struct {
	Cause      error
	Op         string
	Kind       Kind
	RetryAfter int64 // seconds; 0 if not applicable
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error for op, wrapping cause.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Cause: cause}
}

// Capacity builds a KindCapacity error carrying a retry-after hint in
// seconds.
func Capacity(op string, retryAfterSeconds int64, cause error) *Error {
	return &Error{Op: op, Kind: KindCapacity, Cause: cause, RetryAfter: retryAfterSeconds}
}

// ClassOf returns the Kind of err, or KindUnknown if err was never
// classified through this package.
func ClassOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return ClassOf(err) == kind
}

// Sentinel errors shared across storage tiers.
var (
	// ErrNotFound indicates the requested record does not exist in the
	// queried tier.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate indicates an insert collided with an existing
	// record_id in the same tier.
	ErrDuplicate = errors.New("duplicate record id")
	// ErrDegraded indicates the shard's index is suspect; callers should
	// expect brute-force fallback latency.
	ErrDegraded = errors.New("shard degraded")
)
