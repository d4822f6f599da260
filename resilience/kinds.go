// Package resilience provides the fault-tolerance primitives guarding calls
// to external dependencies: circuit breaker, token-bucket rate limiter,
// bulkhead isolation, and the retry executor that composes them.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/tidemark/tidemark/errors"
)

// Kind classifies a failure for the retry-vs-abort decision. The retry
// executor switches over this closed set instead of inspecting error types.
type Kind int

const (
	// KindUnknown is an unclassified failure; treated as transient
	KindUnknown Kind = iota
	// KindTransient covers network failures, upstream 5xx and timeouts at
	// the dependency; eligible for retry
	KindTransient
	// KindRateLimited is backpressure from the upstream (HTTP 429) or the
	// local limiter; retried on the next scheduled attempt
	KindRateLimited
	// KindCircuitOpen means the breaker short-circuited the call
	KindCircuitOpen
	// KindBulkheadFull means the bulkhead rejected the call at admission
	KindBulkheadFull
	// KindTimeout means the bulkhead-enforced per-call deadline expired
	KindTimeout
	// KindPermanent covers validation failures in the unit's own data;
	// never retried
	KindPermanent
)

// String returns the kind name used in logs and progress records
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindCircuitOpen:
		return "circuit_open"
	case KindBulkheadFull:
		return "bulkhead_full"
	case KindTimeout:
		return "timeout"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind consumes a scheduled
// retry attempt rather than aborting the unit.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindCircuitOpen, KindBulkheadFull, KindTimeout, KindUnknown:
		return true
	case KindPermanent:
		return false
	default:
		return false
	}
}

// Error tags a failure with its Kind and the named dependency it concerns.
type Error struct {
	Kind       Kind
	Dependency string        // named dependency or pool, empty when not applicable
	RetryAfter time.Duration // hint for circuit-open / rate-limited failures
	cause      error
}

func (e *Error) Error() string {
	prefix := e.Kind.String()
	if e.Dependency != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Dependency)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", prefix, e.cause.Error())
	}
	return prefix
}

func (e *Error) Unwrap() error { return e.cause }

// Transient wraps err as a retryable dependency failure
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, cause: err}
}

// Permanent wraps err as a non-retryable validation failure
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, cause: err}
}

// Permanentf creates a non-retryable validation failure
func Permanentf(format string, args ...interface{}) error {
	return &Error{Kind: KindPermanent, cause: errors.Newf(format, args...)}
}

// RateLimited wraps err as an upstream backpressure signal
func RateLimited(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, cause: err}
}

func newCircuitOpen(dependency string, retryAfter time.Duration) error {
	return &Error{
		Kind:       KindCircuitOpen,
		Dependency: dependency,
		RetryAfter: retryAfter,
		cause:      errors.Newf("circuit breaker open for %s", dependency),
	}
}

func newBulkheadFull(pool string, active, max int) error {
	return &Error{
		Kind:       KindBulkheadFull,
		Dependency: pool,
		cause:      errors.Newf("bulkhead %s full: %d/%d slots in use", pool, active, max),
	}
}

func newTimeout(pool string, timeout time.Duration) error {
	return &Error{
		Kind:       KindTimeout,
		Dependency: pool,
		cause:      errors.Newf("call exceeded %s bulkhead timeout %s", pool, timeout),
	}
}

// KindOf classifies any error into the closed Kind set. Unwrapped context
// cancellation is not a dependency failure and maps to KindPermanent so the
// retry loop aborts instead of sleeping through a shutdown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
