// Package bridgeerr defines the closed sum of error kinds the bridge's
// components branch on (spec §7), plus a small data-driven retry policy
// (RetryPolicy). The broker gateway and the execution engine do not use
// RetryPolicy; each keeps its own retry loop.
package bridgeerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the taxonomy every component-level error reduces to. Callers use
// errors.As to recover a *Error and switch on Kind rather than matching
// error strings.
type Kind string

const (
	Validation                 Kind = "validation"
	Config                     Kind = "config"
	Transport                  Kind = "transport"
	RateLimited                Kind = "rate_limited"
	AuthExpired                Kind = "auth_expired"
	RejectedByBroker           Kind = "rejected_by_broker"
	NotFound                   Kind = "not_found"
	Malformed                  Kind = "malformed"
	NoSuitableContract         Kind = "no_suitable_contract"
	UnreasonableSpread         Kind = "unreasonable_spread"
	UnreasonableSpreadPersisted Kind = "unreasonable_spread_persisted"
	Storage                    Kind = "storage"
	ShutdownRequested          Kind = "shutdown_requested"
)

// Retryable reports whether a generic retry loop should attempt this kind
// again after backoff.
func (k Kind) Retryable() bool {
	switch k {
	case Transport, RateLimited, AuthExpired:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a Kind, so branches can recover the
// taxonomy without string matching while still keeping %w-wrapped context.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "place_order"
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

// Is makes errors.Is match any *Error target of the same Kind, e.g.
// errors.Is(err, bridgeerr.New(bridgeerr.Transport, "", "")). A bare Kind
// value is not an error, so it cannot be passed to errors.Is directly.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs a *Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs a *Error of the given kind around a cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *Error; otherwise returns Transport as the conservative default for
// unclassified I/O errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transport
}

// RetryPolicy is a bounded-attempt exponential backoff schedule. It is pure
// data: components read it, nothing mutates it at runtime.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the backoff for the given 1-based attempt number, doubling
// from BaseDelay and capping at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether attempt has used up the policy's budget.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
