package sources

import (
	"errors"
	"fmt"
	"time"

	"layeredge/pkg/breaker"
	"layeredge/pkg/models"
)

// Kind is the machine-readable failure class surfaced to callers.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindRateLimited  Kind = "rate_limited"
	KindNetwork      Kind = "network"
	KindCircuitOpen  Kind = "circuit_open"
	KindFetchFailed  Kind = "fetch_failed"
)

// Error is a classified adapter failure. Raw transport errors never leave an
// adapter without being wrapped in one.
type Error struct {
	Kind       Kind
	Source     models.Source
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Source != "" {
		msg = string(e.Source) + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind lets KindOf classify wrapped errors.
func (e *Error) ErrorKind() Kind { return e.Kind }

func newError(kind Kind, source models.Source, format string, args ...any) *Error {
	return &Error{Kind: kind, Source: source, Err: fmt.Errorf(format, args...)}
}

// InvalidInput reports a caller-side problem such as a malformed URL.
func InvalidInput(format string, args ...any) *Error {
	return newError(KindInvalidInput, "", format, args...)
}

type kinded interface {
	ErrorKind() Kind
}

// KindOf classifies err. Unknown errors are network errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if breaker.IsOpen(err) {
		return KindCircuitOpen
	}
	return KindNetwork
}

// RetryAfterOf extracts a retry hint from err, or zero.
func RetryAfterOf(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	var oe *breaker.OpenError
	if errors.As(err, &oe) {
		return oe.RetryAfter
	}
	var ra interface{ RetryAfterHint() time.Duration }
	if errors.As(err, &ra) {
		return ra.RetryAfterHint()
	}
	return 0
}
