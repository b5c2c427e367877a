package triage

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures from external collaborators.
type Kind string

const (
	KindClassification Kind = "classification"
	KindLookup         Kind = "lookup"
	KindDelivery       Kind = "delivery"
	KindScheduling     Kind = "scheduling"
	KindAuth           Kind = "auth"
	KindSource         Kind = "source"
	KindStore          Kind = "store"
)

// ErrRateLimited is wrapped by every rate limit error.
var ErrRateLimited = errors.New("rate limited")

// Error is a classified failure. Transient errors are retried by the controller.
type Error struct {
	Kind      Kind
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable failure of the given kind.
func TransientError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Transient: true, Err: err}
}

// PermanentError wraps err as a non-retryable failure of the given kind.
func PermanentError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimitError wraps err as a transient failure that also matches ErrRateLimited.
func RateLimitError(kind Kind, op string, err error) error {
	if err == nil {
		err = ErrRateLimited
	} else {
		err = fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return &Error{Kind: kind, Op: op, Transient: true, Err: err}
}

// AuthError wraps err as a credential failure. Auth errors abort the current
// tick and are never retried.
func AuthError(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Deadline expiry counts
// as transient; caller cancellation does not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindAuth {
			return false
		}
		if e.Transient {
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrRateLimited)
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindAuth
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or fallback when none is found.
func KindOf(err error, fallback Kind) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return fallback
}

// StatusError classifies a failed HTTP exchange by its status code: 401 and
// 403 are credential failures, 408, 429 and 5xx are retryable, anything else
// is permanent.
func StatusError(kind Kind, op string, status int, err error) error {
	switch {
	case status == 401 || status == 403:
		return AuthError(op, err)
	case status == 429:
		return RateLimitError(kind, op, err)
	case status == 408 || status >= 500:
		return TransientError(kind, op, err)
	default:
		return PermanentError(kind, op, err)
	}
}
