// Package failure classifies pipeline errors so the worker can decide between
// retrying and failing an entry for good.
package failure

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	// Transient covers network-layer and vendor 5xx/429 errors. Retried with backoff.
	Transient Kind = "transient"
	// VendorRejection is a validation-class answer from a vendor. Never retried.
	VendorRejection Kind = "vendor_rejection"
	// Timeout means generation exceeded the maximum poll duration.
	Timeout Kind = "timeout"
	// MissingPrerequisite means a credential or connected account is absent.
	MissingPrerequisite Kind = "missing_prerequisite"
)

// Error carries a Kind and the human-readable reason shown to users.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Transientf(format string, args ...any) *Error {
	return New(Transient, fmt.Sprintf(format, args...))
}

func Rejectedf(format string, args ...any) *Error {
	return New(VendorRejection, fmt.Sprintf(format, args...))
}

func Timeoutf(format string, args ...any) *Error {
	return New(Timeout, fmt.Sprintf(format, args...))
}

func Missingf(format string, args ...any) *Error {
	return New(MissingPrerequisite, fmt.Sprintf(format, args...))
}

// KindOf reports the classification of err. Unclassified errors are treated
// as transient, except context deadline errors which map to Timeout.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Transient
}

// Retryable reports whether an automatic retry may fix err.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// Message returns the reason stored on a failed queue entry.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Error()
	}
	return err.Error()
}

// FromStatus classifies a vendor HTTP status code. Rate limiting and server
// errors are transient, any other client error is a rejection.
func FromStatus(code int, reason string) *Error {
	if code == 429 || code >= 500 {
		return New(Transient, reason)
	}
	return New(VendorRejection, reason)
}
