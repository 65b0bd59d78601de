package domain

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies failures for retry and reporting decisions.
type FailureKind string

// Failure kinds.
const (
	// FailureValidation is malformed input; never retried, 400-class at ingress.
	FailureValidation FailureKind = "validation"

	// FailureAuthorization is an invalid, expired or not-yet-valid token.
	FailureAuthorization FailureKind = "authorization"

	// FailureQuota is an exhausted allowance; terminal.
	FailureQuota FailureKind = "quota"

	// FailureExternalTransient is a timeout or 5xx from a collaborator;
	// the queue retries it with backoff.
	FailureExternalTransient FailureKind = "external_transient"

	// FailureExternalPermanent is a 4xx or schema violation from a
	// collaborator; terminal.
	FailureExternalPermanent FailureKind = "external_permanent"

	// FailureInternal is an invariant violation; terminal, never retried.
	FailureInternal FailureKind = "internal"

	// FailureCancelled is cooperative cancellation; terminal, no retry.
	FailureCancelled FailureKind = "cancelled"

	// FailureStreamDrop is live-frame loss under backpressure; counted only.
	FailureStreamDrop FailureKind = "stream_drop"
)

// Failure is a classified error. Code is stable and machine-readable.
type Failure struct {
	Kind    FailureKind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the queue should schedule another attempt.
func (f *Failure) Retryable() bool {
	return f.Kind == FailureExternalTransient
}

// NewValidationFailure builds a validation failure.
func NewValidationFailure(code, msg string) *Failure {
	return &Failure{Kind: FailureValidation, Code: code, Message: msg}
}

// NewAuthFailure builds an authorization failure.
func NewAuthFailure(code, msg string) *Failure {
	return &Failure{Kind: FailureAuthorization, Code: code, Message: msg}
}

// NewTransientFailure wraps a transient collaborator error.
func NewTransientFailure(code, msg string, err error) *Failure {
	return &Failure{Kind: FailureExternalTransient, Code: code, Message: msg, Err: err}
}

// NewPermanentFailure wraps a permanent collaborator error.
func NewPermanentFailure(code, msg string, err error) *Failure {
	return &Failure{Kind: FailureExternalPermanent, Code: code, Message: msg, Err: err}
}

// NewInternalFailure wraps an invariant violation.
func NewInternalFailure(code, msg string, err error) *Failure {
	return &Failure{Kind: FailureInternal, Code: code, Message: msg, Err: err}
}

// Classify maps an arbitrary error onto a FailureKind. Context cancellation
// is distinguished from deadline expiry: the former is cancellation, the
// latter a transient external condition.
func Classify(err error) FailureKind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureExternalTransient
	}
	return FailureInternal
}

// IsRetryable reports whether an arbitrary error warrants a queue retry.
func IsRetryable(err error) bool {
	return Classify(err) == FailureExternalTransient
}
