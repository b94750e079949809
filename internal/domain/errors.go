package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed error taxonomy. Every failure crossing a
// component boundary is classified as one of these.
type ErrorKind string

const (
	KindTransient        ErrorKind = "transient"
	KindRateLimited      ErrorKind = "rate_limited"
	KindTimeout          ErrorKind = "timeout"
	KindInvariant        ErrorKind = "invariant"
	KindBudgetExceeded   ErrorKind = "budget_exceeded"
	KindExecutorRejected ErrorKind = "executor_rejected"
	KindConfig           ErrorKind = "config"
)

// Process exit codes. Every exit path maps to exactly one of these.
const (
	ExitOK        = 0 // clean stop
	ExitEmergency = 2 // budget shutdown or config refusal
	ExitFatal     = 3 // invariant violation
)

// KindError carries an ErrorKind alongside the underlying cause.
type KindError struct {
	Err  error
	Msg  string
	Kind ErrorKind
}

// NewError creates a KindError without an underlying cause.
func NewError(kind ErrorKind, msg string) *KindError {
	return &KindError{Kind: kind, Msg: msg}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, msg string) *KindError {
	return &KindError{Kind: kind, Err: err, Msg: msg}
}

// Errorf creates a classified error with fmt-style formatting.
func Errorf(kind ErrorKind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *KindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from an error chain. Unclassified errors
// report KindTransient, the safe default for retry policy.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindTransient
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Retryable reports whether the retry policy applies: transient failures
// and timeouts retry with backoff, everything else surfaces immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}
