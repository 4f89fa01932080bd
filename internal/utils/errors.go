package utils

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures for callers deciding whether to retry.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalidInput
	KindNotFound
	KindConflict
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// AppError wraps an operation, failure kind, human-facing message, and underlying error.
type AppError struct {
	Op   string
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidInput reports a request that must be rejected before any write.
func InvalidInput(op, msg string) error {
	return &AppError{Op: op, Kind: KindInvalidInput, Msg: msg}
}

// Conflict reports a concurrent update that exhausted its retries.
func Conflict(op, msg string, err error) error {
	return &AppError{Op: op, Kind: KindConflict, Msg: msg, Err: err}
}

// Unavailable reports a store or dependency failure the caller may retry.
func Unavailable(op, msg string, err error) error {
	return &AppError{Op: op, Kind: KindUnavailable, Msg: msg, Err: err}
}

// NotFound reports a missing record at the transport layer.
func NotFound(op, msg string) error {
	return &AppError{Op: op, Kind: KindNotFound, Msg: msg}
}

// KindOf returns the kind of the outermost AppError in err's chain.
// Context cancellation and deadlines are treated as unavailable.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindUnavailable
	}
	return KindInternal
}

// IsInvalidInput reports whether err is a validation failure.
func IsInvalidInput(err error) bool { return err != nil && KindOf(err) == KindInvalidInput }

// IsConflict reports whether err is an exhausted optimistic update.
func IsConflict(err error) bool { return err != nil && KindOf(err) == KindConflict }

// IsRetryable reports whether the caller may retry the same request.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindConflict, KindUnavailable:
		return true
	}
	return false
}
