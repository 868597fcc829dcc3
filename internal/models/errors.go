package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for the engine's handling decisions.
type ErrorKind string

const (
	// KindConnectionTransient marks recoverable connectivity faults such as
	// timeouts and resets. The only kind the outer retry will re-attempt.
	KindConnectionTransient ErrorKind = "connection_transient"
	// KindConnectionFatal marks authentication, permission, and
	// address-resolution failures. Never retried.
	KindConnectionFatal ErrorKind = "connection_fatal"
	// KindMissingTable marks a reference to a nonexistent destination table.
	KindMissingTable ErrorKind = "missing_table"
	// KindDuplicateKey marks a unique-constraint violation on insert.
	KindDuplicateKey ErrorKind = "duplicate_key"
	// KindQueryFatal marks syntax, type, and permission errors in SQL, and
	// anything unclassified.
	KindQueryFatal ErrorKind = "query_fatal"
	// KindCancelled marks an execution stopped through its cancellation token.
	KindCancelled ErrorKind = "cancelled"
	// KindPostUpdatePartial marks a post-transfer update that updated only a
	// subset of its key windows. Reported, never escalated.
	KindPostUpdatePartial ErrorKind = "post_update_partial"
)

// Retryable reports whether the outer retry wrapper may re-attempt a
// failure of this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindConnectionTransient
}

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	return string(k)
}

// TransferError tags an underlying error with an ErrorKind.
type TransferError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransferError) Unwrap() error {
	return e.Err
}

// Tag wraps err with a kind. Returns nil when err is nil. Re-tagging an
// already tagged error replaces the outer kind without losing the chain.
func Tag(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &TransferError{Kind: kind, Err: err}
}

// Tagf creates a new tagged error from a format string.
func Tagf(kind ErrorKind, format string, args ...any) error {
	return &TransferError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of an error. Context cancellation maps to
// KindCancelled; any other untagged error maps to KindQueryFatal; nil maps
// to the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindQueryFatal
}

// IsTransient reports whether err carries KindConnectionTransient.
func IsTransient(err error) bool {
	return KindOf(err) == KindConnectionTransient
}

// IsDuplicate reports whether err carries KindDuplicateKey.
func IsDuplicate(err error) bool {
	return KindOf(err) == KindDuplicateKey
}

// IsMissingTable reports whether err carries KindMissingTable.
func IsMissingTable(err error) bool {
	return KindOf(err) == KindMissingTable
}

// IsCancelled reports whether err carries KindCancelled.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// Task definition validation errors.
var (
	ErrTaskIDRequired        = errors.New("task id is required")
	ErrTaskNameRequired      = errors.New("task name is required")
	ErrTaskQueryRequired     = errors.New("task query is required")
	ErrParamFieldRequired    = errors.New("parameter field is required")
	ErrInvalidOperator       = errors.New("invalid parameter operator")
	ErrInvalidTransferType   = errors.New("invalid transfer type")
	ErrInvalidTriggerMode    = errors.New("invalid trigger mode")
	ErrPostUpdateKeyRequired = errors.New("post-update query requires a table key or existence-check key")
)

// Repository errors.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// Scheduler errors.
var (
	ErrInvalidHour       = errors.New("hour must match HH:MM in 24-hour form")
	ErrSchedulerRunning  = errors.New("a scheduled run is already in progress")
	ErrSchedulerDisabled = errors.New("the scheduler is disabled")
)

// Engine errors.
var (
	ErrNoMergeKeys   = errors.New("validation rules present but no usable merge keys")
	ErrTaskInactive  = errors.New("task is not active")
	ErrAlreadyActive = errors.New("task already has a running execution")
)
