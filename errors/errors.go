// Package errors provides the structured error type used across the conflict
// resolution core.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeHandlerFailure    ErrorCode = "HANDLER_FAILURE"
	ErrCodeConfigFailure     ErrorCode = "CONFIG_FAILURE"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
)

// Kind classifies an error for callers that branch on failure category.
type Kind string

const (
	KindValidation Kind = "validation"
	KindResolution Kind = "resolution"
	KindStorage    Kind = "storage"
	KindHandler    Kind = "handler"
	KindConfig     Kind = "config"
	KindNotFound   Kind = "not_found"
	KindInternal   Kind = "internal"
)

// Operation represents the core operation that failed
type Operation string

const (
	OpDetect    Operation = "detect"
	OpResolve   Operation = "resolve"
	OpRegister  Operation = "register"
	OpMerge     Operation = "merge"
	OpNegotiate Operation = "negotiate"
	OpHistory   Operation = "history"
	OpImport    Operation = "import"
	OpExport    Operation = "export"
	OpPersist   Operation = "persist"
	OpRelay     Operation = "relay"
	OpConfig    Operation = "config"
	OpPublish   Operation = "publish"
)

// SyncError represents an error raised by the conflict resolution core
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "detector", "history")
	Component string

	// Kind of failure
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context, e.g. the offending field
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata returns the error with key set in its metadata.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewValidationError reports malformed caller input. field names the offending
// input and is recorded under Metadata["field"].
func NewValidationError(op Operation, field string, cause error) *SyncError {
	e := &SyncError{
		Code: ErrCodeValidationFailure,
		Kind: KindValidation,
		Op:   op,
		Err:  cause,
	}
	if field != "" {
		e.WithMetadata("field", field)
	}
	return e
}

// NewResolutionError creates a resolver failure.
func NewResolutionError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Kind:      KindResolution,
		Op:        op,
		Component: component,
		Err:       cause,
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Kind:      KindStorage,
		Op:        op,
		Component: component,
		Err:       cause,
		Retryable: true,
	}
}

// NewHandlerError wraps a failure raised by a notification subscriber.
func NewHandlerError(component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeHandlerFailure,
		Kind:      KindHandler,
		Op:        OpPublish,
		Component: component,
		Err:       cause,
	}
}

// NewConfigError creates a configuration failure.
func NewConfigError(cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConfigFailure,
		Kind:      KindConfig,
		Op:        OpConfig,
		Component: "config",
		Err:       cause,
	}
}

// NewNotFoundError reports a missing conflict, entry or resolver.
func NewNotFoundError(op Operation, component string, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNotFound,
		Kind:      KindNotFound,
		Op:        op,
		Component: component,
		Err:       cause,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the first SyncError in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.Kind != "" {
		return syncErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
