package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrReadDatabaseRow    = errors.New("could not read database row")
)

// ErrorClass is the coarse taxonomy every surfaced error falls into.
// Validation and admission errors are synchronous; resource and
// infrastructure errors arrive later through the event stream.
type ErrorClass string

const (
	ClassValidation     ErrorClass = "validation_error"
	ClassResource       ErrorClass = "resource_error"
	ClassInfrastructure ErrorClass = "infrastructure_error"
	ClassAdmission      ErrorClass = "admission_error"
)

// ErrorCode is the stable machine-readable sub-code carried on stream
// events and API responses.
type ErrorCode string

const (
	CodeBlockedURL        ErrorCode = "blocked_url"
	CodeUnsupportedFormat ErrorCode = "unsupported_format"
	CodeTooLarge          ErrorCode = "too_large"
	CodeUnsafeStatement   ErrorCode = "unsafe_statement"
	CodeUnknownTable      ErrorCode = "unknown_table"
	CodeDuplicateDataset  ErrorCode = "duplicate_dataset"
	CodeDatasetNotReady   ErrorCode = "dataset_not_ready"
	CodeResourceExceeded  ErrorCode = "resource_exceeded"
	CodeTimeout           ErrorCode = "timeout"
	CodeWorkerCrashed     ErrorCode = "worker_crashed"
	CodeQueueFull         ErrorCode = "queue_full"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeFetchFailed       ErrorCode = "fetch_failed"
	CodeCancelled         ErrorCode = "cancelled"
	CodeInternal          ErrorCode = "internal"
)

// CodedError ties a class and code to a human-readable message. It is the
// only error shape that crosses the job boundary outward.
type CodedError struct {
	Class   ErrorClass
	Code    ErrorCode
	Message string
	cause   error
}

func (e *CodedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.cause }

func NewValidationError(code ErrorCode, msg string) *CodedError {
	return &CodedError{Class: ClassValidation, Code: code, Message: msg}
}

func NewResourceError(code ErrorCode, msg string) *CodedError {
	return &CodedError{Class: ClassResource, Code: code, Message: msg}
}

func NewInfrastructureError(code ErrorCode, msg string, cause error) *CodedError {
	return &CodedError{Class: ClassInfrastructure, Code: code, Message: msg, cause: cause}
}

func NewAdmissionError(code ErrorCode, msg string) *CodedError {
	return &CodedError{Class: ClassAdmission, Code: code, Message: msg}
}

// AsCoded extracts a CodedError from err, wrapping anything else as an
// internal infrastructure error so callers always see a stable code.
func AsCoded(err error) *CodedError {
	if err == nil {
		return nil
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}
	return &CodedError{Class: ClassInfrastructure, Code: CodeInternal, Message: err.Error(), cause: err}
}
