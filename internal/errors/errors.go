package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an error for transport mapping and retry decisions.
type ErrorType string

const (
	// ErrorTypeInputInvalid covers malformed upload fields, unparseable
	// filenames and unknown devices. Rejected at the boundary.
	ErrorTypeInputInvalid ErrorType = "input_invalid"
	// ErrorTypeAuthDenied covers missing or invalid device/user credentials.
	ErrorTypeAuthDenied ErrorType = "auth_denied"
	// ErrorTypeNotFound covers unknown upload ids, job ids and asset paths.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeTransientIO covers filesystem, record-store and vector-index
	// I/O failures. Retried locally, then surfaced as a job-level error.
	ErrorTypeTransientIO ErrorType = "transient_io"
	// ErrorTypeCorruptAsset marks an unreadable source file. Triggers full
	// cleanup of the asset across all stores.
	ErrorTypeCorruptAsset ErrorType = "corrupt_asset"
	// ErrorTypeModelFailure marks a failed or timed-out inference call. The
	// stage flag stays false; the reconciler retries on its next pass.
	ErrorTypeModelFailure ErrorType = "model_failure"
	// ErrorTypeCapacity means the processing queue is full or storage is over
	// quota. Callers are expected to back off and retry.
	ErrorTypeCapacity ErrorType = "capacity"
	// ErrorTypeInternal is the fallback for everything else.
	ErrorTypeInternal ErrorType = "internal"
)

// AppError is a structured error carrying its type, an HTTP status code and
// optional detail text alongside the wrapped cause.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches detail text and returns the same error.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail text and returns the same error.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func statusCodeFor(t ErrorType) int {
	switch t {
	case ErrorTypeInputInvalid:
		return http.StatusBadRequest
	case ErrorTypeAuthDenied:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeCapacity:
		return http.StatusTooManyRequests
	case ErrorTypeCorruptAsset:
		return http.StatusUnprocessableEntity
	case ErrorTypeTransientIO, ErrorTypeModelFailure, ErrorTypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New creates an AppError of the given type.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodeFor(t),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap wraps an underlying error into an AppError of the given type.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf wraps an underlying error with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// NewInputError creates an input_invalid error.
func NewInputError(message string) *AppError {
	return New(ErrorTypeInputInvalid, message)
}

// NewAuthError creates an auth_denied error.
func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuthDenied, message)
}

// NewNotFoundError creates a not_found error for the named resource.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

// NewTransientIOError wraps a store or filesystem failure.
func NewTransientIOError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeTransientIO, fmt.Sprintf("io operation failed: %s", operation))
}

// NewCorruptAssetError marks an unreadable source file.
func NewCorruptAssetError(path string, cause error) *AppError {
	return Wrap(cause, ErrorTypeCorruptAsset, fmt.Sprintf("asset unreadable: %s", path))
}

// NewModelFailureError wraps a failed inference call.
func NewModelFailureError(model string, cause error) *AppError {
	return Wrap(cause, ErrorTypeModelFailure, fmt.Sprintf("inference failed: %s", model))
}

// NewCapacityError creates a capacity error.
func NewCapacityError(message string) *AppError {
	return New(ErrorTypeCapacity, message)
}

// IsType reports whether err is an AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns the error's type, or ErrorTypeInternal for plain errors.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err, defaulting to 500.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages are the client-safe texts for error types whose internal
// message must not leak to callers.
var ErrorMessages = struct {
	ResourceNotFound     string
	AuthenticationFailed string
	CapacityExceeded     string
	TransientFailure     string
}{
	ResourceNotFound:     "The requested resource was not found",
	AuthenticationFailed: "Authentication failed",
	CapacityExceeded:     "Service is at capacity, retry with backoff",
	TransientFailure:     "A temporary error occurred, retry with backoff",
}

// SafeErrorMessage returns a message safe to surface to external callers.
// Input-validation messages pass through; everything else is genericized.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeInputInvalid:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuthDenied:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeCapacity:
		return ErrorMessages.CapacityExceeded
	case ErrorTypeTransientIO, ErrorTypeModelFailure:
		return ErrorMessages.TransientFailure
	default:
		return "An internal error occurred"
	}
}

// LogFields renders the error as structured logging fields.
func LogFields(err error) map[string]any {
	fields := map[string]any{
		"error":       err.Error(),
		"error_type":  string(GetType(err)),
		"status_code": GetStatusCode(err),
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Details != "" {
			fields["error_details"] = appErr.Details
		}
		if appErr.Cause != nil {
			fields["underlying_error"] = appErr.Cause.Error()
		}
	}
	return fields
}
