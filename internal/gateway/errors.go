package gateway

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a gateway failure for monitoring and for choosing a
// recovery strategy (prune, retry, surface, swallow).
type ErrorCode string

const (
	// ErrCodeConnection indicates network or connection-related failures
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication indicates authentication or authorization failures
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit indicates the operation was rate limited by the platform
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeNotFound indicates a channel, thread, or message no longer exists
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeTimeout indicates an operation timed out
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeInvalidInput indicates invalid message or configuration data
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeInternal indicates an unexpected internal error
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeUnavailable indicates the platform is temporarily unavailable
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error is a structured gateway error with a code for classification and the
// underlying cause for unwrapping.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error so errors.Is and errors.As work.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error represents a transient failure that
// may succeed on retry.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable, ErrCodeConnection:
		return true
	default:
		return false
	}
}

// NewError creates an Error with the given code, message, and cause.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string, err error) *Error {
	return NewError(ErrCodeAuthentication, message, err)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string, err error) *Error {
	return NewError(ErrCodeNotFound, message, err)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

// ErrInvalidInput creates an invalid input error.
func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

// ErrInternal creates an internal error.
func ErrInternal(message string, err error) *Error {
	return NewError(ErrCodeInternal, message, err)
}

// ErrUnavailable creates a service unavailable error.
func ErrUnavailable(message string, err error) *Error {
	return NewError(ErrCodeUnavailable, message, err)
}

// GetErrorCode extracts the ErrorCode from an error if it is a gateway Error,
// otherwise returns ErrCodeInternal.
func GetErrorCode(err error) ErrorCode {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound reports whether the error indicates a missing channel, thread,
// or message. The registry treats these as prunable, never fatal.
func IsNotFound(err error) bool {
	return GetErrorCode(err) == ErrCodeNotFound
}

// IsRetryable reports whether the error is a transient gateway failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.IsRetryable()
	}
	return false
}
