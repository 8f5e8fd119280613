package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a specific failure class for controller and engine calls.
type ErrorCode string

const (
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeControllerUnavailable indicates the placement controller could not be reached or returned non-2xx.
	ErrCodeControllerUnavailable ErrorCode = "CONTROLLER_UNAVAILABLE"
	// ErrCodeMalformedResponse indicates a response body that could not be interpreted.
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	// ErrCodeMoveFailed indicates the controller rejected a move.
	ErrCodeMoveFailed ErrorCode = "MOVE_FAILED"
	// ErrCodeEngineUnavailable indicates the inference engine is not available.
	ErrCodeEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	// ErrCodeContextCanceled indicates the operation was canceled.
	ErrCodeContextCanceled ErrorCode = "CONTEXT_CANCELED"
	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
)

// Error is a coded error for calls to external collaborators.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *Error {
	return &Error{Code: ErrCodeInvalidArgument, Message: msg}
}

// ControllerUnavailable creates a controller unavailable error.
func ControllerUnavailable(msg string, cause error) *Error {
	return &Error{Code: ErrCodeControllerUnavailable, Message: msg, Cause: cause}
}

// MalformedResponse creates a malformed response error.
func MalformedResponse(msg string, cause error) *Error {
	return &Error{Code: ErrCodeMalformedResponse, Message: msg, Cause: cause}
}

// MoveFailed creates a move failed error.
func MoveFailed(msg string, cause error) *Error {
	return &Error{Code: ErrCodeMoveFailed, Message: msg, Cause: cause}
}

// EngineUnavailable creates an engine unavailable error.
func EngineUnavailable(msg string, cause error) *Error {
	return &Error{Code: ErrCodeEngineUnavailable, Message: msg, Cause: cause}
}

// Wrap wraps an existing error with a code.
func Wrap(cause error, code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// FromTransport classifies a transport failure. Deadline and cancellation map
// to their own codes; everything else becomes fallback.
func FromTransport(cause error, fallback ErrorCode, msg string) *Error {
	switch {
	case stderrors.Is(cause, context.DeadlineExceeded):
		return Wrap(cause, ErrCodeTimeout, msg)
	case stderrors.Is(cause, context.Canceled):
		return Wrap(cause, ErrCodeContextCanceled, msg)
	default:
		return Wrap(cause, fallback, msg)
	}
}

// IsCode reports whether any error in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the error code, or defaultCode if err carries none.
func CodeOf(err error, defaultCode ErrorCode) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return defaultCode
}
