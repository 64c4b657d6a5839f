package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// FallbackReplyMessage is shown to end users when a turn fails.
	FallbackReplyMessage = "Sorry, I'm having trouble answering right now. Please try again in a moment."
)

// Code classifies runtime failures so callers can decide how to react.
type Code string

const (
	CodePackageLoad     Code = "PACKAGE_LOAD_ERROR"
	CodeProvider        Code = "PROVIDER_ERROR"
	CodeToolExecution   Code = "TOOL_EXECUTION_ERROR"
	CodeContextLimit    Code = "CONTEXT_LIMIT_ERROR"
	CodeAuth            Code = "AUTH_ERROR"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeNotFound        Code = "NOT_FOUND"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err       error
	Status    int
	Message   string
	Code      Code
	Retryable bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
		Code:    CodeInternal,
	}
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// PackageLoad reports that a chatbot package could not be resolved. Always retryable.
func PackageLoad(packageID string, err error) *AppError {
	return &AppError{
		Err:       err,
		Status:    http.StatusServiceUnavailable,
		Message:   fmt.Sprintf("load package %q", packageID),
		Code:      CodePackageLoad,
		Retryable: true,
	}
}

// Provider wraps an LLM provider failure. Content-filter rejections are not retryable.
func Provider(err error, contentFiltered bool) *AppError {
	return &AppError{
		Err:       err,
		Status:    http.StatusBadGateway,
		Message:   "provider call failed",
		Code:      CodeProvider,
		Retryable: !contentFiltered,
	}
}

// ToolExecution wraps a failure raised by a single tool.
func ToolExecution(toolName string, err error) *AppError {
	return &AppError{
		Err:     err,
		Status:  http.StatusBadGateway,
		Message: fmt.Sprintf("tool %q failed", toolName),
		Code:    CodeToolExecution,
	}
}

// ContextLimit reports that the provider context window was exceeded.
func ContextLimit(err error) *AppError {
	return &AppError{
		Err:     err,
		Status:  http.StatusRequestEntityTooLarge,
		Message: "context limit exceeded",
		Code:    CodeContextLimit,
	}
}

// Auth reports that the caller must authenticate before the turn can proceed.
func Auth(message string) *AppError {
	return &AppError{
		Status:  http.StatusUnauthorized,
		Message: message,
		Code:    CodeAuth,
	}
}

// SessionNotFound reports that a call or auth session does not exist.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("session %q not found", sessionID),
		Code:    CodeSessionNotFound,
	}
}

// NotFound reports a missing resource such as a chatbot instance.
func NotFound(kind, id string) *AppError {
	return &AppError{
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, id),
		Code:    CodeNotFound,
	}
}

// InvalidArgument reports a malformed request.
func InvalidArgument(message string) *AppError {
	return &AppError{
		Status:  http.StatusBadRequest,
		Message: message,
		Code:    CodeInvalidArgument,
	}
}

// CodeOf returns the classification of err, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the whole turn may be retried.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// StatusOf returns the HTTP status to surface for err.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
