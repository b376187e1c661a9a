package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Call orchestration codes
	ErrCodeAuthFailed           ErrorCode = "AUTH_FAILED"
	ErrCodeMediaPermission      ErrorCode = "MEDIA_PERMISSION_DENIED"
	ErrCodeDirectoryUnavailable ErrorCode = "DIRECTORY_UNAVAILABLE"
	ErrCodeCallInProgress       ErrorCode = "CALL_IN_PROGRESS"
	ErrCodeNoActiveCall         ErrorCode = "NO_ACTIVE_CALL"
	ErrCodeCallSuperseded       ErrorCode = "CALL_SUPERSEDED"
	ErrCodePlatform             ErrorCode = "PLATFORM_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError carrying the same code, so that
// errors.Is(err, errors.NewCallInProgressError()) works across instances.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// NewAuthError normalizes every credential fetch failure into one error kind.
func NewAuthError(cause error, message string) *AppError {
	return WrapError(cause, ErrCodeAuthFailed, message, http.StatusUnauthorized)
}

// NewMediaPermissionError reports denied or unavailable capture devices.
func NewMediaPermissionError(cause error) *AppError {
	msg := "Media access denied. Please allow camera and microphone access."
	if cause != nil {
		msg = fmt.Sprintf("Media access denied: %v. Please allow camera and microphone access.", cause)
	}
	return WrapError(cause, ErrCodeMediaPermission, msg, http.StatusForbidden)
}

func NewDirectoryUnavailableError(cause error) *AppError {
	return WrapError(cause, ErrCodeDirectoryUnavailable, "room directory unavailable", http.StatusBadGateway)
}

func NewCallInProgressError() *AppError {
	return NewAppError(ErrCodeCallInProgress, "A call is already in progress. Please end it first.", http.StatusConflict)
}

func NewNoActiveCallError() *AppError {
	return NewAppError(ErrCodeNoActiveCall, "No active call", http.StatusConflict)
}

func NewCallSupersededError() *AppError {
	return NewAppError(ErrCodeCallSuperseded, "call attempt was superseded by a newer action", http.StatusConflict)
}

// NewPlatformError wraps a failure reported by the calling platform.
func NewPlatformError(cause error, op string) *AppError {
	return WrapError(cause, ErrCodePlatform, fmt.Sprintf("platform %s failed", op), http.StatusBadGateway).
		WithContext("operation", op)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsCode reports whether err carries an AppError with the given code anywhere
// in its chain.
func IsCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// HumanMessage returns the display message of an AppError, or err.Error()
// for anything else.
func HumanMessage(err error) string {
	if err == nil {
		return ""
	}
	if appErr := GetAppError(err); appErr != nil {
		if appErr.Cause != nil && appErr.Code == ErrCodeAuthFailed {
			return appErr.Cause.Error()
		}
		return appErr.Message
	}
	return err.Error()
}
