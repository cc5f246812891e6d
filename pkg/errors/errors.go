package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeCaptureUnavailable    ErrorCode = "CAPTURE_UNAVAILABLE"
	ErrCodePermissionDenied      ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceUnavailable     ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeNegotiationFailed     ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeTransportDisconnected ErrorCode = "TRANSPORT_DISCONNECTED"
	ErrCodeSignalingTimeout      ErrorCode = "SIGNALING_TIMEOUT"
	ErrCodeNotJoined             ErrorCode = "NOT_JOINED"
	ErrCodeInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit             ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal              ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks. Matching is by code, so any AppError
// carrying the same code satisfies errors.Is against these values.
var (
	ErrCaptureUnavailable    = &AppError{Code: ErrCodeCaptureUnavailable}
	ErrPermissionDenied      = &AppError{Code: ErrCodePermissionDenied}
	ErrDeviceUnavailable     = &AppError{Code: ErrCodeDeviceUnavailable}
	ErrNegotiationFailed     = &AppError{Code: ErrCodeNegotiationFailed}
	ErrTransportDisconnected = &AppError{Code: ErrCodeTransportDisconnected}
	ErrSignalingTimeout      = &AppError{Code: ErrCodeSignalingTimeout}
	ErrNotJoined             = &AppError{Code: ErrCodeNotJoined}
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

// Is reports whether target is an AppError with the same code.
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

// NewCaptureUnavailableError reports that a local capture device could not
// be acquired. cause is usually a permission or device error.
func NewCaptureUnavailableError(device string, cause error) *AppError {
	return WrapError(cause, ErrCodeCaptureUnavailable,
		fmt.Sprintf("%s capture unavailable", device), http.StatusFailedDependency).
		WithContext("device", device)
}

func NewPermissionDeniedError(device string) *AppError {
	return NewAppError(ErrCodePermissionDenied,
		fmt.Sprintf("permission to capture %s denied", device), http.StatusForbidden).
		WithContext("device", device)
}

func NewDeviceUnavailableError(device string, cause error) *AppError {
	return WrapError(cause, ErrCodeDeviceUnavailable,
		fmt.Sprintf("%s device unavailable", device), http.StatusServiceUnavailable).
		WithContext("device", device)
}

func NewNegotiationFailedError(peerID string, step string, cause error) *AppError {
	return WrapError(cause, ErrCodeNegotiationFailed,
		fmt.Sprintf("negotiation with %s failed at %s", peerID, step), http.StatusBadGateway).
		WithContext("peer_id", peerID).
		WithContext("step", step)
}

func NewTransportDisconnectedError(cause error) *AppError {
	return WrapError(cause, ErrCodeTransportDisconnected,
		"signaling transport disconnected", http.StatusServiceUnavailable)
}

func NewSignalingTimeoutError(event string, cause error) *AppError {
	return WrapError(cause, ErrCodeSignalingTimeout,
		fmt.Sprintf("sending %s timed out", event), http.StatusGatewayTimeout).
		WithContext("event", event)
}

func NewNotJoinedError() *AppError {
	return NewAppError(ErrCodeNotJoined, "not joined to a voice channel", http.StatusConflict)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// GetAppError extracts the outermost AppError from the error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the outermost AppError in the chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HTTPStatusOf maps err to a response status.
func HTTPStatusOf(err error) int {
	if appErr := GetAppError(err); appErr != nil && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
