package errors

import (
	"errors"
	"fmt"
	"net/http"

	"wanderlink/internal/core/domain"
)

type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeMediaUnavailable   ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeCallInProgress     ErrorCode = "CALL_IN_PROGRESS"
)

// AppError is the error shape returned by the control API.
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds a key to the error's context map.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewForbiddenError(message string) *AppError {
	return NewAppError(ErrCodeForbidden, message, http.StatusForbidden)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// GetAppError finds an AppError in err's chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// domainMappings is checked in order; the first sentinel err matches wins.
var domainMappings = []struct {
	target  error
	code    ErrorCode
	status  int
	message string
}{
	{domain.ErrCallInProgress, ErrCodeCallInProgress, http.StatusConflict, "another call is in progress"},
	{domain.ErrCallNotFound, ErrCodeNotFound, http.StatusNotFound, "call not found"},
	{domain.ErrCallNotRinging, ErrCodeConflict, http.StatusConflict, "call is no longer ringing"},
	{domain.ErrAnswerAlreadySet, ErrCodeConflict, http.StatusConflict, "call was answered elsewhere"},
	{domain.ErrOfferAlreadySet, ErrCodeConflict, http.StatusConflict, "call already has an offer"},
	{domain.ErrAlreadyEnded, ErrCodeConflict, http.StatusConflict, "call already ended"},
	{domain.ErrMissingParty, ErrCodeInvalidInput, http.StatusBadRequest, "callee is missing or invalid"},
	{domain.ErrPermissionDenied, ErrCodeMediaUnavailable, http.StatusUnprocessableEntity, "camera or microphone permission denied"},
	{domain.ErrDeviceUnavailable, ErrCodeMediaUnavailable, http.StatusUnprocessableEntity, "camera or microphone unavailable"},
	{domain.ErrMediaAccess, ErrCodeMediaUnavailable, http.StatusUnprocessableEntity, "could not access local media"},
	{domain.ErrStore, ErrCodeServiceUnavailable, http.StatusServiceUnavailable, "signaling store unavailable"},
	{domain.ErrProfileNotFound, ErrCodeNotFound, http.StatusNotFound, "profile not found"},
}

// FromDomain converts err into an AppError. Errors already carrying an
// AppError are returned as is; unknown errors become internal errors.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, m := range domainMappings {
		if errors.Is(err, m.target) {
			return WrapError(err, m.code, m.message, m.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
