package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound          = errors.New("resource not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrBadRequest        = errors.New("bad request")
	ErrConflict          = errors.New("conflict")
	ErrInternal          = errors.New("internal error")
	ErrValidation        = errors.New("validation error")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrAdminImmutable    = errors.New("admin permissions are immutable")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTerminalState     = errors.New("case is in a terminal status")
	ErrStaleState        = errors.New("case was modified concurrently")
	ErrScopeViolation    = errors.New("outside assigned scope")
	ErrStoreUnavailable  = errors.New("backing store unavailable")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	HTTPStatus int               `json:"-"`
	Details    map[string]string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Code:       "NOT_FOUND",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// Unauthorized creates an unauthorized error
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// PermissionDenied creates a denied error. The message is deliberately
// generic: callers must not learn which permission was missing.
func PermissionDenied() *AppError {
	return &AppError{
		Err:        ErrPermissionDenied,
		Message:    "not permitted",
		Code:       "PERMISSION_DENIED",
		HTTPStatus: http.StatusForbidden,
	}
}

// AdminImmutable creates an error for attempts to edit an admin matrix cell
func AdminImmutable() *AppError {
	return &AppError{
		Err:        ErrAdminImmutable,
		Message:    "admin permissions cannot be changed",
		Code:       "ADMIN_IMMUTABLE",
		HTTPStatus: http.StatusForbidden,
	}
}

// IllegalTransition creates an error for a transition edge that does not
// exist. Unlike permission failures, the structural reason is reported.
func IllegalTransition(current, requested string) *AppError {
	return &AppError{
		Err:        ErrIllegalTransition,
		Message:    fmt.Sprintf("status %q is not reachable from %q", requested, current),
		Code:       "ILLEGAL_TRANSITION",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"current_status": current, "requested_status": requested},
	}
}

// TerminalState creates an error for actions on a closed or cancelled case
func TerminalState(current string) *AppError {
	return &AppError{
		Err:        ErrTerminalState,
		Message:    fmt.Sprintf("case is %s and can no longer change", current),
		Code:       "TERMINAL_STATE",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"current_status": current},
	}
}

// StaleState creates an optimistic-concurrency conflict error
func StaleState(resource string, id string) *AppError {
	return &AppError{
		Err:        ErrStaleState,
		Message:    fmt.Sprintf("%s was modified concurrently, re-fetch and retry", resource),
		Code:       "STALE_STATE",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]string{"resource": resource, "id": id},
	}
}

// ScopeViolation creates an error for actors acting outside their
// assigned countries or departments
func ScopeViolation() *AppError {
	return &AppError{
		Err:        ErrScopeViolation,
		Message:    "not permitted",
		Code:       "SCOPE_VIOLATION",
		HTTPStatus: http.StatusForbidden,
	}
}

// StoreUnavailable creates an error for an unreachable backing store
func StoreUnavailable(err error) *AppError {
	return &AppError{
		Err:        ErrStoreUnavailable,
		Message:    "backing store unavailable",
		Code:       "STORE_UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
		Details:    map[string]string{"cause": fmt.Sprint(err)},
	}
}

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Message:    message,
		Code:       "VALIDATION_ERROR",
		HTTPStatus: http.StatusBadRequest,
		Details:    details,
	}
}

// Conflict creates a conflict error
func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Message:    message,
		Code:       "CONFLICT",
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error
func Internal(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "internal server error",
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) *AppError {
	if appErr, ok := err.(*AppError); ok {
		appErr.Message = fmt.Sprintf("%s: %s", message, appErr.Message)
		return appErr
	}
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "INTERNAL_ERROR",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Is reports whether err matches the given sentinel, unwrapping AppError
func Is(err, target error) bool {
	return errors.Is(err, target)
}
