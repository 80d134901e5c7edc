package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Common error types
var (
	ErrNotFound      = errors.New("resource not found")
	ErrBadRequest    = errors.New("bad request")
	ErrSession       = errors.New("host session error")
	ErrWriteRejected = errors.New("write rejected")
	ErrUnavailable   = errors.New("host unavailable")
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

// BadRequest creates a bad request error
func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Message:    message,
		Code:       "BAD_REQUEST",
		HTTPStatus: http.StatusBadRequest,
	}
}

// SessionFailed creates an error for a host session that could not be established.
// The cause is kept in Details and matched through ErrSession.
func SessionFailed(hostID string, cause error) *AppError {
	details := map[string]string{"host": hostID}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	return &AppError{
		Err:        ErrSession,
		Message:    fmt.Sprintf("unable to establish session on host %s", hostID),
		Code:       "SESSION_ERROR",
		HTTPStatus: http.StatusBadGateway,
		Details:    details,
	}
}

// WriteRejected creates an error for a create/update refused by a host
func WriteRejected(hostID string, reason string) *AppError {
	return &AppError{
		Err:        ErrWriteRejected,
		Message:    fmt.Sprintf("host %s rejected the write", hostID),
		Code:       "WRITE_REJECTED",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]string{"host": hostID, "reason": reason},
	}
}

// Unavailable creates an error for a read fan-out where no host answered
func Unavailable(message string, cause error) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %v", ErrUnavailable, cause),
		Message:    message,
		Code:       "HOSTS_UNAVAILABLE",
		HTTPStatus: http.StatusServiceUnavailable,
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

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
