// Package errors provides the error taxonomy shared by the sync core, the
// terminal status surface and the sync server.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of failure. Codes are stable strings so they can
// be reported over the worker protocol and the status API unchanged.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Transport errors
	ErrNetwork ErrorCode = "NETWORK_ERROR"
	ErrHTTP    ErrorCode = "HTTP_ERROR"
	ErrAuth    ErrorCode = "AUTH_ERROR"
	ErrParse   ErrorCode = "PARSE_ERROR"

	// Outbox errors
	ErrMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"

	// Sync lifecycle errors
	ErrSyncFailed   ErrorCode = "SYNC_FAILED"
	ErrSyncStopped  ErrorCode = "SYNC_STOPPED"
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
)

// AppError represents an application error with code and message.
// Status is only set for ErrHTTP and ErrAuth failures coming from a response.
type AppError struct {
	Code    ErrorCode
	Message string
	Status  int
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	msg := e.Message
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// HTTPStatus builds the error for a non-2xx response. 401 and 403 map to
// ErrAuth, 400 and 422 to ErrValidation, everything else to ErrHTTP.
func HTTPStatus(status int, body string) *AppError {
	code := ErrHTTP
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = ErrAuth
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = ErrValidation
	}
	msg := http.StatusText(status)
	if body != "" {
		msg = body
	}
	return &AppError{Code: code, Message: msg, Status: status}
}

// Is checks if an error, or anything it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// FailureClass is what the UI is told about a failed outbox operation.
type FailureClass string

const (
	FailureNone      FailureClass = ""
	FailureTransient FailureClass = "transient"
	FailureExhausted FailureClass = "exhausted"
	FailureAuth      FailureClass = "auth"
)

// Classify maps an error to the class surfaced to the UI. Auth failures are
// still retried automatically; only exhausted operations need a user action.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureNone
	}
	switch CodeOf(err) {
	case ErrMaxRetriesExceeded:
		return FailureExhausted
	case ErrAuth:
		return FailureAuth
	default:
		return FailureTransient
	}
}
