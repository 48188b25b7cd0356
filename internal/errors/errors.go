// Package errors provides error code definitions for the LabSync core.
package errors

import "fmt"

// ErrorCode identifies a class of failure for routing and user display.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	//
	// ErrTransientNetwork marks failures the offline queue may retry with
	// bounded retries; the autosave engine never retries them itself.
	// ErrVersionConflict is an outcome rather than a fault: it routes the
	// write to the resolver or the conflict log.
	// ErrResolution leaves the conflict record pending for another attempt.
	ErrTransientNetwork ErrorCode = "TRANSIENT_NETWORK"
	ErrVersionConflict  ErrorCode = "VERSION_CONFLICT"
	ErrResolution       ErrorCode = "RESOLUTION_ERROR"
	ErrQueueFull        ErrorCode = "QUEUE_FULL"
	ErrRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	ErrSyncDisabled     ErrorCode = "SYNC_DISABLED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
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

// Wrap wraps an existing error with an error code. Wrapping an AppError
// keeps its code unless a different one is given explicitly.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			if appErr.Code == code {
				return true
			}
			err = appErr.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the outermost AppError code, or ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err may be retried by the offline queue.
func IsTransient(err error) bool {
	return Is(err, ErrTransientNetwork)
}

// IsValidation reports whether err is fatal for the attempted write and must
// never be retried automatically.
func IsValidation(err error) bool {
	return Is(err, ErrValidation) || Is(err, ErrInvalid)
}
