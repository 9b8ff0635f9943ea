package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by code so sentinels and their clones compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e != nil && t != nil && e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound     = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden    = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict     = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation   = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal     = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")

	// Admission business-rule rejections. None of these are retried.
	ErrDuplicateApplication = New("DUPLICATE_APPLICATION", http.StatusConflict, "already applied")
	ErrNotRecruiting        = New("NOT_RECRUITING", http.StatusUnprocessableEntity, "not recruiting")
	ErrFormNotReady         = New("FORM_NOT_READY", http.StatusUnprocessableEntity, "form not ready")
	ErrNotEnrollable        = New("NOT_ENROLLABLE", http.StatusUnprocessableEntity, "not enrollable")
	ErrCapacityExceeded     = New("CAPACITY_EXCEEDED", http.StatusConflict, "capacity exceeded")
	ErrWaitlistFull         = New("WAITLIST_FULL", http.StatusConflict, "waitlist full")
	ErrInvalidState         = New("INVALID_STATE", http.StatusConflict, "invalid enrollment state")

	// ErrVersionConflict signals a stale optimistic-lock version. The caller
	// must reload and retry deliberately; the engine never retries it.
	ErrVersionConflict = New("VERSION_CONFLICT", http.StatusConflict, "version conflict")

	// ErrStorageConflict marks a transient serialization failure or deadlock.
	// It is the only error kind the retry coordinator re-executes on.
	ErrStorageConflict = New("STORAGE_CONFLICT", http.StatusServiceUnavailable, "storage conflict")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// IsStorageConflict reports whether err is a transient storage conflict.
func IsStorageConflict(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}
