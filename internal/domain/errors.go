// Package domain holds the error kinds shared by the collaboration
// components and translated to wire/HTTP responses by the app layer.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation Code = "VALIDATION_ERROR"
	CodeConflict   Code = "CONFLICT"
	CodePermission Code = "FORBIDDEN"
	CodeNotFound   Code = "NOT_FOUND"
	CodeStorage    Code = "STORAGE_ERROR"
	CodeDelivery   Code = "DELIVERY_ERROR"
)

type Error struct {
	Status  int
	Code    Code
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so callers can write errors.Is(err, domain.ErrConflict).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

var (
	ErrValidation = &Error{Code: CodeValidation}
	ErrConflict   = &Error{Code: CodeConflict}
	ErrPermission = &Error{Code: CodePermission}
	ErrNotFound   = &Error{Code: CodeNotFound}
	ErrStorage    = &Error{Code: CodeStorage}
	ErrDelivery   = &Error{Code: CodeDelivery}
)

// Holder identifies the session that owns a contested lock.
type Holder struct {
	SessionID    string `json:"session_id"`
	IdentityID   string `json:"identity_id"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// LockConflict is carried in Details of a conflict error.
type LockConflict struct {
	Holder  Holder   `json:"holder"`
	Overlap []string `json:"overlap"`
}

func Validation(message string) *Error {
	return &Error{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Message: message}
}

func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

func Conflict(holder Holder, overlap []string) *Error {
	return &Error{
		Status:  http.StatusConflict,
		Code:    CodeConflict,
		Message: "requested sections are already locked",
		Details: LockConflict{Holder: holder, Overlap: overlap},
	}
}

// StaleWrite reports an optimistic-concurrency loss on a versioned record.
func StaleWrite(what, id string) *Error {
	return &Error{
		Status:  http.StatusConflict,
		Code:    CodeConflict,
		Message: fmt.Sprintf("%s was modified concurrently", what),
		Details: map[string]any{"id": id},
	}
}

func Permission(message string) *Error {
	return &Error{Status: http.StatusForbidden, Code: CodePermission, Message: message}
}

func NotFound(what, id string) *Error {
	return &Error{
		Status:  http.StatusNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", what),
		Details: map[string]any{"id": id},
	}
}

// Storage wraps a Store collaborator failure. Errors that already carry a
// domain code pass through untouched.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return err
	}
	return &Error{Status: http.StatusServiceUnavailable, Code: CodeStorage, Message: "store unavailable", Err: err}
}

func Delivery(connectionID string, err error) *Error {
	return &Error{
		Code:    CodeDelivery,
		Message: "event delivery failed",
		Details: map[string]any{"connection_id": connectionID},
		Err:     err,
	}
}

// AsConflict extracts the lock conflict payload from err.
func AsConflict(err error) (LockConflict, bool) {
	var domainErr *Error
	if !errors.As(err, &domainErr) || domainErr.Code != CodeConflict {
		return LockConflict{}, false
	}
	conflict, ok := domainErr.Details.(LockConflict)
	return conflict, ok
}
