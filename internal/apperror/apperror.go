// Package apperror defines the error taxonomy shared by the relay core and
// the HTTP handlers around it.
//
// Every error carries a Kind. Callers test for a kind with errors.Is against
// the package sentinels, and handlers map it to an HTTP status with StatusOf.
package apperror

import (
	"errors"
	"net/http"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindAuthDenied  Kind = "auth_denied"
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation_failed"
	KindPersistence Kind = "persistence_failed"
	KindTransport   Kind = "transport_failed"
	KindMalformed   Kind = "malformed"
	KindConflict    Kind = "conflict"
	KindInternal    Kind = "internal"
)

// Error is a classified error with an HTTP status and an optional cause.
type Error struct {
	Kind    Kind   `json:"-"`
	Status  int    `json:"-"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Predefined errors. They are shared values: use WithError / WithMessage to
// derive a new instance instead of mutating them.
var (
	ErrAuthDenied  = New(KindAuthDenied, http.StatusUnauthorized, "authentication denied")
	ErrNotFound    = New(KindNotFound, http.StatusNotFound, "not found")
	ErrValidation  = New(KindValidation, http.StatusBadRequest, "validation failed")
	ErrPersistence = New(KindPersistence, http.StatusInternalServerError, "persistence failed")
	ErrTransport   = New(KindTransport, http.StatusBadGateway, "transport failed")
	ErrMalformed   = New(KindMalformed, http.StatusBadRequest, "malformed frame")
	ErrConflict    = New(KindConflict, http.StatusConflict, "conflict")
	ErrInternal    = New(KindInternal, http.StatusInternalServerError, "internal error")
)

// New creates a classified error.
func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithError returns a copy of e wrapping err.
func (e *Error) WithError(err error) *Error {
	return &Error{Kind: e.Kind, Status: e.Status, Message: e.Message, Err: err}
}

// WithMessage returns a copy of e with a different message.
func (e *Error) WithMessage(message string) *Error {
	return &Error{Kind: e.Kind, Status: e.Status, Message: message, Err: e.Err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status for err. Unclassified errors are 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client-facing message for err. Causes are not exposed.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}
