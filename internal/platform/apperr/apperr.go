// Package apperr classifies the error kinds the billing core surfaces to
// its callers. Every kind except Conflict is terminal for the request that
// produced it; Conflict signals a stale write that the orchestration layer
// is expected to retry after re-reading.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrValidation marks malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState marks a mutation forbidden by the document's current status.
	ErrInvalidState = errors.New("invalid document state")
	// ErrInvalidTransition marks a claim action undefined for the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotFound marks a missing referenced document.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a stale write detected by per-document serialization.
	ErrConflict = errors.New("concurrent modification")
)

// Error carries a kind plus a human-readable message. errors.Is against the
// sentinel kinds above matches through the kind.
type Error struct {
	kind error
	msg  string
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.kind }

func newf(kind error, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...interface{}) error {
	return newf(ErrValidation, format, args...)
}

func InvalidStatef(format string, args ...interface{}) error {
	return newf(ErrInvalidState, format, args...)
}

func InvalidTransitionf(format string, args ...interface{}) error {
	return newf(ErrInvalidTransition, format, args...)
}

func NotFoundf(format string, args ...interface{}) error {
	return newf(ErrNotFound, format, args...)
}

func Conflictf(format string, args ...interface{}) error {
	return newf(ErrConflict, format, args...)
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
