// Package domain holds the error taxonomy shared by the settlement core.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrValidation  = errors.New("validation failed")
	ErrUnavailable = errors.New("unavailable")
)

var (
	// ErrAlreadyProcessed is returned when a dual-control request has left pending.
	ErrAlreadyProcessed = &Error{Kind: ErrConflict, Message: "dual-control request already processed"}
	// ErrJobUnavailable is returned when a settlement job was claimed by someone else or vanished.
	ErrJobUnavailable = &Error{Kind: ErrConflict, Message: "settlement job no longer available"}
)

// Error is a deterministic domain failure carrying a kind and a human message.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// StatusCode maps the error kind onto an HTTP-style status code.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrValidation:
		return http.StatusBadRequest
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(format string, args ...any) error {
	return &Error{Kind: ErrUnavailable, Message: fmt.Sprintf(format, args...)}
}

// StatusCode returns the status code of the first *Error in err's chain, or 500.
func StatusCode(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.StatusCode()
	}
	return http.StatusInternalServerError
}
