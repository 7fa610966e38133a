// Package apperr defines the error kinds returned by domain services and
// their mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ValidationError reports bad user input. Message is safe to show.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError covers both missing records and records owned by someone
// else, so callers cannot probe for existence.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

func NotFound(resource string) error {
	return &NotFoundError{Resource: resource}
}

// StateError reports an operation the lifecycle does not allow.
type StateError struct {
	Message string
}

func (e *StateError) Error() string { return e.Message }

func State(format string, args ...any) error {
	return &StateError{Message: fmt.Sprintf(format, args...)}
}

// PersistenceError wraps a storage or database failure. Op names the failed
// operation; Cause is never shown to users.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Cause.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

func Persistence(op string, cause error) error {
	return &PersistenceError{Op: op, Cause: cause}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// HTTPError converts a service error into an echo error with a sanitized
// message. Errors that are already *echo.HTTPError pass through.
func HTTPError(err error) error {
	if err == nil {
		return nil
	}
	var (
		he *echo.HTTPError
		ve *ValidationError
		nf *NotFoundError
		se *StateError
	)
	switch {
	case errors.As(err, &he):
		return he
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.As(err, &nf):
		return echo.NewHTTPError(http.StatusNotFound, nf.Error())
	case errors.As(err, &se):
		return echo.NewHTTPError(http.StatusConflict, se.Message)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "the operation failed, please try again").SetInternal(err)
	}
}
