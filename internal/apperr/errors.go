// Package apperr classifies failures so that transports can map them to
// status codes and callers can decide whether a retry makes sense.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindNotFound           Kind = "NOT_FOUND"
	KindInsufficientFunds  Kind = "INSUFFICIENT_BALANCE"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindTransient          Kind = "TRANSIENT"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindFatal              Kind = "CONFIGURATION_ERROR"
	KindReplay             Kind = "REPLAY"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// Error is a classified error. Existing carries the prior result of a replayed
// operation when one is known.
type Error struct {
	Kind     Kind
	Message  string
	Err      error
	Existing interface{}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(resource string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource))
}

func InsufficientFunds(format string, args ...interface{}) *Error {
	return New(KindInsufficientFunds, fmt.Sprintf(format, args...))
}

func Transient(message string, err error) error {
	return Wrap(KindTransient, message, err)
}

func Fatal(message string, err error) error {
	if err == nil {
		return New(KindFatal, message)
	}
	return Wrap(KindFatal, message, err)
}

// Replay reports an already-applied operation together with its prior result.
func Replay(message string, existing interface{}) *Error {
	return &Error{Kind: KindReplay, Message: message, Existing: existing}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when none is present.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExistingOf returns the prior result attached to a replay error.
func ExistingOf(err error) (interface{}, bool) {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind == KindReplay && appErr.Existing != nil {
		return appErr.Existing, true
	}
	return nil, false
}

// HTTPStatus maps a kind to its response status class.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindTransient, KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindReplay:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the failed operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindServiceUnavailable, KindInternal:
		return true
	default:
		return false
	}
}

// RetryableStatus reports retry eligibility from a response status: 5xx is
// retryable, 4xx is not.
func RetryableStatus(status int) bool {
	return status >= 500
}
