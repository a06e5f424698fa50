package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an API failure. Every error that leaves a request handler
// carries exactly one kind, and both the JSON and the XML error body render
// the same kind string.
type Kind string

// the error taxonomy
const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindValidation     Kind = "validation"
	KindInvalidFilter  Kind = "invalid_filter"
	KindConflict       Kind = "conflict"
	KindInternal       Kind = "internal"
)

// HTTPStatus returns the status code a kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuthentication, KindAuthorization:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindInvalidFilter:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified service error. Details names the offending
// columns for validation and filter errors.
type Error struct {
	Kind    Kind
	Message string
	Details []string
}

func (e *Error) Error() string {
	if len(e.Details) > 0 {
		return e.Message + ": " + strings.Join(e.Details, ", ")
	}
	return e.Message
}

// NewError creates a classified error.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of the error with detail strings attached.
func (e *Error) WithDetails(details ...string) *Error {
	clone := *e
	clone.Details = append(clone.Details[:len(clone.Details):len(clone.Details)], details...)
	return &clone
}

// KindOf returns the kind of a classified error, or KindInternal for
// anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailsOf returns the details of a classified error, nil otherwise.
func DetailsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
