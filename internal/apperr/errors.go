// Package apperr defines the error taxonomy shared by every engine component.
// Failures are per-action and recoverable; none of them are fatal to the process.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindPermissionDenied       Kind = "PERMISSION_DENIED"
	KindValidation             Kind = "VALIDATION_ERROR"
	KindConflictRetryExhausted Kind = "CONFLICT_RETRY_EXHAUSTED"
	KindUpstreamUnavailable    Kind = "UPSTREAM_UNAVAILABLE"
	KindNotFound               Kind = "NOT_FOUND"
	KindUnauthenticated        Kind = "UNAUTHENTICATED"
)

// Error is the typed error surfaced to callers. Code is a finer-grained
// machine readable reason within Kind.
type Error struct {
	Kind    Kind
	Code    string
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
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind Kind, code, message string, details any, err error) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: message, Details: details, Err: err}
}

// Denied reports a failed capability check. The action never reaches the store.
func Denied(reason string) *Error {
	return newError(KindPermissionDenied, "", reason, nil, nil)
}

// DeniedCode is Denied with a specific reason code.
func DeniedCode(code, reason string) *Error {
	return newError(KindPermissionDenied, code, reason, nil, nil)
}

func Invalid(code, message string) *Error {
	return newError(KindValidation, code, message, nil, nil)
}

func InvalidWith(code, message string, details any) *Error {
	return newError(KindValidation, code, message, details, nil)
}

// Conflict wraps a transaction that failed to converge after its retries.
func Conflict(err error) *Error {
	return newError(KindConflictRetryExhausted, "", "Something changed at the same time, please try again", nil, err)
}

// Upstream wraps a failure of an external provider (identity, media, meeting, search).
func Upstream(provider string, err error) *Error {
	return newError(KindUpstreamUnavailable, "", provider+" is unavailable", map[string]any{"provider": provider}, err)
}

func NotFound(what string) *Error {
	return newError(KindNotFound, "", what+" not found", nil, nil)
}

func Unauthenticated(message string) *Error {
	return newError(KindUnauthenticated, "", message, nil, nil)
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflictRetryExhausted:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
