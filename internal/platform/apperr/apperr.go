// Package apperr defines the error taxonomy shared by the bridge components.
// Every error that crosses a component boundary carries a Kind so callers can
// branch on the failure class without matching strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a bridge error.
type Kind string

const (
	KindConfiguration        Kind = "configuration"
	KindTenantNotFound       Kind = "tenant_not_found"
	KindConnection           Kind = "connection"
	KindNotFound             Kind = "not_found"
	KindValidation           Kind = "validation"
	KindPermissionDenied     Kind = "permission_denied"
	KindUnauthenticated      Kind = "unauthenticated"
	KindPartialFailure       Kind = "partial_failure"
	KindInconsistentTransfer Kind = "inconsistent_transfer"
	KindConflict             Kind = "conflict"
	KindInternal             Kind = "internal"
)

// Error is a classified error with operation context.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Op      string                 `json:"op,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair to the error details and returns e.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatus maps the error kind to the status code the route layer returns.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindTenantNotFound, KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindConfiguration:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindConflict, KindInconsistentTransfer:
		return http.StatusConflict
	case KindPartialFailure:
		return http.StatusMultiStatus
	case KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given kind.
func New(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func TenantNotFound(op, tenantID string) *Error {
	return New(KindTenantNotFound, op, "tenant %q is not configured", tenantID).WithDetail("tenant_id", tenantID)
}

func Validation(op, format string, args ...interface{}) *Error {
	return New(KindValidation, op, format, args...)
}

func NotFound(op, format string, args ...interface{}) *Error {
	return New(KindNotFound, op, format, args...)
}

func PermissionDenied(op, requester, target, permission string) *Error {
	return New(KindPermissionDenied, op, "tenant %q lacks %s permission on tenant %q", requester, permission, target).
		WithDetail("requester", requester).
		WithDetail("target", target).
		WithDetail("permission", permission)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
// when err carries no classification. A nil err has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
