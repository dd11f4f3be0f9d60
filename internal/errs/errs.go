// Package errs carries the error taxonomy shared across the engine.
// Every error that crosses a package boundary is classified by Kind so
// handlers and the scheduler can decide between retrying, skipping,
// surfacing to the caller, or escalating a trader to errored.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfig       // missing/invalid startup configuration, fatal at boot
	KindAuth         // missing or malformed bearer token
	KindForbidden    // caller does not own the resource
	KindNotFound     // resource unknown even after hydration
	KindValidation   // malformed request body or illegal field combination
	KindCompile      // filter snippet rejected by the sandbox
	KindExecution    // runtime failure inside the sandbox (panic or timeout)
	KindUpstream     // exchange or repository failure
	KindQuota        // action denied by tier quota
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config_error"
	case KindAuth:
		return "auth_error"
	case KindForbidden:
		return "authorization_error"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_error"
	case KindCompile:
		return "compile_error"
	case KindExecution:
		return "execution_error"
	case KindUpstream:
		return "upstream_error"
	case KindQuota:
		return "quota_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps a kind to the response status used by the API layer.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden, KindQuota:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation, KindCompile, KindExecution:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is the kind-carrying error used across the engine.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new classified error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a new classified error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error without losing the cause chain.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf walks the wrap chain and returns the first classified kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
