// Package faults defines the error taxonomy shared by the store, the
// orchestrator, and the request surface. Every error that crosses a
// package boundary is classified with a Kind so transports can map it
// to a status code without string matching.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	// KindValidation marks a malformed request, rejected before any state change.
	KindValidation Kind = "VALIDATION"

	// KindConflict marks a request that lost against existing state,
	// e.g. a second run submitted while one is active.
	KindConflict Kind = "CONFLICT"

	// KindPlannerUnavailable marks a run that failed because no planner
	// backend in the fallback chain reported ready.
	KindPlannerUnavailable Kind = "PLANNER_UNAVAILABLE"

	// KindExecutionTimeout marks a run or step that exceeded its wall-clock ceiling.
	KindExecutionTimeout Kind = "EXECUTION_TIMEOUT"

	// KindPermissionDenied marks an operation blocked by filesystem permissions.
	KindPermissionDenied Kind = "PERMISSION_DENIED"

	// KindNotFound marks an unknown project, conversation, run, or job id.
	KindNotFound Kind = "NOT_FOUND"

	// KindInternal is the default for unclassified failures.
	KindInternal Kind = "INTERNAL"
)

// Error carries a Kind alongside the wrapped cause.
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

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func PlannerUnavailable(format string, args ...any) *Error {
	return New(KindPlannerUnavailable, format, args...)
}

func ExecutionTimeout(format string, args ...any) *Error {
	return New(KindExecutionTimeout, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Internal(format string, args ...any) *Error {
	return New(KindInternal, format, args...)
}

// KindOf returns the Kind of err, walking the wrap chain.
// Unclassified errors report KindInternal; nil reports "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status code the gateway returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindPlannerUnavailable:
		return http.StatusServiceUnavailable
	case KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
