// Package errdefs defines the error taxonomy surfaced by burrow operations.
//
// Every error returned across a package boundary that a caller may want to
// branch on carries a Kind and a stable Code. Use the Is* helpers rather than
// comparing messages.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidState
	KindInfrastructure
	KindNotReady
	KindAccessDenied
	KindConflict
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindInfrastructure:
		return "infrastructure"
	case KindNotReady:
		return "not_ready"
	case KindAccessDenied:
		return "access_denied"
	case KindConflict:
		return "conflict"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// Stable error codes
const (
	CodeClusterNotFound       = "CLUSTER_NOT_FOUND"
	CodeNodeNotFound          = "NODE_NOT_FOUND"
	CodeClusterInvalidState   = "CLUSTER_INVALID_STATE"
	CodeClusterAccessDenied   = "CLUSTER_ACCESS_DENIED"
	CodeContainerNotReady     = "CONTAINER_NOT_READY"
	CodeInfrastructureFailure = "INFRASTRUCTURE_FAILURE"
	CodeVersionConflict       = "VERSION_CONFLICT"
	CodeInvalidArgument       = "INVALID_ARGUMENT"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error is a classified error
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to an HTTP status code
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindInfrastructure:
		return http.StatusBadGateway
	case KindNotReady:
		return http.StatusGatewayTimeout
	case KindAccessDenied:
		return http.StatusForbidden
	case KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// NotFound reports a missing resource
func NotFound(code, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ClusterNotFound reports a missing cluster
func ClusterNotFound(id string) error {
	return NotFound(CodeClusterNotFound, "cluster not found: %s", id)
}

// NodeNotFound reports a missing node
func NodeNotFound(id string) error {
	return NotFound(CodeNodeNotFound, "node not found: %s", id)
}

// InvalidState reports an operation that the current status does not allow
func InvalidState(format string, args ...any) error {
	return &Error{Kind: KindInvalidState, Code: CodeClusterInvalidState, Message: fmt.Sprintf(format, args...)}
}

// AccessDenied reports an ownership mismatch
func AccessDenied(clusterID string) error {
	return &Error{Kind: KindAccessDenied, Code: CodeClusterAccessDenied, Message: fmt.Sprintf("access denied to cluster %s", clusterID)}
}

// NotReady reports containers that did not become healthy in time
func NotReady(what string, elapsed time.Duration) error {
	return &Error{
		Kind:    KindNotReady,
		Code:    CodeContainerNotReady,
		Message: fmt.Sprintf("%s not ready after %s", what, elapsed.Round(time.Second)),
	}
}

// Infrastructure wraps a container, network or driver failure
func Infrastructure(err error, format string, args ...any) error {
	return &Error{Kind: KindInfrastructure, Code: CodeInfrastructureFailure, Message: fmt.Sprintf(format, args...), Err: err}
}

// Conflict reports a lost optimistic-lock race or a uniqueness violation
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Code: CodeVersionConflict, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgument reports a request outside the accepted domain
func InvalidArgument(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As returns the first classified error in err's chain
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func IsNotFound(err error) bool        { return KindOf(err) == KindNotFound }
func IsInvalidState(err error) bool    { return KindOf(err) == KindInvalidState }
func IsInfrastructure(err error) bool  { return KindOf(err) == KindInfrastructure }
func IsNotReady(err error) bool        { return KindOf(err) == KindNotReady }
func IsAccessDenied(err error) bool    { return KindOf(err) == KindAccessDenied }
func IsConflict(err error) bool        { return KindOf(err) == KindConflict }
func IsInvalidArgument(err error) bool { return KindOf(err) == KindInvalidArgument }
