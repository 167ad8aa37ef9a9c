package onboarding

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies a failed onboarding action. Codes are stable and are
// surfaced verbatim to callers.
type ErrorCode string

const (
	// CodeInvalidState indicates the action is not permitted from the current stage.
	CodeInvalidState ErrorCode = "INVALID_STATE"
	// CodeMissingExclusionReason indicates a target confirmation left resources
	// neither selected nor excluded.
	CodeMissingExclusionReason ErrorCode = "MISSING_EXCLUSION_REASON"
	// CodeNotFound indicates an unknown project or resource reference.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeForbidden indicates the caller was denied by the upstream authorizer.
	CodeForbidden ErrorCode = "FORBIDDEN"
	// CodeConflict indicates a concurrent modification was detected at commit time.
	CodeConflict ErrorCode = "CONFLICT"
	// CodeInvalidArgument indicates malformed input.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

func (c ErrorCode) String() string { return string(c) }

// Sentinel errors wrapped by *Error values.
var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrVersionConflict  = errors.New("project was modified concurrently")
	ErrUnknownProvider  = errors.New("unknown cloud provider")
	ErrDisjointPipeline = errors.New("provider uses a separate pipeline")
	ErrProjectLocked    = errors.New("project is locked by another writer")
)

// Error is the failure type returned by every onboarding action.
type Error struct {
	Code        ErrorCode
	Message     string
	ResourceIDs []string
	Err         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.ResourceIDs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.ResourceIDs, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the wrapped sentinel.
func (e *Error) Unwrap() error { return e.Err }

// Retriable reports whether re-issuing the same action after re-reading the
// project may succeed. Only commit conflicts qualify; every other code is a
// deterministic rejection of the request.
func (e *Error) Retriable() bool { return e.Code == CodeConflict }

func newError(code ErrorCode, msg string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

func invalidState(msg string, args ...any) *Error {
	return newError(CodeInvalidState, msg, args...)
}

// NotFoundError builds a NOT_FOUND error wrapping the given sentinel.
func NotFoundError(sentinel error, ids ...string) *Error {
	return &Error{Code: CodeNotFound, ResourceIDs: ids, Err: sentinel}
}

// ConflictError builds a retriable CONFLICT error for a stale write.
func ConflictError(projectID string, expected int64) *Error {
	return &Error{
		Code:    CodeConflict,
		Message: fmt.Sprintf("project %s expected version %d", projectID, expected),
		Err:     ErrVersionConflict,
	}
}

// ForbiddenError wraps an authorization failure reported by the caller's authorizer.
func ForbiddenError(err error) *Error {
	return &Error{Code: CodeForbidden, Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetriable reports whether err is an *Error that may succeed on retry.
func IsRetriable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retriable()
}
