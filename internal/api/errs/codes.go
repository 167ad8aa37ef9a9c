package errs

import (
	"net/http"

	"github.com/ahrav/agent-onboarding/internal/domain/onboarding"
)

// The set of error codes returned by the API.
var (
	// InvalidArgument indicates the client specified an invalid argument.
	InvalidArgument = ErrCode{name: "INVALID_ARGUMENT", status: http.StatusBadRequest}

	// InvalidState indicates the action is not permitted from the project's
	// current stage.
	InvalidState = ErrCode{name: "INVALID_STATE", status: http.StatusConflict}

	// MissingExclusionReason indicates a target confirmation left resources
	// without a selection decision.
	MissingExclusionReason = ErrCode{name: "MISSING_EXCLUSION_REASON", status: http.StatusUnprocessableEntity}

	// NotFound means some requested entity was not found.
	NotFound = ErrCode{name: "NOT_FOUND", status: http.StatusNotFound}

	// PermissionDenied indicates the caller was denied by the authorizer.
	PermissionDenied = ErrCode{name: "FORBIDDEN", status: http.StatusForbidden}

	// Conflict indicates a concurrent modification. The request may be
	// retried after re-reading the project.
	Conflict = ErrCode{name: "CONFLICT", status: http.StatusConflict}

	// ResourceExhausted indicates the caller exceeded the request rate.
	ResourceExhausted = ErrCode{name: "RESOURCE_EXHAUSTED", status: http.StatusTooManyRequests}

	// Unavailable indicates a dependency of the service is not usable.
	Unavailable = ErrCode{name: "UNAVAILABLE", status: http.StatusServiceUnavailable}

	// Internal errors.
	Internal = ErrCode{name: "INTERNAL", status: http.StatusInternalServerError}

	// InternalOnlyLog is an internal error whose message is logged but never
	// returned to the caller.
	InternalOnlyLog = ErrCode{name: "INTERNAL_ONLY_LOG", status: http.StatusInternalServerError}
)

var codesByName = map[string]ErrCode{
	InvalidArgument.name:        InvalidArgument,
	InvalidState.name:           InvalidState,
	MissingExclusionReason.name: MissingExclusionReason,
	NotFound.name:               NotFound,
	PermissionDenied.name:       PermissionDenied,
	Conflict.name:               Conflict,
	ResourceExhausted.name:      ResourceExhausted,
	Unavailable.name:            Unavailable,
	Internal.name:               Internal,
	InternalOnlyLog.name:        InternalOnlyLog,
}

var domainCodes = map[onboarding.ErrorCode]ErrCode{
	onboarding.CodeInvalidArgument:        InvalidArgument,
	onboarding.CodeInvalidState:           InvalidState,
	onboarding.CodeMissingExclusionReason: MissingExclusionReason,
	onboarding.CodeNotFound:               NotFound,
	onboarding.CodeForbidden:              PermissionDenied,
	onboarding.CodeConflict:               Conflict,
}
