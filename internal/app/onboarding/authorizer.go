package onboarding

import (
	"context"

	"github.com/google/uuid"
)

// Action names an operation on an onboarding project.
type Action string

const (
	ActionCreateProject        Action = "create_project"
	ActionReadProject          Action = "read_project"
	ActionSetInstallationMode  Action = "set_installation_mode"
	ActionRecordScan           Action = "record_scan"
	ActionRegisterResources    Action = "register_resources"
	ActionConfirmTargets       Action = "confirm_targets"
	ActionApprove              Action = "approve"
	ActionReject               Action = "reject"
	ActionSyncInstallation     Action = "sync_installation"
	ActionCompleteInstallation Action = "complete_installation"
	ActionRecordConnectionTest Action = "record_connection_test"
	ActionConfirmCompletion    Action = "confirm_completion"
	ActionConfirmSDUUpload     Action = "confirm_sdu_upload"
	ActionSyncSDUInstallation  Action = "sync_sdu_installation"
)

// Authorizer decides whether the caller in ctx may perform action on a
// project. projectID is uuid.Nil for project creation. A non-nil error is
// reported to the caller as FORBIDDEN.
type Authorizer interface {
	Authorize(ctx context.Context, action Action, projectID uuid.UUID) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, action Action, projectID uuid.UUID) error

func (f AuthorizerFunc) Authorize(ctx context.Context, action Action, projectID uuid.UUID) error {
	return f(ctx, action, projectID)
}

// allowAll is used when no Authorizer is configured.
type allowAll struct{}

func (allowAll) Authorize(context.Context, Action, uuid.UUID) error { return nil }

type actorKey struct{}

// WithActor returns a context carrying the identity of the caller. The actor
// is recorded on exclusions, approvals and completion confirmations.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor, or "system".
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}
