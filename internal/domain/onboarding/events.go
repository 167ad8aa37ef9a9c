package onboarding

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
)

// Event types emitted by onboarding projects.
const (
	EventTypeProjectCreated        events.EventType = "ProjectCreated"
	EventTypeResourcesDiscovered   events.EventType = "ResourcesDiscovered"
	EventTypeTargetsConfirmed      events.EventType = "TargetsConfirmed"
	EventTypeApprovalGranted       events.EventType = "ApprovalGranted"
	EventTypeApprovalRejected      events.EventType = "ApprovalRejected"
	EventTypeInstallationCompleted events.EventType = "InstallationCompleted"
	EventTypeConnectionTested      events.EventType = "ConnectionTested"
	EventTypeCompletionConfirmed   events.EventType = "CompletionConfirmed"
	EventTypeStageChanged          events.EventType = "StageChanged"
)

// ProjectCreatedEvent is emitted when a new onboarding project is created.
type ProjectCreatedEvent struct {
	occurredAt time.Time
	ProjectID  uuid.UUID `json:"project_id"`
	Name       string    `json:"name"`
	Provider   Provider  `json:"provider"`
}

func NewProjectCreatedEvent(projectID uuid.UUID, name string, provider Provider) ProjectCreatedEvent {
	return ProjectCreatedEvent{occurredAt: time.Now(), ProjectID: projectID, Name: name, Provider: provider}
}

func (e ProjectCreatedEvent) EventType() events.EventType { return EventTypeProjectCreated }
func (e ProjectCreatedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ResourcesDiscoveredEvent is emitted when a scan or manual registration adds
// resources the project did not know about.
type ResourcesDiscoveredEvent struct {
	occurredAt  time.Time
	ProjectID   uuid.UUID `json:"project_id"`
	ResourceIDs []string  `json:"resource_ids"`
	// Late is set when the resources arrived after targets were confirmed.
	Late bool `json:"late"`
}

func NewResourcesDiscoveredEvent(projectID uuid.UUID, ids []string, late bool) ResourcesDiscoveredEvent {
	return ResourcesDiscoveredEvent{occurredAt: time.Now(), ProjectID: projectID, ResourceIDs: ids, Late: late}
}

func (e ResourcesDiscoveredEvent) EventType() events.EventType { return EventTypeResourcesDiscovered }
func (e ResourcesDiscoveredEvent) OccurredAt() time.Time       { return e.occurredAt }

// TargetsConfirmedEvent records a target confirmation and the auto-approval
// verdict it produced.
type TargetsConfirmedEvent struct {
	occurredAt    time.Time
	ProjectID     uuid.UUID      `json:"project_id"`
	SelectedCount int            `json:"selected_count"`
	ExcludedCount int            `json:"excluded_count"`
	AutoApproved  bool           `json:"auto_approved"`
	Reason        ApprovalReason `json:"reason"`
	ConfirmedBy   string         `json:"confirmed_by"`
}

func NewTargetsConfirmedEvent(projectID uuid.UUID, targets TargetsState, verdict AutoApprovalVerdict, actor string) TargetsConfirmedEvent {
	return TargetsConfirmedEvent{
		occurredAt:    time.Now(),
		ProjectID:     projectID,
		SelectedCount: targets.SelectedCount,
		ExcludedCount: targets.ExcludedCount,
		AutoApproved:  verdict.ShouldAutoApprove,
		Reason:        verdict.Reason,
		ConfirmedBy:   actor,
	}
}

func (e TargetsConfirmedEvent) EventType() events.EventType { return EventTypeTargetsConfirmed }
func (e TargetsConfirmedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ApprovalGrantedEvent is emitted when approval is granted by a reviewer or
// by the auto-approval policy.
type ApprovalGrantedEvent struct {
	occurredAt time.Time
	ProjectID  uuid.UUID `json:"project_id"`
	Auto       bool      `json:"auto"`
	ApprovedBy string    `json:"approved_by"`
	Comment    string    `json:"comment,omitempty"`
}

func NewApprovalGrantedEvent(projectID uuid.UUID, auto bool, actor, comment string) ApprovalGrantedEvent {
	return ApprovalGrantedEvent{occurredAt: time.Now(), ProjectID: projectID, Auto: auto, ApprovedBy: actor, Comment: comment}
}

func (e ApprovalGrantedEvent) EventType() events.EventType { return EventTypeApprovalGranted }
func (e ApprovalGrantedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ApprovalRejectedEvent is emitted when a reviewer rejects the pending targets.
type ApprovalRejectedEvent struct {
	occurredAt time.Time
	ProjectID  uuid.UUID `json:"project_id"`
	Reason     string    `json:"reason"`
	RejectedBy string    `json:"rejected_by"`
}

func NewApprovalRejectedEvent(projectID uuid.UUID, reason, actor string) ApprovalRejectedEvent {
	return ApprovalRejectedEvent{occurredAt: time.Now(), ProjectID: projectID, Reason: reason, RejectedBy: actor}
}

func (e ApprovalRejectedEvent) EventType() events.EventType { return EventTypeApprovalRejected }
func (e ApprovalRejectedEvent) OccurredAt() time.Time       { return e.occurredAt }

// InstallationCompletedEvent is emitted once provisioning finishes.
type InstallationCompletedEvent struct {
	occurredAt time.Time
	ProjectID  uuid.UUID `json:"project_id"`
}

func NewInstallationCompletedEvent(projectID uuid.UUID) InstallationCompletedEvent {
	return InstallationCompletedEvent{occurredAt: time.Now(), ProjectID: projectID}
}

func (e InstallationCompletedEvent) EventType() events.EventType {
	return EventTypeInstallationCompleted
}
func (e InstallationCompletedEvent) OccurredAt() time.Time { return e.occurredAt }

// ConnectionTestedEvent carries the outcome of a connectivity test.
type ConnectionTestedEvent struct {
	occurredAt    time.Time
	ProjectID     uuid.UUID `json:"project_id"`
	Passed        bool      `json:"passed"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

func NewConnectionTestedEvent(projectID uuid.UUID, passed bool, reason string) ConnectionTestedEvent {
	return ConnectionTestedEvent{occurredAt: time.Now(), ProjectID: projectID, Passed: passed, FailureReason: reason}
}

func (e ConnectionTestedEvent) EventType() events.EventType { return EventTypeConnectionTested }
func (e ConnectionTestedEvent) OccurredAt() time.Time       { return e.occurredAt }

// CompletionConfirmedEvent is emitted when an administrator confirms a
// verified installation.
type CompletionConfirmedEvent struct {
	occurredAt  time.Time
	ProjectID   uuid.UUID `json:"project_id"`
	ConfirmedBy string    `json:"confirmed_by"`
}

func NewCompletionConfirmedEvent(projectID uuid.UUID, actor string) CompletionConfirmedEvent {
	return CompletionConfirmedEvent{occurredAt: time.Now(), ProjectID: projectID, ConfirmedBy: actor}
}

func (e CompletionConfirmedEvent) EventType() events.EventType { return EventTypeCompletionConfirmed }
func (e CompletionConfirmedEvent) OccurredAt() time.Time       { return e.occurredAt }

// StageChangedEvent is emitted whenever a committed action moves a project
// to a different stage. Stages are rendered by name so SDU and common
// pipeline projects share one event.
type StageChangedEvent struct {
	occurredAt time.Time
	ProjectID  uuid.UUID `json:"project_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
}

func NewStageChangedEvent(projectID uuid.UUID, from, to string) StageChangedEvent {
	return StageChangedEvent{occurredAt: time.Now(), ProjectID: projectID, From: from, To: to}
}

func (e StageChangedEvent) EventType() events.EventType { return EventTypeStageChanged }
func (e StageChangedEvent) OccurredAt() time.Time       { return e.occurredAt }
