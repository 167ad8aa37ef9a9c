// Package reliability classifies onboarding events by how much delivery effort
// they warrant. Transports use the classification to decide whether a failed
// publish is retried before the error is surfaced.
package reliability

import (
	"github.com/ahrav/agent-onboarding/internal/domain/events"
	"github.com/ahrav/agent-onboarding/internal/domain/onboarding"
)

// IsCriticalEvent reports whether an event records a decision that no later
// event restates. Losing one of these leaves downstream consumers with a view
// of the project they cannot repair on their own.
//
// Stage changes and discovery notices are not critical: the next action on the
// project emits a fresh event carrying the current state.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case onboarding.EventTypeTargetsConfirmed,
		onboarding.EventTypeApprovalGranted,
		onboarding.EventTypeApprovalRejected:
		return true

	case onboarding.EventTypeInstallationCompleted,
		onboarding.EventTypeCompletionConfirmed:
		return true

	case onboarding.EventTypeProjectCreated,
		onboarding.EventTypeResourcesDiscovered,
		onboarding.EventTypeConnectionTested,
		onboarding.EventTypeStageChanged:
		return false

	default:
		return false
	}
}
