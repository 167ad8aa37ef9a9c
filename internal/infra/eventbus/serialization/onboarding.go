package serialization

import (
	"encoding/json"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
	"github.com/ahrav/agent-onboarding/internal/domain/onboarding"
)

func init() {
	register[onboarding.ProjectCreatedEvent](onboarding.EventTypeProjectCreated)
	register[onboarding.ResourcesDiscoveredEvent](onboarding.EventTypeResourcesDiscovered)
	register[onboarding.TargetsConfirmedEvent](onboarding.EventTypeTargetsConfirmed)
	register[onboarding.ApprovalGrantedEvent](onboarding.EventTypeApprovalGranted)
	register[onboarding.ApprovalRejectedEvent](onboarding.EventTypeApprovalRejected)
	register[onboarding.InstallationCompletedEvent](onboarding.EventTypeInstallationCompleted)
	register[onboarding.ConnectionTestedEvent](onboarding.EventTypeConnectionTested)
	register[onboarding.CompletionConfirmedEvent](onboarding.EventTypeCompletionConfirmed)
	register[onboarding.StageChangedEvent](onboarding.EventTypeStageChanged)
}

func register[T any](eventType events.EventType) {
	RegisterDeserializeFunc(eventType, func(data []byte) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	})
}
