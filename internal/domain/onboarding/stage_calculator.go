package onboarding

import "fmt"

// CalculateStage derives the pipeline stage of a project from its status and
// provider. It has no side effects and is safe to call as a guard before
// every transition as well as for display.
func CalculateStage(status ProjectStatus, provider Provider) (PipelineStage, error) {
	rules, err := RulesFor(provider)
	if err != nil {
		return StageUnknown, err
	}
	if rules.Pipeline != PipelineCommon {
		return StageUnknown, fmt.Errorf("%w: %s", ErrDisjointPipeline, provider)
	}
	return calculateStage(status, rules.HasApprovalStage), nil
}

func calculateStage(status ProjectStatus, hasApproval bool) PipelineStage {
	if !status.Targets.Confirmed {
		return StageWaitingTargetConfirmation
	}

	if hasApproval {
		switch status.Approval.Status {
		case ApprovalPending, ApprovalRejected:
			return StageWaitingApproval
		}
		if status.Installation.Status == InstallationPending {
			return StageApplyingApproved
		}
	}

	if status.Installation.Status != InstallationCompleted {
		return StageInstalling
	}

	if status.ConnectionTest.Status != ConnectionPassed {
		return StageWaitingConnectionTest
	}

	if status.Completion.ConfirmationRequired && status.Completion.ConfirmedAt == nil {
		return StageConnectionVerified
	}

	return StageInstallationComplete
}
