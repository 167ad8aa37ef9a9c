package onboarding

import "fmt"

// PipelineStage is the single derived value describing where a project is in
// its onboarding lifecycle. Stages are ordered; comparisons must go through
// the methods below rather than the underlying integers.
type PipelineStage int

const (
	StageUnknown PipelineStage = iota
	StageWaitingTargetConfirmation
	StageWaitingApproval
	StageApplyingApproved
	StageInstalling
	StageWaitingConnectionTest
	StageConnectionVerified
	StageInstallationComplete
)

var stageNames = map[PipelineStage]string{
	StageUnknown:                   "UNKNOWN",
	StageWaitingTargetConfirmation: "WAITING_TARGET_CONFIRMATION",
	StageWaitingApproval:           "WAITING_APPROVAL",
	StageApplyingApproved:          "APPLYING_APPROVED",
	StageInstalling:                "INSTALLING",
	StageWaitingConnectionTest:     "WAITING_CONNECTION_TEST",
	StageConnectionVerified:        "CONNECTION_VERIFIED",
	StageInstallationComplete:      "INSTALLATION_COMPLETE",
}

// AllStages returns the known stages in pipeline order.
func AllStages() []PipelineStage {
	return []PipelineStage{
		StageWaitingTargetConfirmation,
		StageWaitingApproval,
		StageApplyingApproved,
		StageInstalling,
		StageWaitingConnectionTest,
		StageConnectionVerified,
		StageInstallationComplete,
	}
}

func (s PipelineStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return stageNames[StageUnknown]
}

// ParsePipelineStage converts a stage name back to its value.
func ParsePipelineStage(name string) (PipelineStage, error) {
	for stage, n := range stageNames {
		if n == name && stage != StageUnknown {
			return stage, nil
		}
	}
	return StageUnknown, fmt.Errorf("unknown pipeline stage %q", name)
}

// Before reports whether s comes strictly earlier in the pipeline than o.
func (s PipelineStage) Before(o PipelineStage) bool { return s < o }

// After reports whether s comes strictly later in the pipeline than o.
func (s PipelineStage) After(o PipelineStage) bool { return s > o }

// AtLeast reports whether s is o or any later stage.
func (s PipelineStage) AtLeast(o PipelineStage) bool { return s >= o }

// IsDone reports whether step has been passed by a project currently at s.
// A step is done once the project has moved beyond it; the final stage is
// done as soon as it is reached.
func (s PipelineStage) IsDone(step PipelineStage) bool {
	if step == StageInstallationComplete {
		return s == StageInstallationComplete
	}
	return s.After(step)
}

// MarshalText encodes the stage by name.
func (s PipelineStage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a stage name.
func (s *PipelineStage) UnmarshalText(b []byte) error {
	v, err := ParsePipelineStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
