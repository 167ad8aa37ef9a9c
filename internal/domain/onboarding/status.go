package onboarding

import "time"

// ScanStatus tracks the most recent resource discovery run.
type ScanStatus string

const (
	ScanStatusIdle      ScanStatus = "IDLE"
	ScanStatusScanning  ScanStatus = "SCANNING"
	ScanStatusCompleted ScanStatus = "COMPLETED"
	ScanStatusFailed    ScanStatus = "FAILED"
)

// ApprovalStatus tracks the human approval gate.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// InstallationStatus tracks infrastructure provisioning.
type InstallationStatus string

const (
	InstallationPending    InstallationStatus = "PENDING"
	InstallationInProgress InstallationStatus = "IN_PROGRESS"
	InstallationCompleted  InstallationStatus = "COMPLETED"
)

// ConnectionTestStatus tracks agent connectivity verification.
type ConnectionTestStatus string

const (
	ConnectionNotTested ConnectionTestStatus = "NOT_TESTED"
	ConnectionPassed    ConnectionTestStatus = "PASSED"
	ConnectionFailed    ConnectionTestStatus = "FAILED"
)

// ScanState is the scan sub-status.
type ScanState struct {
	Status        ScanStatus `json:"status"`
	LastScannedAt *time.Time `json:"last_scanned_at,omitempty"`
}

// TargetsState is the target-confirmation sub-status.
type TargetsState struct {
	Confirmed     bool       `json:"confirmed"`
	SelectedCount int        `json:"selected_count"`
	ExcludedCount int        `json:"excluded_count"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

// ApprovalState is the approval sub-status.
type ApprovalState struct {
	Status          ApprovalStatus `json:"status"`
	AutoApproved    bool           `json:"auto_approved"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	RejectedAt      *time.Time     `json:"rejected_at,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	Comment         string         `json:"comment,omitempty"`
	DecidedBy       string         `json:"decided_by,omitempty"`
}

// InstallationState is the provisioning sub-status.
type InstallationState struct {
	Status      InstallationStatus `json:"status"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// ConnectionTestState is the connectivity sub-status.
type ConnectionTestState struct {
	Status        ConnectionTestStatus `json:"status"`
	PassedAt      *time.Time           `json:"passed_at,omitempty"`
	LastTestedAt  *time.Time           `json:"last_tested_at,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
}

// CompletionState gates CONNECTION_VERIFIED → INSTALLATION_COMPLETE behind an
// explicit administrator confirmation when ConfirmationRequired is set.
type CompletionState struct {
	ConfirmationRequired bool       `json:"confirmation_required"`
	ConfirmedAt          *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy          string     `json:"confirmed_by,omitempty"`
}

// ProjectStatus aggregates the independently updated sub-statuses from which
// the pipeline stage is derived.
type ProjectStatus struct {
	Scan           ScanState           `json:"scan"`
	Targets        TargetsState        `json:"targets"`
	Approval       ApprovalState       `json:"approval"`
	Installation   InstallationState   `json:"installation"`
	ConnectionTest ConnectionTestState `json:"connection_test"`
	Completion     CompletionState     `json:"completion"`
}

// NewProjectStatus returns the initial status of a freshly created project.
func NewProjectStatus(requireCompletionConfirmation bool) ProjectStatus {
	return ProjectStatus{
		Scan:           ScanState{Status: ScanStatusIdle},
		Approval:       ApprovalState{Status: ApprovalPending},
		Installation:   InstallationState{Status: InstallationPending},
		ConnectionTest: ConnectionTestState{Status: ConnectionNotTested},
		Completion:     CompletionState{ConfirmationRequired: requireCompletionConfirmation},
	}
}

// resetDownstream puts every sub-status after target confirmation back to
// its initial value. The completion gate setting is preserved.
func (s *ProjectStatus) resetDownstream() {
	s.Approval = ApprovalState{Status: ApprovalPending}
	s.Installation = InstallationState{Status: InstallationPending}
	s.ConnectionTest = ConnectionTestState{Status: ConnectionNotTested}
	s.Completion = CompletionState{ConfirmationRequired: s.Completion.ConfirmationRequired}
}

func timePtr(t time.Time) *time.Time { return &t }
