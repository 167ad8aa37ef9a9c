package onboarding

import "time"

// SDUStage is the stage vocabulary of the managed data-upload provider. It
// is disjoint from PipelineStage and is never converted into it.
type SDUStage int

const (
	SDUStageUnknown SDUStage = iota
	SDUStageS3UploadPending
	SDUStageS3UploadConfirmed
	SDUStageInstalling
	SDUStageWaitingConnectionTest
	SDUStageInstallationComplete
)

var sduStageNames = map[SDUStage]string{
	SDUStageUnknown:               "UNKNOWN",
	SDUStageS3UploadPending:       "S3_UPLOAD_PENDING",
	SDUStageS3UploadConfirmed:     "S3_UPLOAD_CONFIRMED",
	SDUStageInstalling:            "INSTALLING",
	SDUStageWaitingConnectionTest: "WAITING_CONNECTION_TEST",
	SDUStageInstallationComplete:  "INSTALLATION_COMPLETE",
}

func (s SDUStage) String() string {
	if name, ok := sduStageNames[s]; ok {
		return name
	}
	return sduStageNames[SDUStageUnknown]
}

// Before reports whether s comes strictly earlier than o.
func (s SDUStage) Before(o SDUStage) bool { return s < o }

// AtLeast reports whether s is o or any later stage.
func (s SDUStage) AtLeast(o SDUStage) bool { return s >= o }

// MarshalText encodes the stage by name.
func (s SDUStage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// S3UploadStatus tracks whether the customer finished uploading data.
type S3UploadStatus string

const (
	S3UploadPending   S3UploadStatus = "PENDING"
	S3UploadConfirmed S3UploadStatus = "CONFIRMED"
)

// SDUComponentStatus tracks one provisioned SDU component.
type SDUComponentStatus string

const (
	SDUComponentPending    SDUComponentStatus = "PENDING"
	SDUComponentInProgress SDUComponentStatus = "IN_PROGRESS"
	SDUComponentCompleted  SDUComponentStatus = "COMPLETED"
	SDUComponentFailed     SDUComponentStatus = "FAILED"
)

// SDUStatus is the status aggregate of an SDU project.
type SDUStatus struct {
	S3Upload struct {
		Status      S3UploadStatus `json:"status"`
		ConfirmedAt *time.Time     `json:"confirmed_at,omitempty"`
		ConfirmedBy string         `json:"confirmed_by,omitempty"`
	} `json:"s3_upload"`
	Crawler        SDUComponentStatus  `json:"crawler"`
	AthenaTable    SDUComponentStatus  `json:"athena_table"`
	ConnectionTest ConnectionTestState `json:"connection_test"`
}

// NewSDUStatus returns the initial status of an SDU project.
func NewSDUStatus() SDUStatus {
	var s SDUStatus
	s.S3Upload.Status = S3UploadPending
	s.Crawler = SDUComponentPending
	s.AthenaTable = SDUComponentPending
	s.ConnectionTest = ConnectionTestState{Status: ConnectionNotTested}
	return s
}

// CalculateSDUStage derives the SDU stage from its status.
func CalculateSDUStage(s SDUStatus) SDUStage {
	if s.S3Upload.Status != S3UploadConfirmed {
		return SDUStageS3UploadPending
	}
	if s.Crawler == SDUComponentPending && s.AthenaTable == SDUComponentPending {
		return SDUStageS3UploadConfirmed
	}
	if s.Crawler != SDUComponentCompleted || s.AthenaTable != SDUComponentCompleted {
		return SDUStageInstalling
	}
	if s.ConnectionTest.Status != ConnectionPassed {
		return SDUStageWaitingConnectionTest
	}
	return SDUStageInstallationComplete
}
