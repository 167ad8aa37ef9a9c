package projects

import (
	"encoding/json"
	"net/http"
	"time"

	domain "github.com/ahrav/agent-onboarding/internal/domain/onboarding"
)

// createRequest is the payload for creating a project.
type createRequest struct {
	Name             string `json:"name" validate:"required,max=200"`
	Provider         string `json:"provider" validate:"required"`
	InstallationMode string `json:"installation_mode,omitempty"`
	// Optional overrides of the service defaults.
	StrictExclusions              *bool `json:"strict_exclusions,omitempty"`
	RequireCompletionConfirmation *bool `json:"require_completion_confirmation,omitempty"`
}

// installationModeRequest sets the installation mode.
type installationModeRequest struct {
	Mode string `json:"mode" validate:"required"`
}

// resourceRequest describes one discovered or declared resource.
type resourceRequest struct {
	ID                   string     `json:"id" validate:"required"`
	Type                 string     `json:"type" validate:"required"`
	DatabaseType         string     `json:"database_type,omitempty"`
	SelectedCredentialID string     `json:"selected_credential_id,omitempty"`
	DiscoveredAt         *time.Time `json:"discovered_at,omitempty"`
}

func (rr resourceRequest) toDomain() domain.Resource {
	r := domain.Resource{
		ID:                   rr.ID,
		Type:                 domain.ResourceType(rr.Type),
		DatabaseType:         domain.DatabaseType(rr.DatabaseType),
		SelectedCredentialID: rr.SelectedCredentialID,
	}
	if rr.DiscoveredAt != nil {
		r.DiscoveredAt = *rr.DiscoveredAt
	}
	return r
}

func toDomainResources(in []resourceRequest) []domain.Resource {
	out := make([]domain.Resource, 0, len(in))
	for _, r := range in {
		out = append(out, r.toDomain())
	}
	return out
}

// scanRequest reports the outcome of a discovery scan.
type scanRequest struct {
	Status    string            `json:"status" validate:"required,oneof=IDLE SCANNING COMPLETED FAILED"`
	Resources []resourceRequest `json:"resources" validate:"dive"`
}

// resourcesRequest appends resources using the provider's discovery mode.
type resourcesRequest struct {
	Resources []resourceRequest `json:"resources" validate:"required,min=1,dive"`
}

// confirmTargetsRequest fixes the target selection.
type confirmTargetsRequest struct {
	SelectedIDs []string          `json:"selected_ids"`
	Exclusions  map[string]string `json:"exclusions"`
}

// approveRequest grants a pending approval.
type approveRequest struct {
	Comment string `json:"comment,omitempty" validate:"max=2000"`
}

// rejectRequest turns down a pending approval.
type rejectRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// installationSyncRequest is a normalized installation snapshot.
type installationSyncRequest struct {
	Status string `json:"status" validate:"required,oneof=PENDING IN_PROGRESS COMPLETED"`
	Source string `json:"source" validate:"omitempty,oneof=AUTOMATION OPERATOR"`
}

// connectionTestRequest reports a connectivity test.
type connectionTestRequest struct {
	Passed        *bool  `json:"passed" validate:"required"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// sduInstallationRequest reports the SDU component statuses.
type sduInstallationRequest struct {
	Crawler     string `json:"crawler" validate:"required,oneof=PENDING IN_PROGRESS COMPLETED FAILED"`
	AthenaTable string `json:"athena_table" validate:"required,oneof=PENDING IN_PROGRESS COMPLETED FAILED"`
}

// projectResponse is the API view of a project.
type projectResponse struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Provider         string                `json:"provider"`
	InstallationMode string                `json:"installation_mode,omitempty"`
	StrictExclusions bool                  `json:"strict_exclusions"`
	Stage            string                `json:"stage"`
	Status           *domain.ProjectStatus `json:"status,omitempty"`
	SDUStatus        *domain.SDUStatus     `json:"sdu_status,omitempty"`
	Resources        []domain.Resource     `json:"resources"`
	Version          int64                 `json:"version"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`

	status int
}

func toProjectResponse(p *domain.Project) projectResponse {
	resp := projectResponse{
		ID:               p.ID().String(),
		Name:             p.Name(),
		Provider:         p.Provider().String(),
		InstallationMode: string(p.InstallationMode()),
		StrictExclusions: p.StrictExclusions(),
		Resources:        p.Resources(),
		Version:          p.Version(),
		CreatedAt:        p.CreatedAt(),
		UpdatedAt:        p.UpdatedAt(),
	}
	if resp.Resources == nil {
		resp.Resources = []domain.Resource{}
	}

	if sdu, ok := p.SDUStatus(); ok {
		resp.SDUStatus = &sdu
		stage, _ := p.SDUStage()
		resp.Stage = stage.String()
		return resp
	}

	status := p.Status()
	resp.Status = &status
	stage, err := p.Stage()
	if err != nil {
		stage = domain.StageUnknown
	}
	resp.Stage = stage.String()
	return resp
}

// Encode implements the web.Encoder interface.
func (pr projectResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(pr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements the httpStatus interface to set the response status code.
func (pr projectResponse) HTTPStatus() int {
	if pr.status == 0 {
		return http.StatusOK
	}
	return pr.status
}

// projectListResponse lists projects.
type projectListResponse struct {
	Projects []projectResponse `json:"projects"`
}

// Encode implements the web.Encoder interface.
func (pl projectListResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(pl)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// stageResponse reports the derived stage of a project.
type stageResponse struct {
	ProjectID string `json:"project_id"`
	Pipeline  string `json:"pipeline"`
	Stage     string `json:"stage"`
}

// Encode implements the web.Encoder interface.
func (sr stageResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(sr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// discoveryResponse reports which resources a scan or registration added.
type discoveryResponse struct {
	Project projectResponse `json:"project"`
	Added   []string        `json:"added"`
}

// Encode implements the web.Encoder interface.
func (dr discoveryResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(dr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// verdictResponse is the API view of an auto-approval verdict.
type verdictResponse struct {
	AutoApproved bool     `json:"auto_approved"`
	Reason       string   `json:"reason"`
	Undecided    []string `json:"undecided,omitempty"`
}

// confirmTargetsResponse returns the confirmed project and the verdict.
type confirmTargetsResponse struct {
	Project projectResponse `json:"project"`
	Verdict verdictResponse `json:"verdict"`
}

// Encode implements the web.Encoder interface.
func (cr confirmTargetsResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(cr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// syncResponse reports whether a snapshot changed the project.
type syncResponse struct {
	Project projectResponse `json:"project"`
	Changed bool            `json:"changed"`
}

// Encode implements the web.Encoder interface.
func (sr syncResponse) Encode() ([]byte, string, error) {
	data, err := json.Marshal(sr)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}
