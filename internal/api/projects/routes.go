// Package projects binds the onboarding project endpoints.
package projects

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ahrav/agent-onboarding/internal/api/errs"
	"github.com/ahrav/agent-onboarding/internal/app/onboarding"
	domain "github.com/ahrav/agent-onboarding/internal/domain/onboarding"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
	"github.com/ahrav/agent-onboarding/pkg/web"
)

// Config contains the dependencies needed by the project handlers.
type Config struct {
	Log     *logger.Logger
	Service *onboarding.Service
}

// Routes binds all the project endpoints.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	app.HandlerFunc(http.MethodPost, version, "/projects", create(cfg))
	app.HandlerFunc(http.MethodGet, version, "/projects", list(cfg))
	app.HandlerFunc(http.MethodGet, version, "/projects/{id}", get(cfg))
	app.HandlerFunc(http.MethodGet, version, "/projects/{id}/stage", stage(cfg))
	app.HandlerFunc(http.MethodPut, version, "/projects/{id}/installation-mode", setInstallationMode(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/scans", recordScan(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/resources", appendResources(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/targets/confirm", confirmTargets(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/approval/approve", approve(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/approval/reject", reject(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/installation/sync", syncInstallation(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/installation/complete", completeInstallation(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/connection-tests", recordConnectionTest(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/completion/confirm", confirmCompletion(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/sdu/upload/confirm", confirmSDUUpload(cfg))
	app.HandlerFunc(http.MethodPost, version, "/projects/{id}/sdu/installation/sync", syncSDUInstallation(cfg))
}

func projectID(r *http.Request) (uuid.UUID, *errs.Error) {
	id, err := uuid.Parse(web.Param(r, "id"))
	if err != nil {
		return uuid.Nil, errs.Newf(errs.InvalidArgument, "invalid project id: %s", web.Param(r, "id"))
	}
	return id, nil
}

// decode reads and validates a request body.
func decode(r *http.Request, val any, allowEmpty bool) web.Encoder {
	if err := web.Decode(r, val, allowEmpty); err != nil {
		return errs.New(errs.InvalidArgument, err)
	}
	if err := errs.Check(val); err != nil {
		if fe, ok := err.(errs.FieldErrors); ok {
			return fe
		}
		return errs.New(errs.InvalidArgument, err)
	}
	return nil
}

func create(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		var req createRequest
		if resp := decode(r, &req, false); resp != nil {
			return resp
		}

		provider, err := domain.ParseProvider(req.Provider)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		params := onboarding.CreateProjectParams{
			Name:                          req.Name,
			Provider:                      provider,
			StrictExclusions:              req.StrictExclusions,
			RequireCompletionConfirmation: req.RequireCompletionConfirmation,
		}
		if req.InstallationMode != "" {
			if params.InstallationMode, err = domain.ParseInstallationMode(req.InstallationMode); err != nil {
				return errs.New(errs.InvalidArgument, err)
			}
		}

		p, err := cfg.Service.CreateProject(ctx, params)
		if err != nil {
			return errs.FromDomain(err)
		}

		resp := toProjectResponse(p)
		resp.status = http.StatusCreated
		return resp
	}
}

func list(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		projects, err := cfg.Service.ListProjects(ctx)
		if err != nil {
			return errs.FromDomain(err)
		}

		resp := projectListResponse{Projects: make([]projectResponse, 0, len(projects))}
		for _, p := range projects {
			resp.Projects = append(resp.Projects, toProjectResponse(p))
		}
		return resp
	}
}

func get(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		p, err := cfg.Service.GetProject(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toProjectResponse(p)
	}
}

func stage(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		p, err := cfg.Service.GetProject(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}

		if _, ok := p.SDUStatus(); ok {
			s, err := cfg.Service.CurrentSDUStage(ctx, id)
			if err != nil {
				return errs.FromDomain(err)
			}
			return stageResponse{ProjectID: id.String(), Pipeline: "SDU", Stage: s.String()}
		}

		s, err := cfg.Service.CurrentStage(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return stageResponse{ProjectID: id.String(), Pipeline: "COMMON", Stage: s.String()}
	}
}

func setInstallationMode(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		var req installationModeRequest
		if resp := decode(r, &req, false); resp != nil {
			return resp
		}
		mode, err := domain.ParseInstallationMode(req.Mode)
		if err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		p, err := cfg.Service.SetInstallationMode(ctx, id, mode)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toProjectResponse(p)
	}
}

func recordScan(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		var req scanRequest
		if resp := decode(r, &req, false); resp != nil {
			return resp
		}

		p, added, err := cfg.Service.RecordScan(ctx, id, domain.ScanStatus(req.Status), toDomainResources(req.Resources))
		if err != nil {
			return errs.FromDomain(err)
		}
		return discoveryResponse{Project: toProjectResponse(p), Added: nonNil(added)}
	}
}

func appendResources(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		var req resourcesRequest
		if resp := decode(r, &req, false); resp != nil {
			return resp
		}

		p, added, err := cfg.Service.AppendDiscoveredResources(ctx, id, toDomainResources(req.Resources))
		if err != nil {
			return errs.FromDomain(err)
		}
		return discoveryResponse{Project: toProjectResponse(p), Added: nonNil(added)}
	}
}

func confirmTargets(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		var req confirmTargetsRequest
		if resp := decode(r, &req, false); resp != nil {
			return resp
		}

		p, verdict, err := cfg.Service.ConfirmTargets(ctx, id, req.SelectedIDs, req.Exclusions)
		if err != nil {
			return errs.FromDomain(err)
		}

		return confirmTargetsResponse{
			Project: toProjectResponse(p),
			Verdict: verdictResponse{
				AutoApproved: verdict.ShouldAutoApprove,
				Reason:       string(verdict.Reason),
				Undecided:    verdict.Undecided,
			},
		}
	}
}

func approve(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		var req approveRequest
		if resp := decode(r, &req, true); resp != nil {
			return resp
		}

		p, err := cfg.Service.Approve(ctx, id, req.Comment)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toProjectResponse(p)
	}
}

func reject(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		var req rejectRequest
		if resp := decode(r, &req, true); resp != nil {
			return resp
		}

		p, err := cfg.Service.Reject(ctx, id, req.Reason)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toProjectResponse(p)
	}
}

func syncInstallation(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		var req installationSyncRequest
		if resp := decode(r, &req, false); resp != nil {
			return resp
		}

		snapshot := domain.InstallationSnapshot{
			Status: domain.InstallationStatus(req.Status),
			Source: domain.SnapshotSource(req.Source),
		}
		if snapshot.Source == "" {
			snapshot.Source = domain.SourceAutomation
		}

		p, changed, err := cfg.Service.SyncInstallation(ctx, id, snapshot)
		if err != nil {
			return errs.FromDomain(err)
		}
		return syncResponse{Project: toProjectResponse(p), Changed: changed}
	}
}

func completeInstallation(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		p, err := cfg.Service.CompleteInstallation(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toProjectResponse(p)
	}
}

func recordConnectionTest(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		var req connectionTestRequest
		if resp := decode(r, &req, false); resp != nil {
			return resp
		}

		p, err := cfg.Service.RecordConnectionTest(ctx, id, *req.Passed, req.FailureReason)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toProjectResponse(p)
	}
}

func confirmCompletion(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		p, err := cfg.Service.ConfirmCompletion(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toProjectResponse(p)
	}
}

func confirmSDUUpload(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		p, err := cfg.Service.ConfirmSDUUpload(ctx, id)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toProjectResponse(p)
	}
}

func syncSDUInstallation(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		id, idErr := projectID(r)
		if idErr != nil {
			return idErr
		}

		var req sduInstallationRequest
		if resp := decode(r, &req, false); resp != nil {
			return resp
		}

		p, err := cfg.Service.SyncSDUInstallation(ctx, id,
			domain.SDUComponentStatus(req.Crawler),
			domain.SDUComponentStatus(req.AthenaTable),
		)
		if err != nil {
			return errs.FromDomain(err)
		}
		return toProjectResponse(p)
	}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
