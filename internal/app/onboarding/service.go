// Package onboarding provides the application service that drives onboarding
// projects through their pipeline. Every action loads the project, checks its
// guards against a working copy, commits the copy with an optimistic version
// check and then publishes the resulting domain events.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
	domain "github.com/ahrav/agent-onboarding/internal/domain/onboarding"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
)

// PreconditionFunc lets callers veto an action against the loaded project
// before anything is mutated. Errors that are not *domain.Error are reported
// as INVALID_STATE.
type PreconditionFunc func(ctx context.Context, action Action, p *domain.Project) error

// Option configures a Service.
type Option func(*Service)

// WithAuthorizer sets the authorizer consulted before every action.
func WithAuthorizer(a Authorizer) Option { return func(s *Service) { s.authorizer = a } }

// WithPrecondition installs a hook evaluated before every mutating action.
func WithPrecondition(fn PreconditionFunc) Option { return func(s *Service) { s.precondition = fn } }

// WithRuleBook overrides the provider rules used when confirming targets.
func WithRuleBook(rb *domain.RuleBook) Option { return func(s *Service) { s.rules = rb } }

// WithCompletionConfirmationDefault sets whether new projects require an
// administrator confirmation after the connection test passes.
func WithCompletionConfirmationDefault(required bool) Option {
	return func(s *Service) { s.requireCompletionConfirmation = required }
}

// ProjectLocker serializes actions on one project across service replicas.
// Lock returns an error wrapping domain.ErrProjectLocked when the lock stays
// held by another writer for longer than the implementation is willing to wait.
type ProjectLocker interface {
	Lock(ctx context.Context, projectID uuid.UUID) (unlock func(), err error)
}

// WithProjectLocker adds a lock taken after the in-process project lock.
func WithProjectLocker(l ProjectLocker) Option { return func(s *Service) { s.sharedLocks = l } }

// WithTimeProvider overrides the clock handed to projects.
func WithTimeProvider(tp domain.TimeProvider) Option { return func(s *Service) { s.timeProvider = tp } }

// Service coordinates onboarding actions for every project.
type Service struct {
	repo      domain.ProjectRepository
	publisher events.DomainEventPublisher

	rules                         *domain.RuleBook
	authorizer                    Authorizer
	precondition                  PreconditionFunc
	requireCompletionConfirmation bool
	timeProvider                  domain.TimeProvider

	locks       *projectLocks
	sharedLocks ProjectLocker
	reads       singleflight.Group

	logger  *logger.Logger
	metrics ServiceMetrics
	tracer  trace.Tracer
}

// NewService creates an onboarding service.
func NewService(
	repo domain.ProjectRepository,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	metrics ServiceMetrics,
	tracer trace.Tracer,
	opts ...Option,
) *Service {
	s := &Service{
		repo:       repo,
		publisher:  publisher,
		rules:      domain.DefaultRuleBook(),
		authorizer: allowAll{},
		locks:      newProjectLocks(),
		logger:     logger.With("component", "onboarding_service"),
		metrics:    metrics,
		tracer:     tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateProjectParams describes a new onboarding project.
type CreateProjectParams struct {
	Name             string
	Provider         domain.Provider
	InstallationMode domain.InstallationMode

	// StrictExclusions and RequireCompletionConfirmation fall back to the
	// service defaults when nil.
	StrictExclusions              *bool
	RequireCompletionConfirmation *bool
}

// CreateProject creates and stores a new project.
func (s *Service) CreateProject(ctx context.Context, params CreateProjectParams) (*domain.Project, error) {
	ctx, span := s.startSpan(ctx, ActionCreateProject, uuid.Nil)
	defer span.End()

	if err := s.authorizer.Authorize(ctx, ActionCreateProject, uuid.Nil); err != nil {
		return nil, s.fail(ctx, span, ActionCreateProject, domain.ForbiddenError(err))
	}

	completion := s.requireCompletionConfirmation
	if params.RequireCompletionConfirmation != nil {
		completion = *params.RequireCompletionConfirmation
	}
	opts := []domain.ProjectOption{domain.WithCompletionConfirmation(completion)}
	if params.StrictExclusions != nil {
		opts = append(opts, domain.WithStrictExclusions(*params.StrictExclusions))
	}
	if params.InstallationMode != "" {
		opts = append(opts, domain.WithInstallationMode(params.InstallationMode))
	}
	if s.timeProvider != nil {
		opts = append(opts, domain.WithTimeProvider(s.timeProvider))
	}

	p, err := domain.NewProject(uuid.New(), params.Name, params.Provider, opts...)
	if err != nil {
		return nil, s.fail(ctx, span, ActionCreateProject, err)
	}
	span.SetAttributes(attribute.String("project_id", p.ID().String()))

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, s.fail(ctx, span, ActionCreateProject, fmt.Errorf("failed to create project: %w", err))
	}

	s.metrics.IncAction(ctx, ActionCreateProject, "")
	s.logger.Info(ctx, "onboarding project created",
		"project_id", p.ID().String(),
		"provider", p.Provider().String(),
	)
	s.publish(ctx, p.ID(), domain.NewProjectCreatedEvent(p.ID(), p.Name(), p.Provider()))
	return p.Clone(), nil
}

// GetProject returns a project and its resources.
func (s *Service) GetProject(ctx context.Context, projectID uuid.UUID) (*domain.Project, error) {
	ctx, span := s.startSpan(ctx, ActionReadProject, projectID)
	defer span.End()

	if err := s.authorizer.Authorize(ctx, ActionReadProject, projectID); err != nil {
		return nil, s.fail(ctx, span, ActionReadProject, domain.ForbiddenError(err))
	}
	p, err := s.load(ctx, projectID)
	if err != nil {
		return nil, s.fail(ctx, span, ActionReadProject, err)
	}
	return p, nil
}

// ListProjects returns every project.
func (s *Service) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	ctx, span := s.startSpan(ctx, ActionReadProject, uuid.Nil)
	defer span.End()

	if err := s.authorizer.Authorize(ctx, ActionReadProject, uuid.Nil); err != nil {
		return nil, s.fail(ctx, span, ActionReadProject, domain.ForbiddenError(err))
	}
	projects, err := s.repo.List(ctx)
	if err != nil {
		return nil, s.fail(ctx, span, ActionReadProject, fmt.Errorf("failed to list projects: %w", err))
	}
	return projects, nil
}

// CurrentStage returns the pipeline stage of a common-pipeline project.
// Concurrent reads of the same project share a single repository load.
func (s *Service) CurrentStage(ctx context.Context, projectID uuid.UUID) (domain.PipelineStage, error) {
	ctx, span := s.startSpan(ctx, ActionReadProject, projectID)
	defer span.End()

	if err := s.authorizer.Authorize(ctx, ActionReadProject, projectID); err != nil {
		return domain.StageUnknown, s.fail(ctx, span, ActionReadProject, domain.ForbiddenError(err))
	}

	v, shared, err := s.sharedRead(ctx, "stage:"+projectID.String(), func(ctx context.Context) (any, error) {
		p, err := s.load(ctx, projectID)
		if err != nil {
			return domain.StageUnknown, err
		}
		stage, err := p.Stage()
		if err != nil {
			return domain.StageUnknown, &domain.Error{Code: domain.CodeInvalidState, Err: err}
		}
		return stage, nil
	})
	span.SetAttributes(attribute.Bool("shared", shared))
	if err != nil {
		return domain.StageUnknown, s.fail(ctx, span, ActionReadProject, err)
	}
	return v.(domain.PipelineStage), nil
}

// CurrentSDUStage returns the stage of an SDU project.
func (s *Service) CurrentSDUStage(ctx context.Context, projectID uuid.UUID) (domain.SDUStage, error) {
	ctx, span := s.startSpan(ctx, ActionReadProject, projectID)
	defer span.End()

	if err := s.authorizer.Authorize(ctx, ActionReadProject, projectID); err != nil {
		return domain.SDUStageUnknown, s.fail(ctx, span, ActionReadProject, domain.ForbiddenError(err))
	}

	v, _, err := s.sharedRead(ctx, "sdu:"+projectID.String(), func(ctx context.Context) (any, error) {
		p, err := s.load(ctx, projectID)
		if err != nil {
			return domain.SDUStageUnknown, err
		}
		return p.SDUStage()
	})
	if err != nil {
		return domain.SDUStageUnknown, s.fail(ctx, span, ActionReadProject, err)
	}
	return v.(domain.SDUStage), nil
}

// SetInstallationMode chooses how infrastructure is provisioned for
// providers with an automatic/manual split.
func (s *Service) SetInstallationMode(ctx context.Context, projectID uuid.UUID, mode domain.InstallationMode) (*domain.Project, error) {
	return s.mutate(ctx, ActionSetInstallationMode, projectID, func(_ context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		return nil, p.SetInstallationMode(mode)
	})
}

// RecordScan records the outcome of a discovery scan and merges the
// resources it found.
func (s *Service) RecordScan(
	ctx context.Context,
	projectID uuid.UUID,
	status domain.ScanStatus,
	discovered []domain.Resource,
) (*domain.Project, []string, error) {
	var added []string
	p, err := s.mutate(ctx, ActionRecordScan, projectID, func(_ context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		var err error
		if added, err = p.RecordScan(status, discovered); err != nil {
			return nil, err
		}
		return discoveredEvents(p, added), nil
	})
	if err != nil {
		return nil, nil, err
	}
	return p, added, nil
}

// AppendDiscoveredResources merges resources into a project using the
// provider's discovery mode: scan results for scanned providers and
// declarations for manually registered ones.
func (s *Service) AppendDiscoveredResources(
	ctx context.Context,
	projectID uuid.UUID,
	discovered []domain.Resource,
) (*domain.Project, []string, error) {
	var added []string
	p, err := s.mutate(ctx, ActionRegisterResources, projectID, func(_ context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		rules, err := s.rules.Rules(p.Provider())
		if err != nil {
			return nil, &domain.Error{Code: domain.CodeInvalidArgument, Err: err}
		}
		switch rules.Discovery {
		case domain.DiscoveryManual:
			added, err = p.RegisterManualResources(discovered)
		default:
			added, err = p.RecordScan(domain.ScanStatusCompleted, discovered)
		}
		if err != nil {
			return nil, err
		}
		return discoveredEvents(p, added), nil
	})
	if err != nil {
		return nil, nil, err
	}
	return p, added, nil
}

// RegisterManualResources adds customer-declared resources to a project
// whose provider cannot be scanned.
func (s *Service) RegisterManualResources(
	ctx context.Context,
	projectID uuid.UUID,
	declared []domain.Resource,
) (*domain.Project, []string, error) {
	var added []string
	p, err := s.mutate(ctx, ActionRegisterResources, projectID, func(_ context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		var err error
		if added, err = p.RegisterManualResources(declared); err != nil {
			return nil, err
		}
		return discoveredEvents(p, added), nil
	})
	if err != nil {
		return nil, nil, err
	}
	return p, added, nil
}

func discoveredEvents(p *domain.Project, added []string) []events.DomainEvent {
	if len(added) == 0 {
		return nil
	}
	late := p.Status().Targets.Confirmed
	return []events.DomainEvent{domain.NewResourcesDiscoveredEvent(p.ID(), added, late)}
}

// ConfirmTargets fixes the project's target selection and applies the
// auto-approval policy.
func (s *Service) ConfirmTargets(
	ctx context.Context,
	projectID uuid.UUID,
	selectedIDs []string,
	exclusions map[string]string,
) (*domain.Project, domain.AutoApprovalVerdict, error) {
	var verdict domain.AutoApprovalVerdict
	p, err := s.mutate(ctx, ActionConfirmTargets, projectID, func(ctx context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		rules, err := s.rules.Rules(p.Provider())
		if err != nil {
			return nil, &domain.Error{Code: domain.CodeInvalidArgument, Err: err}
		}

		actor := ActorFromContext(ctx)
		if verdict, err = p.ConfirmTargets(selectedIDs, exclusions, actor, rules); err != nil {
			return nil, err
		}
		s.metrics.IncAutoApprovalVerdict(ctx, p.Provider(), verdict.Reason)

		evts := []events.DomainEvent{domain.NewTargetsConfirmedEvent(p.ID(), p.Status().Targets, verdict, actor)}
		if verdict.ShouldAutoApprove {
			evts = append(evts, domain.NewApprovalGrantedEvent(p.ID(), true, actor, ""))
		}
		return evts, nil
	})
	if err != nil {
		return nil, domain.AutoApprovalVerdict{}, err
	}

	s.logger.Info(ctx, "targets confirmed",
		"project_id", projectID.String(),
		"auto_approved", verdict.ShouldAutoApprove,
		"reason", string(verdict.Reason),
	)
	return p, verdict, nil
}

// Approve grants a pending approval.
func (s *Service) Approve(ctx context.Context, projectID uuid.UUID, comment string) (*domain.Project, error) {
	return s.mutate(ctx, ActionApprove, projectID, func(ctx context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		actor := ActorFromContext(ctx)
		if err := p.Approve(comment, actor); err != nil {
			return nil, err
		}
		return []events.DomainEvent{domain.NewApprovalGrantedEvent(p.ID(), false, actor, comment)}, nil
	})
}

// Reject turns down a pending approval.
func (s *Service) Reject(ctx context.Context, projectID uuid.UUID, reason string) (*domain.Project, error) {
	return s.mutate(ctx, ActionReject, projectID, func(ctx context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		actor := ActorFromContext(ctx)
		if err := p.Reject(reason, actor); err != nil {
			return nil, err
		}
		return []events.DomainEvent{domain.NewApprovalRejectedEvent(p.ID(), p.Status().Approval.RejectionReason, actor)}, nil
	})
}

// SyncInstallation reconciles the project with a normalized installation
// snapshot. The returned bool reports whether the project changed.
func (s *Service) SyncInstallation(
	ctx context.Context,
	projectID uuid.UUID,
	snapshot domain.InstallationSnapshot,
) (*domain.Project, bool, error) {
	var changed bool
	p, err := s.mutate(ctx, ActionSyncInstallation, projectID, func(_ context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		var err error
		if changed, err = p.SyncInstallation(snapshot); err != nil {
			return nil, err
		}
		if !changed {
			return nil, errUnchanged
		}
		if p.Status().Installation.Status == domain.InstallationCompleted {
			return []events.DomainEvent{domain.NewInstallationCompletedEvent(p.ID())}, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, false, err
	}
	return p, changed, nil
}

// CompleteInstallation records that provisioning finished.
func (s *Service) CompleteInstallation(ctx context.Context, projectID uuid.UUID) (*domain.Project, error) {
	return s.mutate(ctx, ActionCompleteInstallation, projectID, func(_ context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		if err := p.CompleteInstallation(); err != nil {
			return nil, err
		}
		return []events.DomainEvent{domain.NewInstallationCompletedEvent(p.ID())}, nil
	})
}

// RecordConnectionTest stores the outcome of a connectivity test.
func (s *Service) RecordConnectionTest(
	ctx context.Context,
	projectID uuid.UUID,
	passed bool,
	failureReason string,
) (*domain.Project, error) {
	return s.mutate(ctx, ActionRecordConnectionTest, projectID, func(_ context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		if err := p.RecordConnectionTest(passed, failureReason); err != nil {
			return nil, err
		}
		return []events.DomainEvent{domain.NewConnectionTestedEvent(p.ID(), passed, failureReason)}, nil
	})
}

// ConfirmCompletion confirms a verified installation.
func (s *Service) ConfirmCompletion(ctx context.Context, projectID uuid.UUID) (*domain.Project, error) {
	return s.mutate(ctx, ActionConfirmCompletion, projectID, func(ctx context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		actor := ActorFromContext(ctx)
		if err := p.ConfirmCompletion(actor); err != nil {
			return nil, err
		}
		return []events.DomainEvent{domain.NewCompletionConfirmedEvent(p.ID(), actor)}, nil
	})
}

// ConfirmSDUUpload records that the customer finished uploading data.
func (s *Service) ConfirmSDUUpload(ctx context.Context, projectID uuid.UUID) (*domain.Project, error) {
	return s.mutate(ctx, ActionConfirmSDUUpload, projectID, func(ctx context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		return nil, p.ConfirmSDUUpload(ActorFromContext(ctx))
	})
}

// SyncSDUInstallation reconciles the SDU component statuses.
func (s *Service) SyncSDUInstallation(
	ctx context.Context,
	projectID uuid.UUID,
	crawler, athenaTable domain.SDUComponentStatus,
) (*domain.Project, error) {
	return s.mutate(ctx, ActionSyncSDUInstallation, projectID, func(_ context.Context, p *domain.Project) ([]events.DomainEvent, error) {
		return nil, p.SyncSDUInstallation(crawler, athenaTable)
	})
}

// sharedReadTimeout bounds a deduplicated load, which runs detached from the
// caller that started it.
const sharedReadTimeout = 10 * time.Second

// sharedRead runs fn once for all concurrent callers of key. The load does not
// inherit the first caller's cancellation, so one caller going away never
// fails the others; each caller still stops waiting when its own ctx is done.
func (s *Service) sharedRead(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, bool, error) {
	ch := s.reads.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		return fn(loadCtx)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	}
}

// errUnchanged short-circuits a mutation that turned out to be a no-op so
// nothing is committed.
var errUnchanged = errors.New("project unchanged")

func lockError(projectID uuid.UUID, err error) error {
	if errors.Is(err, domain.ErrProjectLocked) {
		return &domain.Error{
			Code:        domain.CodeConflict,
			Message:     "project is being modified by another request",
			ResourceIDs: []string{projectID.String()},
			Err:         err,
		}
	}
	return fmt.Errorf("failed to acquire project lock: %w", err)
}

type mutation func(ctx context.Context, p *domain.Project) ([]events.DomainEvent, error)

// mutate runs one action as an atomic read-modify-write. The mutation
// operates on a clone; only a fully successful mutation is committed.
func (s *Service) mutate(ctx context.Context, action Action, projectID uuid.UUID, fn mutation) (*domain.Project, error) {
	ctx, span := s.startSpan(ctx, action, projectID)
	defer span.End()

	if err := s.authorizer.Authorize(ctx, action, projectID); err != nil {
		return nil, s.fail(ctx, span, action, domain.ForbiddenError(err))
	}

	unlock := s.locks.Lock(projectID)
	defer unlock()
	if s.sharedLocks != nil {
		release, err := s.sharedLocks.Lock(ctx, projectID)
		if err != nil {
			return nil, s.fail(ctx, span, action, lockError(projectID, err))
		}
		defer release()
	}
	span.AddEvent("lock_acquired")

	current, err := s.load(ctx, projectID)
	if err != nil {
		return nil, s.fail(ctx, span, action, err)
	}

	if s.precondition != nil {
		if err := s.precondition(ctx, action, current); err != nil {
			if domain.CodeOf(err) == "" {
				err = &domain.Error{Code: domain.CodeInvalidState, Err: err}
			}
			return nil, s.fail(ctx, span, action, err)
		}
	}

	before := stageLabel(current)
	work := current.Clone()
	evts, err := fn(ctx, work)
	if errors.Is(err, errUnchanged) {
		s.metrics.IncAction(ctx, action, "")
		span.AddEvent("unchanged")
		return current, nil
	}
	if err != nil {
		return nil, s.fail(ctx, span, action, err)
	}

	if err := s.repo.Update(ctx, work); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			s.metrics.IncVersionConflict(ctx)
			err = domain.ConflictError(projectID.String(), current.Version())
		} else if !errors.Is(err, domain.ErrProjectNotFound) {
			err = fmt.Errorf("failed to update project: %w", err)
		} else {
			err = domain.NotFoundError(domain.ErrProjectNotFound, projectID.String())
		}
		return nil, s.fail(ctx, span, action, err)
	}
	span.AddEvent("committed", trace.WithAttributes(attribute.Int64("version", work.Version())))
	s.metrics.IncAction(ctx, action, "")

	after := stageLabel(work)
	if after != before {
		evts = append(evts, domain.NewStageChangedEvent(projectID, before, after))
		s.logger.Info(ctx, "project stage changed",
			"project_id", projectID.String(),
			"action", string(action),
			"from", before,
			"to", after,
		)
	}
	for _, evt := range evts {
		s.publish(ctx, projectID, evt)
	}

	return work.Clone(), nil
}

func (s *Service) load(ctx context.Context, projectID uuid.UUID) (*domain.Project, error) {
	p, err := s.repo.Get(ctx, projectID)
	if err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			return nil, domain.NotFoundError(domain.ErrProjectNotFound, projectID.String())
		}
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if s.timeProvider != nil {
		p.SetTimeProvider(s.timeProvider)
	}
	return p, nil
}

// publish sends an event after its action was committed. A failure is
// logged and counted but does not fail the action.
func (s *Service) publish(ctx context.Context, projectID uuid.UUID, evt events.DomainEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(projectID.String())); err != nil {
		s.metrics.IncPublishErrors(ctx)
		s.logger.Error(ctx, "failed to publish domain event",
			"project_id", projectID.String(),
			"event_type", evt.EventType().String(),
			"err", err,
		)
	}
}

func (s *Service) startSpan(ctx context.Context, action Action, projectID uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "onboarding_service."+string(action),
		trace.WithAttributes(
			attribute.String("component", "onboarding_service"),
			attribute.String("project_id", projectID.String()),
		))
}

func (s *Service) fail(ctx context.Context, span trace.Span, action Action, err error) error {
	code := domain.CodeOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error_code", code.String()))
	s.metrics.IncAction(ctx, action, code)

	if code == "" {
		s.logger.Error(ctx, "onboarding action failed", "action", string(action), "err", err)
	} else {
		s.logger.Debug(ctx, "onboarding action rejected", "action", string(action), "code", code.String(), "err", err)
	}
	return err
}

func stageLabel(p *domain.Project) string {
	if stage, err := p.SDUStage(); err == nil {
		return "SDU_" + stage.String()
	}
	stage, err := p.Stage()
	if err != nil {
		return domain.StageUnknown.String()
	}
	return stage.String()
}
