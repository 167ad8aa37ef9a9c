package onboarding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/agent-onboarding/internal/domain/events"
	domain "github.com/ahrav/agent-onboarding/internal/domain/onboarding"
	"github.com/ahrav/agent-onboarding/internal/infra/storage/onboarding/memory"
	"github.com/ahrav/agent-onboarding/pkg/common/logger"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
	keys   []string
}

func (r *recordingPublisher) PublishDomainEvent(_ context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	r.keys = append(r.keys, events.ApplyOptions(opts...).Key)
	return nil
}

func (r *recordingPublisher) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}

func (r *recordingPublisher) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events, r.keys = nil, nil
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) PublishDomainEvent(ctx context.Context, evt events.DomainEvent, opts ...events.PublishOption) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

// conflictingRepo simulates a concurrent writer winning every commit.
type conflictingRepo struct {
	domain.ProjectRepository
}

func (conflictingRepo) Update(context.Context, *domain.Project) error {
	return domain.ErrVersionConflict
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestService(t *testing.T, opts ...Option) (*Service, *recordingPublisher, domain.ProjectRepository) {
	t.Helper()

	store := memory.NewProjectStore()
	pub := new(recordingPublisher)
	return newServiceWith(t, store, pub, opts...), pub, store
}

func newServiceWith(t *testing.T, repo domain.ProjectRepository, pub events.DomainEventPublisher, opts ...Option) *Service {
	t.Helper()

	metrics, err := NewServiceMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	opts = append([]Option{WithTimeProvider(fixedClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)})}, opts...)
	return NewService(repo, pub, logger.Noop(), metrics, tracenoop.NewTracerProvider().Tracer("test"), opts...)
}

func createProject(t *testing.T, svc *Service, provider domain.Provider, mutators ...func(*CreateProjectParams)) *domain.Project {
	t.Helper()

	params := CreateProjectParams{Name: "payments", Provider: provider}
	if provider == domain.ProviderAWS {
		params.InstallationMode = domain.InstallationModeAuto
	}
	for _, m := range mutators {
		m(&params)
	}
	p, err := svc.CreateProject(context.Background(), params)
	require.NoError(t, err)
	return p
}

func lenient(p *CreateProjectParams) { f := false; p.StrictExclusions = &f }

func scan(t *testing.T, svc *Service, id uuid.UUID, ids ...string) {
	t.Helper()

	var found []domain.Resource
	for _, rid := range ids {
		found = append(found, domain.Resource{ID: rid, Type: domain.ResourceTypeRDS, DatabaseType: domain.DatabaseMySQL})
	}
	_, _, err := svc.RecordScan(context.Background(), id, domain.ScanStatusCompleted, found)
	require.NoError(t, err)
}

func stageOf(t *testing.T, svc *Service, id uuid.UUID) domain.PipelineStage {
	t.Helper()
	stage, err := svc.CurrentStage(context.Background(), id)
	require.NoError(t, err)
	return stage
}

func TestService_CreateProject(t *testing.T) {
	t.Parallel()

	svc, pub, _ := newTestService(t, WithCompletionConfirmationDefault(true))
	p := createProject(t, svc, domain.ProviderAzure)

	assert.Equal(t, int64(1), p.Version())
	assert.True(t, p.StrictExclusions())
	assert.True(t, p.Status().Completion.ConfirmationRequired)
	assert.Equal(t, domain.StageWaitingTargetConfirmation, stageOf(t, svc, p.ID()))
	assert.Equal(t, []events.EventType{domain.EventTypeProjectCreated}, pub.types())
	assert.Equal(t, []string{p.ID().String()}, pub.keys)

	_, err := svc.CreateProject(context.Background(), CreateProjectParams{Name: "x", Provider: "OCI"})
	assert.Equal(t, domain.CodeInvalidArgument, domain.CodeOf(err))

	_, err = svc.CreateProject(context.Background(), CreateProjectParams{Name: "", Provider: domain.ProviderGCP})
	assert.Equal(t, domain.CodeInvalidArgument, domain.CodeOf(err))
}

func TestService_DecidedTargetsAutoApprove(t *testing.T) {
	t.Parallel()

	svc, pub, _ := newTestService(t)
	p := createProject(t, svc, domain.ProviderAWS)
	scan(t, svc, p.ID(), "db-1", "db-2", "db-3")
	pub.reset()

	ctx := WithActor(context.Background(), "alice")
	updated, verdict, err := svc.ConfirmTargets(ctx, p.ID(), []string{"db-1", "db-2"}, map[string]string{"db-3": "replica"})
	require.NoError(t, err)

	assert.True(t, verdict.ShouldAutoApprove)
	assert.Equal(t, domain.ReasonAutoApproved, verdict.Reason)
	assert.Equal(t, "alice", updated.Status().Approval.DecidedBy)
	assert.Equal(t, domain.StageApplyingApproved, stageOf(t, svc, p.ID()))
	assert.Equal(t, []events.EventType{
		domain.EventTypeTargetsConfirmed,
		domain.EventTypeApprovalGranted,
		domain.EventTypeStageChanged,
	}, pub.types())

	changed, ok := pub.events[2].(domain.StageChangedEvent)
	require.True(t, ok)
	assert.Equal(t, "WAITING_TARGET_CONFIRMATION", changed.From)
	assert.Equal(t, "APPLYING_APPROVED", changed.To)
}

func TestService_MissingExclusionReasonCommitsNothing(t *testing.T) {
	t.Parallel()

	svc, pub, repo := newTestService(t)
	p := createProject(t, svc, domain.ProviderAWS)
	scan(t, svc, p.ID(), "db-1", "db-2", "db-3")
	before, err := repo.Get(context.Background(), p.ID())
	require.NoError(t, err)
	pub.reset()

	_, _, err = svc.ConfirmTargets(context.Background(), p.ID(), []string{"db-1", "db-2"}, nil)
	require.Error(t, err)

	var oerr *domain.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, domain.CodeMissingExclusionReason, oerr.Code)
	assert.Equal(t, []string{"db-3"}, oerr.ResourceIDs)

	after, err := repo.Get(context.Background(), p.ID())
	require.NoError(t, err)
	assert.Equal(t, before.Version(), after.Version())
	assert.Equal(t, before.Resources(), after.Resources())
	assert.Empty(t, pub.types())
}

func TestService_ApproveOnceThenInvalidState(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	p := createProject(t, svc, domain.ProviderAWS, lenient)
	scan(t, svc, p.ID(), "db-1", "db-2", "db-3")

	ctx := context.Background()
	_, verdict, err := svc.ConfirmTargets(ctx, p.ID(), []string{"db-1", "db-2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonNonExcludedNotSelected, verdict.Reason)
	assert.Equal(t, domain.StageWaitingApproval, stageOf(t, svc, p.ID()))

	approved, err := svc.Approve(WithActor(ctx, "bob"), p.ID(), "looks good")
	require.NoError(t, err)
	assert.Equal(t, "bob", approved.Status().Approval.DecidedBy)
	assert.Equal(t, domain.StageApplyingApproved, stageOf(t, svc, p.ID()))

	_, err = svc.Approve(ctx, p.ID(), "again")
	assert.Equal(t, domain.CodeInvalidState, domain.CodeOf(err))
	assert.Equal(t, domain.StageApplyingApproved, stageOf(t, svc, p.ID()))
}

func TestService_RejectThenReconfirm(t *testing.T) {
	t.Parallel()

	svc, pub, _ := newTestService(t)
	p := createProject(t, svc, domain.ProviderAzure, lenient)
	scan(t, svc, p.ID(), "db-1", "db-2")

	ctx := context.Background()
	_, _, err := svc.ConfirmTargets(ctx, p.ID(), []string{"db-1"}, nil)
	require.NoError(t, err)

	_, err = svc.Reject(ctx, p.ID(), "  ")
	assert.Equal(t, domain.CodeInvalidArgument, domain.CodeOf(err))

	pub.reset()
	rejected, err := svc.Reject(ctx, p.ID(), "wrong databases")
	require.NoError(t, err)
	assert.Equal(t, "wrong databases", rejected.Status().Approval.RejectionReason)
	assert.Equal(t, domain.StageWaitingTargetConfirmation, stageOf(t, svc, p.ID()))
	assert.Contains(t, pub.types(), domain.EventTypeApprovalRejected)

	_, verdict, err := svc.ConfirmTargets(ctx, p.ID(), []string{"db-1", "db-2"}, nil)
	require.NoError(t, err)
	assert.True(t, verdict.ShouldAutoApprove)
	assert.Equal(t, domain.StageApplyingApproved, stageOf(t, svc, p.ID()))
}

func TestService_FullPipelineWithCompletionGate(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, WithCompletionConfirmationDefault(true))
	p := createProject(t, svc, domain.ProviderAzure)
	scan(t, svc, p.ID(), "db-1")

	ctx := context.Background()
	_, _, err := svc.ConfirmTargets(ctx, p.ID(), []string{"db-1"}, nil)
	require.NoError(t, err)

	_, err = svc.CompleteInstallation(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StageWaitingConnectionTest, stageOf(t, svc, p.ID()))

	_, err = svc.RecordConnectionTest(ctx, p.ID(), false, "timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.StageWaitingConnectionTest, stageOf(t, svc, p.ID()))

	_, err = svc.RecordConnectionTest(ctx, p.ID(), true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StageConnectionVerified, stageOf(t, svc, p.ID()))

	done, err := svc.ConfirmCompletion(WithActor(ctx, "carol"), p.ID())
	require.NoError(t, err)
	assert.Equal(t, "carol", done.Status().Completion.ConfirmedBy)
	assert.Equal(t, domain.StageInstallationComplete, stageOf(t, svc, p.ID()))

	r, ok := done.Resource("db-1")
	require.True(t, ok)
	assert.Equal(t, domain.LifecycleActive, r.LifecycleStatus)
}

func TestService_GCPNeverWaitsForApproval(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	p := createProject(t, svc, domain.ProviderGCP, lenient)
	scan(t, svc, p.ID(), "db-1", "db-2")

	_, verdict, err := svc.ConfirmTargets(context.Background(), p.ID(), []string{"db-1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonApprovalNotRequired, verdict.Reason)
	assert.NotEqual(t, domain.StageWaitingApproval, stageOf(t, svc, p.ID()))

	_, err = svc.Approve(context.Background(), p.ID(), "")
	assert.Equal(t, domain.CodeInvalidState, domain.CodeOf(err))
}

func TestService_SyncInstallation(t *testing.T) {
	t.Parallel()

	svc, pub, repo := newTestService(t)
	p := createProject(t, svc, domain.ProviderAWS, func(c *CreateProjectParams) {
		c.InstallationMode = domain.InstallationModeManual
	})
	scan(t, svc, p.ID(), "db-1")

	ctx := context.Background()
	_, _, err := svc.ConfirmTargets(ctx, p.ID(), []string{"db-1"}, nil)
	require.NoError(t, err)

	snap := domain.InstallationSnapshot{Status: domain.InstallationInProgress, Source: domain.SourceOperator}
	_, changed, err := svc.SyncInstallation(ctx, p.ID(), snap)
	require.NoError(t, err)
	assert.True(t, changed)

	before, err := repo.Get(ctx, p.ID())
	require.NoError(t, err)
	_, changed, err = svc.SyncInstallation(ctx, p.ID(), snap)
	require.NoError(t, err)
	assert.False(t, changed)
	after, err := repo.Get(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, before.Version(), after.Version(), "unchanged snapshots are not committed")

	pub.reset()
	snap.Status = domain.InstallationCompleted
	_, changed, err = svc.SyncInstallation(ctx, p.ID(), snap)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []events.EventType{domain.EventTypeInstallationCompleted, domain.EventTypeStageChanged}, pub.types())

	_, _, err = svc.SyncInstallation(ctx, p.ID(), domain.InstallationSnapshot{
		Status: domain.InstallationCompleted,
		Source: domain.SourceAutomation,
	})
	assert.Equal(t, domain.CodeInvalidState, domain.CodeOf(err))
}

func TestService_DiscoveryModes(t *testing.T) {
	t.Parallel()

	svc, pub, _ := newTestService(t)
	ctx := context.Background()

	idc := createProject(t, svc, domain.ProviderIDC)
	declared := []domain.Resource{{ID: "onprem-1", Type: domain.ResourceTypeIDCDatabase, DatabaseType: domain.DatabaseOracle}}

	_, _, err := svc.RecordScan(ctx, idc.ID(), domain.ScanStatusCompleted, declared)
	assert.Equal(t, domain.CodeInvalidState, domain.CodeOf(err))

	pub.reset()
	_, added, err := svc.AppendDiscoveredResources(ctx, idc.ID(), declared)
	require.NoError(t, err)
	assert.Equal(t, []string{"onprem-1"}, added)
	assert.Equal(t, []events.EventType{domain.EventTypeResourcesDiscovered}, pub.types())

	azure := createProject(t, svc, domain.ProviderAzure)
	_, _, err = svc.RegisterManualResources(ctx, azure.ID(), declared)
	assert.Equal(t, domain.CodeInvalidState, domain.CodeOf(err))

	updated, added, err := svc.AppendDiscoveredResources(ctx, azure.ID(), []domain.Resource{
		{ID: "sql-1", Type: domain.ResourceTypeAzureSQL, DatabaseType: domain.DatabaseMSSQL},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sql-1"}, added)
	assert.Equal(t, domain.ScanStatusCompleted, updated.Status().Scan.Status)
}

func TestService_SDUPipeline(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	p := createProject(t, svc, domain.ProviderSDU)
	ctx := context.Background()

	_, err := svc.CurrentStage(ctx, p.ID())
	assert.Equal(t, domain.CodeInvalidState, domain.CodeOf(err))

	stage, err := svc.CurrentSDUStage(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.SDUStageS3UploadPending, stage)

	_, err = svc.ConfirmSDUUpload(ctx, p.ID())
	require.NoError(t, err)
	_, err = svc.SyncSDUInstallation(ctx, p.ID(), domain.SDUComponentCompleted, domain.SDUComponentCompleted)
	require.NoError(t, err)
	_, err = svc.RecordConnectionTest(ctx, p.ID(), true, "")
	require.NoError(t, err)

	stage, err = svc.CurrentSDUStage(ctx, p.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.SDUStageInstallationComplete, stage)
}

func TestService_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unknown project", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t)

		_, err := svc.Approve(ctx, uuid.New(), "")
		assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
		_, err = svc.CurrentStage(ctx, uuid.New())
		assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
	})

	t.Run("forbidden", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t, WithAuthorizer(AuthorizerFunc(
			func(_ context.Context, action Action, _ uuid.UUID) error {
				if action == ActionApprove {
					return errors.New("not an approver")
				}
				return nil
			})))
		p := createProject(t, svc, domain.ProviderAzure)

		_, err := svc.Approve(ctx, p.ID(), "")
		assert.Equal(t, domain.CodeForbidden, domain.CodeOf(err))
	})

	t.Run("precondition veto", func(t *testing.T) {
		t.Parallel()
		svc, _, _ := newTestService(t, WithPrecondition(
			func(_ context.Context, action Action, _ *domain.Project) error {
				if action == ActionRecordScan {
					return errors.New("scanner paused")
				}
				return nil
			}))
		p := createProject(t, svc, domain.ProviderAzure)

		_, _, err := svc.RecordScan(ctx, p.ID(), domain.ScanStatusScanning, nil)
		assert.Equal(t, domain.CodeInvalidState, domain.CodeOf(err))
	})

	t.Run("version conflict is retriable", func(t *testing.T) {
		t.Parallel()
		store := memory.NewProjectStore()
		seed := newServiceWith(t, store, nil)
		p := createProject(t, seed, domain.ProviderAzure)

		svc := newServiceWith(t, conflictingRepo{ProjectRepository: store}, nil)
		_, err := svc.SetInstallationMode(ctx, p.ID(), domain.InstallationModeAuto)
		assert.Equal(t, domain.CodeInvalidState, domain.CodeOf(err), "guards run before the commit")

		_, _, err = svc.RecordScan(ctx, p.ID(), domain.ScanStatusScanning, nil)
		assert.Equal(t, domain.CodeConflict, domain.CodeOf(err))
		assert.True(t, domain.IsRetriable(err))
	})
}

func TestService_PublishFailureDoesNotFailAction(t *testing.T) {
	t.Parallel()

	pub := new(mockPublisher)
	pub.On("PublishDomainEvent", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	svc := newServiceWith(t, memory.NewProjectStore(), pub)
	p := createProject(t, svc, domain.ProviderGCP)

	_, _, err := svc.RecordScan(context.Background(), p.ID(), domain.ScanStatusCompleted, []domain.Resource{
		{ID: "sql-1", Type: domain.ResourceTypeCloudSQL, DatabaseType: domain.DatabasePostgreSQL},
	})
	require.NoError(t, err)
	pub.AssertNumberOfCalls(t, "PublishDomainEvent", 2)
}

func TestService_ConcurrentActionsAreSerialized(t *testing.T) {
	t.Parallel()

	svc, _, repo := newTestService(t)
	p := createProject(t, svc, domain.ProviderAzure)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := svc.RecordScan(context.Background(), p.ID(), domain.ScanStatusCompleted, []domain.Resource{
				{ID: uuid.NewString(), Type: domain.ResourceTypeAzureSQL, DatabaseType: domain.DatabaseMSSQL},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := repo.Get(context.Background(), p.ID())
	require.NoError(t, err)
	assert.Len(t, stored.Resources(), workers)
	assert.Equal(t, int64(1+workers), stored.Version())
	assert.Zero(t, svc.locks.size())
}

type stubLocker struct {
	mu       sync.Mutex
	err      error
	acquired int
	released int
}

func (l *stubLocker) Lock(context.Context, uuid.UUID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.released++
	}, nil
}

func TestService_SharedProjectLock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		lockErr   error
		wantCode  domain.ErrorCode
		wantPlain bool
	}{
		{name: "acquired and released"},
		{name: "held elsewhere", lockErr: fmt.Errorf("waited 5s: %w", domain.ErrProjectLocked), wantCode: domain.CodeConflict},
		{name: "backend failure", lockErr: errors.New("connection refused"), wantPlain: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			locker := &stubLocker{err: tt.lockErr}
			svc, _, repo := newTestService(t, WithProjectLocker(locker))
			p := createProject(t, svc, domain.ProviderAzure)

			_, _, err := svc.RecordScan(context.Background(), p.ID(), domain.ScanStatusCompleted, nil)
			switch {
			case tt.wantCode != "":
				var derr *domain.Error
				require.ErrorAs(t, err, &derr)
				assert.Equal(t, tt.wantCode, derr.Code)
				assert.True(t, derr.Retriable())
				assert.Equal(t, []string{p.ID().String()}, derr.ResourceIDs)
			case tt.wantPlain:
				require.Error(t, err)
				assert.Empty(t, domain.CodeOf(err))
			default:
				require.NoError(t, err)
				assert.Equal(t, 1, locker.acquired)
				assert.Equal(t, 1, locker.released)
			}

			if tt.lockErr != nil {
				stored, err := repo.Get(context.Background(), p.ID())
				require.NoError(t, err)
				assert.Equal(t, int64(1), stored.Version())
			}
		})
	}
}

// gatedRepo blocks Get until release is closed, then honours the load context.
type gatedRepo struct {
	domain.ProjectRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Project, error) {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.ProjectRepository.Get(ctx, id)
}

func TestService_CurrentStageSurvivesCancelledReader(t *testing.T) {
	t.Parallel()

	store := memory.NewProjectStore()
	repo := &gatedRepo{ProjectRepository: store, entered: make(chan struct{}), release: make(chan struct{})}
	svc := newServiceWith(t, repo, new(recordingPublisher))

	p, err := domain.NewProject(uuid.New(), "payments", domain.ProviderAzure)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), p))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.CurrentStage(firstCtx, p.ID())
		firstErr <- err
	}()
	<-repo.entered

	type result struct {
		stage domain.PipelineStage
		err   error
	}
	second := make(chan result, 1)
	go func() {
		stage, err := svc.CurrentStage(context.Background(), p.ID())
		second <- result{stage, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled reader kept waiting")
	}

	close(repo.release)
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, domain.StageWaitingTargetConfirmation, got.stage)
	case <-time.After(time.Second):
		t.Fatal("second reader never returned")
	}
}
