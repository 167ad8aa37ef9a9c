package onboarding

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct{ current time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.current }

func newTestProject(t *testing.T, provider Provider, opts ...ProjectOption) *Project {
	t.Helper()

	clock := &mockTimeProvider{current: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]ProjectOption{WithTimeProvider(clock)}, opts...)
	if provider == ProviderAWS {
		opts = append(opts, WithInstallationMode(InstallationModeAuto))
	}
	p, err := NewProject(uuid.New(), "payments", provider, opts...)
	require.NoError(t, err)
	return p
}

func mustRules(t *testing.T, p Provider) ProviderRules {
	t.Helper()
	rules, err := RulesFor(p)
	require.NoError(t, err)
	return rules
}

func discover(t *testing.T, p *Project, ids ...string) {
	t.Helper()
	var found []Resource
	for _, id := range ids {
		found = append(found, Resource{ID: id, Type: ResourceTypeRDS, DatabaseType: DatabaseMySQL})
	}
	_, err := p.RecordScan(ScanStatusCompleted, found)
	require.NoError(t, err)
}

func mustStage(t *testing.T, p *Project) PipelineStage {
	t.Helper()
	s, err := p.Stage()
	require.NoError(t, err)
	return s
}

func lifecycles(p *Project) map[string]LifecycleStatus {
	out := make(map[string]LifecycleStatus)
	for _, r := range p.Resources() {
		out[r.ID] = r.LifecycleStatus
	}
	return out
}

func TestNewProject(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAzure)
	assert.Equal(t, StageWaitingTargetConfirmation, mustStage(t, p))
	assert.True(t, p.StrictExclusions())
	assert.Equal(t, "payments", p.Name())

	_, err := NewProject(uuid.New(), " ", ProviderAWS)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = NewProject(uuid.New(), "x", Provider("OCI"))
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = NewProject(uuid.New(), "x", ProviderAzure, WithInstallationMode(InstallationModeAuto))
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestProject_AllDecidedTargetsAutoApprove(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAWS)
	discover(t, p, "db-1", "db-2", "db-3")

	verdict, err := p.ConfirmTargets(
		[]string{"db-1", "db-2"},
		map[string]string{"db-3": "replica"},
		"alice",
		mustRules(t, ProviderAWS),
	)
	require.NoError(t, err)

	assert.True(t, verdict.ShouldAutoApprove)
	assert.Equal(t, ReasonAutoApproved, verdict.Reason)
	assert.Equal(t, StageApplyingApproved, mustStage(t, p))
	assert.True(t, p.Status().Approval.AutoApproved)
	assert.Equal(t, map[string]LifecycleStatus{
		"db-1": LifecycleInstalling,
		"db-2": LifecycleInstalling,
		"db-3": LifecycleDiscovered,
	}, lifecycles(p))
}

func TestProject_UndecidedTargetNeedsExclusionReason(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAWS)
	discover(t, p, "db-1", "db-2", "db-3")
	before := p.Clone()

	_, err := p.ConfirmTargets([]string{"db-1", "db-2"}, nil, "alice", mustRules(t, ProviderAWS))
	require.Error(t, err)

	var oerr *Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, CodeMissingExclusionReason, oerr.Code)
	assert.Equal(t, []string{"db-3"}, oerr.ResourceIDs)

	assert.Equal(t, before.Status(), p.Status(), "failed action must not change status")
	assert.Equal(t, before.Resources(), p.Resources())
}

func TestProject_LenientUndecidedTargetNeedsReview(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAWS, WithStrictExclusions(false))
	discover(t, p, "db-1", "db-2", "db-3")

	verdict, err := p.ConfirmTargets([]string{"db-1", "db-2"}, nil, "alice", mustRules(t, ProviderAWS))
	require.NoError(t, err)

	assert.False(t, verdict.ShouldAutoApprove)
	assert.Equal(t, ReasonNonExcludedNotSelected, verdict.Reason)
	assert.Equal(t, []string{"db-3"}, verdict.Undecided)
	assert.Equal(t, StageWaitingApproval, mustStage(t, p))
}

func TestProject_ApproveIsNotRepeatable(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAzure, WithStrictExclusions(false))
	discover(t, p, "db-1", "db-2")

	_, err := p.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderAzure))
	require.NoError(t, err)
	require.Equal(t, StageWaitingApproval, mustStage(t, p))

	require.NoError(t, p.Approve("looks good", "bob"))
	assert.Equal(t, StageApplyingApproved, mustStage(t, p))
	assert.Equal(t, "bob", p.Status().Approval.DecidedBy)
	after := p.Resources()

	err = p.Approve("again", "bob")
	assert.Equal(t, CodeInvalidState, CodeOf(err))
	assert.Equal(t, after, p.Resources())
}

func TestProject_RejectThenReconfirmRoundTrip(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderIDC, WithStrictExclusions(false))
	_, err := p.RegisterManualResources([]Resource{
		{ID: "db-1", Type: ResourceTypeIDCDatabase, DatabaseType: DatabaseOracle},
		{ID: "db-2", Type: ResourceTypeIDCDatabase, DatabaseType: DatabaseMSSQL},
		{ID: "db-3", Type: ResourceTypeIDCDatabase, DatabaseType: DatabaseMySQL},
	})
	require.NoError(t, err)

	selection := []string{"db-1", "db-2"}
	exclusions := map[string]string{}
	rules := mustRules(t, ProviderIDC)

	_, err = p.ConfirmTargets(selection, exclusions, "alice", rules)
	require.NoError(t, err)
	preRejection := lifecycles(p)

	assert.Equal(t, CodeInvalidArgument, CodeOf(p.Reject("  ", "bob")))
	require.NoError(t, p.Reject("wrong hosts", "bob"))
	assert.Equal(t, StageWaitingTargetConfirmation, mustStage(t, p))
	for _, r := range p.Resources() {
		assert.Equal(t, LifecycleDiscovered, r.LifecycleStatus)
		assert.Equal(t, "wrong hosts", r.RejectionNote)
	}

	_, err = p.ConfirmTargets(selection, exclusions, "alice", rules)
	require.NoError(t, err)
	assert.Equal(t, preRejection, lifecycles(p))
	for _, r := range p.Resources() {
		assert.Empty(t, r.RejectionNote)
	}
}

func TestProject_FullPipelineWithoutCompletionGate(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderGCP)
	_, err := p.RecordScan(ScanStatusCompleted, []Resource{
		{ID: "sql-1", Type: ResourceTypeCloudSQL, DatabaseType: DatabasePostgreSQL},
		{ID: "vm-1", Type: ResourceTypeGCEInstance},
	})
	require.NoError(t, err)

	verdict, err := p.ConfirmTargets([]string{"sql-1"}, nil, "alice", mustRules(t, ProviderGCP))
	require.NoError(t, err)
	assert.Equal(t, ReasonApprovalNotRequired, verdict.Reason)
	assert.Equal(t, StageInstalling, mustStage(t, p))

	assert.Equal(t, CodeInvalidState, CodeOf(p.Approve("", "bob")))
	assert.Equal(t, CodeInvalidState, CodeOf(p.RecordConnectionTest(true, "")))

	require.NoError(t, p.CompleteInstallation())
	assert.Equal(t, StageWaitingConnectionTest, mustStage(t, p))
	assert.Equal(t, LifecycleReadyToTest, lifecycles(p)["sql-1"])

	require.NoError(t, p.RecordConnectionTest(false, "timeout"))
	assert.Equal(t, StageWaitingConnectionTest, mustStage(t, p))
	assert.Equal(t, "timeout", p.Status().ConnectionTest.FailureReason)

	require.NoError(t, p.RecordConnectionTest(true, ""))
	assert.Equal(t, StageInstallationComplete, mustStage(t, p))
	assert.Equal(t, LifecycleActive, lifecycles(p)["sql-1"])
	assert.Equal(t, CodeInvalidState, CodeOf(p.ConfirmCompletion("carol")))
}

func TestProject_CompletionGate(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAzure, WithCompletionConfirmation(true))
	discover(t, p, "db-1")

	_, err := p.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderAzure))
	require.NoError(t, err)
	require.NoError(t, p.CompleteInstallation())
	require.NoError(t, p.RecordConnectionTest(true, ""))

	assert.Equal(t, StageConnectionVerified, mustStage(t, p))
	assert.Equal(t, LifecycleReadyToTest, lifecycles(p)["db-1"])

	require.NoError(t, p.ConfirmCompletion("carol"))
	assert.Equal(t, StageInstallationComplete, mustStage(t, p))
	assert.Equal(t, LifecycleActive, lifecycles(p)["db-1"])
	assert.Equal(t, "carol", p.Status().Completion.ConfirmedBy)
}

func TestProject_InstallationMode(t *testing.T) {
	t.Parallel()

	p, err := NewProject(uuid.New(), "aws", ProviderAWS)
	require.NoError(t, err)
	discover(t, p, "db-1")

	_, err = p.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderAWS))
	assert.Equal(t, CodeInvalidState, CodeOf(err), "mode must be chosen first")

	assert.Equal(t, CodeInvalidArgument, CodeOf(p.SetInstallationMode("HYBRID")))
	require.NoError(t, p.SetInstallationMode(InstallationModeManual))
	require.NoError(t, p.SetInstallationMode(InstallationModeManual))
	assert.Equal(t, CodeInvalidState, CodeOf(p.SetInstallationMode(InstallationModeAuto)))

	azure := newTestProject(t, ProviderAzure)
	assert.Equal(t, CodeInvalidState, CodeOf(azure.SetInstallationMode(InstallationModeAuto)))
}

func TestProject_SyncInstallation(t *testing.T) {
	t.Parallel()

	p, err := NewProject(uuid.New(), "aws", ProviderAWS, WithInstallationMode(InstallationModeManual))
	require.NoError(t, err)
	discover(t, p, "db-1")

	_, err = p.SyncInstallation(InstallationSnapshot{Status: InstallationInProgress, Source: SourceOperator})
	assert.Equal(t, CodeInvalidState, CodeOf(err), "not yet approved")

	_, err = p.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderAWS))
	require.NoError(t, err)

	_, err = p.SyncInstallation(InstallationSnapshot{Status: InstallationInProgress, Source: SourceAutomation})
	assert.Equal(t, CodeInvalidState, CodeOf(err), "manual mode rejects automation reports")

	changed, err := p.SyncInstallation(InstallationSnapshot{Status: InstallationInProgress, Source: SourceOperator})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StageInstalling, mustStage(t, p))

	changed, err = p.SyncInstallation(InstallationSnapshot{Status: InstallationPending, Source: SourceOperator})
	require.NoError(t, err)
	assert.False(t, changed, "snapshots never move installation backwards")

	changed, err = p.SyncInstallation(InstallationSnapshot{Status: InstallationCompleted, Source: SourceOperator})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StageWaitingConnectionTest, mustStage(t, p))

	changed, err = p.SyncInstallation(InstallationSnapshot{Status: InstallationCompleted, Source: SourceOperator})
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestProject_LateDiscoveryStartsNewCycle(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderGCP)
	discover(t, p, "db-1")
	_, err := p.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderGCP))
	require.NoError(t, err)
	require.NoError(t, p.CompleteInstallation())
	require.NoError(t, p.RecordConnectionTest(true, ""))
	require.Equal(t, StageInstallationComplete, mustStage(t, p))

	discover(t, p, "db-1", "db-2")
	late, ok := p.Resource("db-2")
	require.True(t, ok)
	assert.True(t, late.NewlyDiscovered)
	assert.Equal(t, StageInstallationComplete, mustStage(t, p))

	_, err = p.ConfirmTargets([]string{"db-2"}, nil, "alice", mustRules(t, ProviderGCP))
	require.NoError(t, err)
	assert.Equal(t, StageInstalling, mustStage(t, p))
	assert.Equal(t, LifecycleActive, lifecycles(p)["db-1"])
	assert.Equal(t, LifecycleInstalling, lifecycles(p)["db-2"])
}

func installAzure(t *testing.T, p *Project, selected []string, exclusions map[string]string) {
	t.Helper()

	verdict, err := p.ConfirmTargets(selected, exclusions, "alice", mustRules(t, ProviderAzure))
	require.NoError(t, err)
	require.True(t, verdict.ShouldAutoApprove)
	require.NoError(t, p.CompleteInstallation())
	require.NoError(t, p.RecordConnectionTest(true, ""))
	require.Equal(t, StageInstallationComplete, mustStage(t, p))
}

func TestProject_CompletedProjectNeedsLateArrivalForNewCycle(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAzure)
	discover(t, p, "db-1", "db-2")
	installAzure(t, p, []string{"db-1"}, map[string]string{"db-2": "legacy"})
	before := p.Clone()

	tests := []struct {
		name       string
		selected   []string
		exclusions map[string]string
	}{
		{name: "restated exclusion", exclusions: map[string]string{"db-2": "legacy"}},
		{name: "empty confirmation"},
		{name: "previously excluded resource selected", selected: []string{"db-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ConfirmTargets(tt.selected, tt.exclusions, "alice", mustRules(t, ProviderAzure))
			assert.Equal(t, CodeInvalidState, CodeOf(err))
			assert.Equal(t, before.Status(), p.Status())
			assert.Equal(t, before.Resources(), p.Resources())
			assert.Equal(t, StageInstallationComplete, mustStage(t, p))
		})
	}
}

func TestProject_LateArrivalCycleKeepsEarlierExclusions(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAzure)
	discover(t, p, "db-1", "db-2")
	installAzure(t, p, []string{"db-1"}, map[string]string{"db-2": "legacy"})
	excluded, ok := p.Resource("db-2")
	require.True(t, ok)
	require.NotNil(t, excluded.Exclusion)

	discover(t, p, "db-3")
	_, err := p.ConfirmTargets([]string{"db-3"}, nil, "alice", mustRules(t, ProviderAzure))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Status().Targets.SelectedCount)
	assert.Equal(t, 1, p.Status().Targets.ExcludedCount)

	kept, ok := p.Resource("db-2")
	require.True(t, ok)
	assert.Equal(t, excluded.Exclusion, kept.Exclusion)
	assert.Equal(t, map[string]LifecycleStatus{
		"db-1": LifecycleActive,
		"db-2": LifecycleDiscovered,
		"db-3": LifecycleInstalling,
	}, lifecycles(p))

	require.NoError(t, p.CompleteInstallation())
	require.NoError(t, p.RecordConnectionTest(true, ""))
	require.Equal(t, StageInstallationComplete, mustStage(t, p))

	_, err = p.ConfirmTargets(nil, nil, "alice", mustRules(t, ProviderAzure))
	assert.Equal(t, CodeInvalidState, CodeOf(err), "every late arrival was decided")
}

func TestProject_DiscoveryDuringApprovalStaysOutOfBatch(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAzure, WithStrictExclusions(false))
	discover(t, p, "db-1", "db-2")
	verdict, err := p.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderAzure))
	require.NoError(t, err)
	require.False(t, verdict.ShouldAutoApprove)
	require.Equal(t, StageWaitingApproval, mustStage(t, p))

	discover(t, p, "db-9")
	require.NoError(t, p.Approve("ok", "bob"))

	late, ok := p.Resource("db-9")
	require.True(t, ok)
	assert.Equal(t, LifecycleDiscovered, late.LifecycleStatus)
	assert.True(t, late.NewlyDiscovered)
	assert.False(t, late.IsSelected)
	assert.Equal(t, LifecycleInstalling, lifecycles(p)["db-1"])
	assert.Equal(t, 1, p.Status().Targets.SelectedCount)
}

func TestProject_ConfirmTargetsGuards(t *testing.T) {
	t.Parallel()

	empty := newTestProject(t, ProviderAzure)
	_, err := empty.ConfirmTargets(nil, nil, "alice", mustRules(t, ProviderAzure))
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	p := newTestProject(t, ProviderAzure)
	discover(t, p, "db-1")
	_, err = p.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderAzure))
	require.NoError(t, err)

	_, err = p.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderAzure))
	assert.Equal(t, CodeInvalidState, CodeOf(err), "targets are locked once approved")

	_, err = p.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderAWS))
	assert.Error(t, err)
}

func TestProject_DiscoveryModes(t *testing.T) {
	t.Parallel()

	idc := newTestProject(t, ProviderIDC)
	_, err := idc.RecordScan(ScanStatusCompleted, nil)
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	aws := newTestProject(t, ProviderAWS)
	_, err = aws.RegisterManualResources([]Resource{{ID: "x", Type: ResourceTypeRDS}})
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	_, err = aws.RecordScan("BOGUS", nil)
	assert.Equal(t, CodeInvalidArgument, CodeOf(err))

	added, err := aws.RecordScan(ScanStatusScanning, []Resource{{ID: "db-1", Type: ResourceTypeRDS}})
	require.NoError(t, err)
	assert.Equal(t, []string{"db-1"}, added)
	assert.Nil(t, aws.Status().Scan.LastScannedAt)
}

func TestProject_SDUPipeline(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderSDU)

	_, err := p.Stage()
	assert.ErrorIs(t, err, ErrDisjointPipeline)
	_, err = p.ConfirmTargets(nil, nil, "alice", mustRules(t, ProviderSDU))
	assert.ErrorIs(t, err, ErrDisjointPipeline)

	stage, err := p.SDUStage()
	require.NoError(t, err)
	assert.Equal(t, SDUStageS3UploadPending, stage)

	assert.Equal(t, CodeInvalidState, CodeOf(p.SyncSDUInstallation(SDUComponentCompleted, SDUComponentCompleted)))
	require.NoError(t, p.ConfirmSDUUpload("alice"))
	assert.Equal(t, CodeInvalidState, CodeOf(p.ConfirmSDUUpload("alice")))

	require.NoError(t, p.SyncSDUInstallation(SDUComponentInProgress, SDUComponentPending))
	stage, _ = p.SDUStage()
	assert.Equal(t, SDUStageInstalling, stage)

	require.NoError(t, p.SyncSDUInstallation(SDUComponentCompleted, SDUComponentCompleted))
	stage, _ = p.SDUStage()
	assert.Equal(t, SDUStageWaitingConnectionTest, stage)

	require.NoError(t, p.RecordConnectionTest(true, ""))
	stage, _ = p.SDUStage()
	assert.Equal(t, SDUStageInstallationComplete, stage)

	common := newTestProject(t, ProviderAzure)
	_, err = common.SDUStage()
	assert.Equal(t, CodeInvalidState, CodeOf(err))
}

func TestProject_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	p := newTestProject(t, ProviderAzure)
	discover(t, p, "db-1")
	c := p.Clone()

	_, err := c.ConfirmTargets([]string{"db-1"}, nil, "alice", mustRules(t, ProviderAzure))
	require.NoError(t, err)

	assert.Equal(t, StageWaitingTargetConfirmation, mustStage(t, p))
	assert.Equal(t, LifecycleDiscovered, lifecycles(p)["db-1"])
}
