// Package onboarding provides the domain model for onboarding a scanning
// agent into a customer's cloud environment: the project status aggregate,
// per-resource lifecycle, pipeline stage derivation, the auto-approval policy
// and the provider variant rules that tie them together.
package onboarding

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project is the onboarding aggregate: one project status plus the resources
// it owns. Every action either applies completely or leaves the project
// untouched.
type Project struct {
	id               uuid.UUID
	name             string
	provider         Provider
	installationMode InstallationMode
	strictExclusions bool

	status    ProjectStatus
	sdu       *SDUStatus
	resources []Resource

	version   int64
	createdAt time.Time
	updatedAt time.Time

	timeProvider TimeProvider
}

// ProjectOption configures a Project at creation or reconstruction time.
type ProjectOption func(*Project)

// WithTimeProvider overrides the clock used to stamp transitions.
func WithTimeProvider(tp TimeProvider) ProjectOption {
	return func(p *Project) { p.timeProvider = tp }
}

// WithStrictExclusions controls whether target confirmation requires every
// unselected resource to carry an exclusion reason. Projects are strict
// unless told otherwise.
func WithStrictExclusions(strict bool) ProjectOption {
	return func(p *Project) { p.strictExclusions = strict }
}

// WithCompletionConfirmation gates INSTALLATION_COMPLETE behind an explicit
// administrator confirmation once the connection test passes.
func WithCompletionConfirmation(required bool) ProjectOption {
	return func(p *Project) { p.status.Completion.ConfirmationRequired = required }
}

// WithInstallationMode fixes the installation mode at creation.
func WithInstallationMode(mode InstallationMode) ProjectOption {
	return func(p *Project) { p.installationMode = mode }
}

// NewProject creates a project in its initial state.
func NewProject(id uuid.UUID, name string, provider Provider, opts ...ProjectOption) (*Project, error) {
	rules, err := RulesFor(provider)
	if err != nil {
		return nil, &Error{Code: CodeInvalidArgument, Err: err}
	}
	if strings.TrimSpace(name) == "" {
		return nil, &Error{Code: CodeInvalidArgument, Message: "project name is required"}
	}

	p := &Project{
		id:               id,
		name:             strings.TrimSpace(name),
		provider:         provider,
		strictExclusions: true,
		status:           NewProjectStatus(false),
		timeProvider:     realTimeProvider{},
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.installationMode != "" && !rules.RequiresInstallationMode() {
		return nil, &Error{
			Code:    CodeInvalidArgument,
			Message: fmt.Sprintf("provider %s does not support installation modes", provider),
		}
	}
	if rules.Pipeline == PipelineSDU {
		sdu := NewSDUStatus()
		p.sdu = &sdu
	}

	now := p.timeProvider.Now()
	p.createdAt = now
	p.updatedAt = now
	return p, nil
}

// ReconstructProject creates a Project from stored fields, bypassing creation
// invariants. This should only be used by repositories.
func ReconstructProject(
	id uuid.UUID,
	name string,
	provider Provider,
	mode InstallationMode,
	strictExclusions bool,
	status ProjectStatus,
	sdu *SDUStatus,
	resources []Resource,
	version int64,
	createdAt, updatedAt time.Time,
	opts ...ProjectOption,
) *Project {
	p := &Project{
		id:               id,
		name:             name,
		provider:         provider,
		installationMode: mode,
		strictExclusions: strictExclusions,
		status:           status,
		resources:        cloneResources(resources),
		version:          version,
		createdAt:        createdAt,
		updatedAt:        updatedAt,
		timeProvider:     realTimeProvider{},
	}
	if sdu != nil {
		s := *sdu
		p.sdu = &s
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Project) ID() uuid.UUID                      { return p.id }
func (p *Project) Name() string                       { return p.name }
func (p *Project) Provider() Provider                 { return p.provider }
func (p *Project) InstallationMode() InstallationMode { return p.installationMode }
func (p *Project) StrictExclusions() bool             { return p.strictExclusions }
func (p *Project) Status() ProjectStatus              { return p.status }
func (p *Project) Version() int64                     { return p.version }
func (p *Project) CreatedAt() time.Time               { return p.createdAt }
func (p *Project) UpdatedAt() time.Time               { return p.updatedAt }

// Resources returns a copy of the project's resources.
func (p *Project) Resources() []Resource { return cloneResources(p.resources) }

// SDUStatus returns the SDU status for SDU projects.
func (p *Project) SDUStatus() (SDUStatus, bool) {
	if p.sdu == nil {
		return SDUStatus{}, false
	}
	return *p.sdu, true
}

// Resource looks up a single resource by ID.
func (p *Project) Resource(id string) (Resource, bool) {
	for _, r := range p.resources {
		if r.ID == id {
			return r.clone(), true
		}
	}
	return Resource{}, false
}

// SetVersion records the version assigned by the repository after a
// successful commit.
func (p *Project) SetVersion(v int64) { p.version = v }

// SetTimeProvider replaces the clock used to stamp transitions.
func (p *Project) SetTimeProvider(tp TimeProvider) { p.timeProvider = tp }

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	c := *p
	c.resources = cloneResources(p.resources)
	if p.sdu != nil {
		s := *p.sdu
		c.sdu = &s
	}
	return &c
}

// Stage returns the current pipeline stage of a common-pipeline project.
func (p *Project) Stage() (PipelineStage, error) {
	return CalculateStage(p.status, p.provider)
}

// SDUStage returns the current stage of an SDU project.
func (p *Project) SDUStage() (SDUStage, error) {
	if p.sdu == nil {
		return SDUStageUnknown, invalidState("provider %s does not run the SDU pipeline", p.provider)
	}
	return CalculateSDUStage(*p.sdu), nil
}

func (p *Project) commonRules() (ProviderRules, error) {
	rules, err := RulesFor(p.provider)
	if err != nil {
		return ProviderRules{}, &Error{Code: CodeInvalidArgument, Err: err}
	}
	if rules.Pipeline != PipelineCommon {
		return ProviderRules{}, &Error{
			Code: CodeInvalidState,
			Err:  fmt.Errorf("%w: %s", ErrDisjointPipeline, p.provider),
		}
	}
	return rules, nil
}

func (p *Project) touch(now time.Time) { p.updatedAt = now }

// SetInstallationMode chooses the installation mode once. Changing it later
// is rejected.
func (p *Project) SetInstallationMode(mode InstallationMode) error {
	rules, err := p.commonRules()
	if err != nil {
		return err
	}
	if !rules.RequiresInstallationMode() {
		return invalidState("provider %s does not support installation modes", p.provider)
	}
	if mode != InstallationModeAuto && mode != InstallationModeManual {
		return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf("unknown installation mode %q", mode)}
	}
	if p.installationMode != "" {
		if p.installationMode == mode {
			return nil
		}
		return invalidState("installation mode already set to %s", p.installationMode)
	}
	p.installationMode = mode
	p.touch(p.timeProvider.Now())
	return nil
}

// RecordScan records the outcome of a discovery scan and merges any resources
// it found. It returns the IDs of resources that were not known before.
func (p *Project) RecordScan(status ScanStatus, discovered []Resource) ([]string, error) {
	rules, err := p.commonRules()
	if err != nil {
		return nil, err
	}
	if rules.Discovery != DiscoveryScan {
		return nil, invalidState("provider %s does not discover resources by scanning", p.provider)
	}
	switch status {
	case ScanStatusScanning, ScanStatusCompleted, ScanStatusFailed:
	default:
		return nil, &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf("unknown scan status %q", status)}
	}

	now := p.timeProvider.Now()
	resources, added, err := AppendDiscovered(p.resources, discovered, p.status.Targets.Confirmed, now)
	if err != nil {
		return nil, err
	}

	p.resources = resources
	p.status.Scan.Status = status
	if status == ScanStatusCompleted {
		p.status.Scan.LastScannedAt = timePtr(now)
	}
	p.touch(now)
	return added, nil
}

// RegisterManualResources adds customer-declared resources for providers
// that cannot be scanned.
func (p *Project) RegisterManualResources(declared []Resource) ([]string, error) {
	rules, err := p.commonRules()
	if err != nil {
		return nil, err
	}
	if rules.Discovery != DiscoveryManual {
		return nil, invalidState("provider %s discovers resources by scanning", p.provider)
	}

	now := p.timeProvider.Now()
	resources, added, err := AppendDiscovered(p.resources, declared, p.status.Targets.Confirmed, now)
	if err != nil {
		return nil, err
	}
	p.resources = resources
	p.touch(now)
	return added, nil
}

// ConfirmTargets fixes which resources are in scope for the current cycle and
// decides whether the human approval gate can be skipped.
//
// Confirmation is accepted while waiting for confirmation, while waiting for
// approval (replacing the pending selection), and after installation
// completed when a resource discovered late is still undecided, which starts
// a new cycle for it.
func (p *Project) ConfirmTargets(selectedIDs []string, exclusions map[string]string, actor string, rules ProviderRules) (AutoApprovalVerdict, error) {
	if _, err := p.commonRules(); err != nil {
		return AutoApprovalVerdict{}, err
	}
	if rules.Provider != p.provider {
		return AutoApprovalVerdict{}, fmt.Errorf("rules for %s applied to %s project", rules.Provider, p.provider)
	}
	if rules.RequiresInstallationMode() && p.installationMode == "" {
		return AutoApprovalVerdict{}, invalidState("installation mode must be chosen before confirming targets")
	}

	stage := calculateStage(p.status, rules.HasApprovalStage)
	switch stage {
	case StageWaitingTargetConfirmation, StageWaitingApproval, StageInstallationComplete:
	default:
		return AutoApprovalVerdict{}, invalidState("cannot confirm targets at stage %s", stage)
	}

	if !slices.ContainsFunc(p.resources, func(r Resource) bool { return !r.IsActive() }) {
		return AutoApprovalVerdict{}, invalidState("no resources awaiting confirmation")
	}
	if stage == StageInstallationComplete && !slices.ContainsFunc(p.resources, Resource.awaitsNewCycle) {
		return AutoApprovalVerdict{}, invalidState("no newly discovered resources to start a new cycle")
	}

	now := p.timeProvider.Now()
	res, err := ConfirmTargets(p.resources, ConfirmTargetsInput{
		SelectedIDs: selectedIDs,
		Exclusions:  exclusions,
		Actor:       actor,
		Now:         now,
		Strict:      p.strictExclusions,
		Exempt:      rules.IsExempt,
	})
	if err != nil {
		return AutoApprovalVerdict{}, err
	}

	status := p.status
	status.resetDownstream()
	status.Targets = TargetsState{
		Confirmed:     true,
		SelectedCount: res.SelectedCount,
		ExcludedCount: res.ExcludedCount,
		ConfirmedAt:   timePtr(now),
	}

	resources := res.Resources
	verdict := AutoApprovalVerdict{ShouldAutoApprove: true, Reason: ReasonApprovalNotRequired}
	if rules.HasApprovalStage {
		verdict = EvaluateAutoApproval(resources, selectedIDs, rules)
	}

	if verdict.ShouldAutoApprove {
		approved, _, err := ApproveResources(resources, false)
		if err != nil {
			return AutoApprovalVerdict{}, err
		}
		resources = approved
		status.Approval = ApprovalState{
			Status:       ApprovalApproved,
			AutoApproved: true,
			ApprovedAt:   timePtr(now),
			DecidedBy:    actor,
		}
	}

	p.resources = resources
	p.status = status
	p.touch(now)
	return verdict, nil
}

func (p *Project) requirePendingApproval(action string) error {
	rules, err := p.commonRules()
	if err != nil {
		return err
	}
	if !rules.HasApprovalStage {
		return invalidState("provider %s has no approval stage", p.provider)
	}
	stage := calculateStage(p.status, true)
	if stage != StageWaitingApproval || p.status.Approval.Status != ApprovalPending {
		return invalidState("cannot %s at stage %s", action, stage)
	}
	return nil
}

// Approve grants the pending approval and moves approved resources into
// installation. A repeated call is rejected rather than re-applied.
func (p *Project) Approve(comment, actor string) error {
	if err := p.requirePendingApproval("approve"); err != nil {
		return err
	}

	resources, _, err := ApproveResources(p.resources, false)
	if err != nil {
		return err
	}

	now := p.timeProvider.Now()
	p.resources = resources
	p.status.Approval = ApprovalState{
		Status:     ApprovalApproved,
		ApprovedAt: timePtr(now),
		Comment:    strings.TrimSpace(comment),
		DecidedBy:  actor,
	}
	p.touch(now)
	return nil
}

// Reject turns down the pending approval. Every non-ACTIVE resource returns
// to DISCOVERED and the targets must be confirmed again.
func (p *Project) Reject(reason, actor string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &Error{Code: CodeInvalidArgument, Message: "rejection reason is required"}
	}
	if err := p.requirePendingApproval("reject"); err != nil {
		return err
	}

	now := p.timeProvider.Now()
	p.resources = RejectResources(p.resources, reason)
	p.status.Approval = ApprovalState{
		Status:          ApprovalRejected,
		RejectedAt:      timePtr(now),
		RejectionReason: reason,
		DecidedBy:       actor,
	}
	p.status.Targets.Confirmed = false
	p.status.Targets.ConfirmedAt = nil
	p.touch(now)
	return nil
}

// SnapshotSource identifies who reported an installation snapshot.
type SnapshotSource string

const (
	// SourceAutomation is the provisioning automation.
	SourceAutomation SnapshotSource = "AUTOMATION"
	// SourceOperator is a human operator reporting a manual installation.
	SourceOperator SnapshotSource = "OPERATOR"
)

// InstallationSnapshot is a normalized installation report, translated by
// the caller from provider-specific status shapes.
type InstallationSnapshot struct {
	Status InstallationStatus
	Source SnapshotSource
}

// SyncInstallation reconciles the installation sub-status with an external
// snapshot. It reports whether anything changed. Snapshots never move the
// installation backwards and duplicates are ignored.
func (p *Project) SyncInstallation(snap InstallationSnapshot) (bool, error) {
	rules, err := p.commonRules()
	if err != nil {
		return false, err
	}

	if rules.RequiresInstallationMode() {
		want := SourceAutomation
		if p.installationMode == InstallationModeManual {
			want = SourceOperator
		}
		if snap.Source != want {
			return false, invalidState("%s installation only accepts %s reports", p.installationMode, want)
		}
	}

	stage := calculateStage(p.status, rules.HasApprovalStage)
	if stage.Before(StageApplyingApproved) {
		return false, invalidState("installation has not been approved (stage %s)", stage)
	}

	current := p.status.Installation.Status
	switch snap.Status {
	case InstallationPending:
		return false, nil
	case InstallationInProgress:
		if current != InstallationPending {
			return false, nil
		}
		now := p.timeProvider.Now()
		p.status.Installation.Status = InstallationInProgress
		p.status.Installation.StartedAt = timePtr(now)
		p.touch(now)
		return true, nil
	case InstallationCompleted:
		if current == InstallationCompleted {
			return false, nil
		}
		return true, p.CompleteInstallation()
	default:
		return false, &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf("unknown installation status %q", snap.Status)}
	}
}

// CompleteInstallation records that provisioning finished and moves
// INSTALLING resources to READY_TO_TEST.
func (p *Project) CompleteInstallation() error {
	rules, err := p.commonRules()
	if err != nil {
		return err
	}
	stage := calculateStage(p.status, rules.HasApprovalStage)
	if stage != StageApplyingApproved && stage != StageInstalling {
		return invalidState("cannot complete installation at stage %s", stage)
	}

	now := p.timeProvider.Now()
	resources, _ := CompleteResourceInstallation(p.resources)
	p.resources = resources
	if p.status.Installation.StartedAt == nil {
		p.status.Installation.StartedAt = timePtr(now)
	}
	p.status.Installation.Status = InstallationCompleted
	p.status.Installation.CompletedAt = timePtr(now)
	p.touch(now)
	return nil
}

// RecordConnectionTest stores the outcome of an agent connectivity test. When
// the test passes and no completion confirmation is required the tested
// resources become ACTIVE.
func (p *Project) RecordConnectionTest(passed bool, failureReason string) error {
	if p.sdu != nil {
		return p.recordSDUConnectionTest(passed, failureReason)
	}

	rules, err := p.commonRules()
	if err != nil {
		return err
	}
	stage := calculateStage(p.status, rules.HasApprovalStage)
	if stage != StageWaitingConnectionTest {
		return invalidState("cannot record a connection test at stage %s", stage)
	}

	now := p.timeProvider.Now()
	status := p.status
	status.ConnectionTest = applyConnectionTest(status.ConnectionTest, passed, failureReason, now)

	resources := p.resources
	if calculateStage(status, rules.HasApprovalStage) == StageInstallationComplete {
		resources, _ = ActivateResources(resources)
	}

	p.resources = resources
	p.status = status
	p.touch(now)
	return nil
}

// ConfirmCompletion is the administrator confirmation that moves a project
// from CONNECTION_VERIFIED to INSTALLATION_COMPLETE.
func (p *Project) ConfirmCompletion(actor string) error {
	rules, err := p.commonRules()
	if err != nil {
		return err
	}
	stage := calculateStage(p.status, rules.HasApprovalStage)
	if stage != StageConnectionVerified {
		return invalidState("cannot confirm completion at stage %s", stage)
	}

	now := p.timeProvider.Now()
	resources, _ := ActivateResources(p.resources)
	p.resources = resources
	p.status.Completion.ConfirmedAt = timePtr(now)
	p.status.Completion.ConfirmedBy = actor
	p.touch(now)
	return nil
}

func applyConnectionTest(s ConnectionTestState, passed bool, failureReason string, now time.Time) ConnectionTestState {
	s.LastTestedAt = timePtr(now)
	if passed {
		s.Status = ConnectionPassed
		s.PassedAt = timePtr(now)
		s.FailureReason = ""
		return s
	}
	s.Status = ConnectionFailed
	s.FailureReason = strings.TrimSpace(failureReason)
	return s
}

// ConfirmSDUUpload records that the customer finished uploading data.
func (p *Project) ConfirmSDUUpload(actor string) error {
	stage, err := p.SDUStage()
	if err != nil {
		return err
	}
	if stage != SDUStageS3UploadPending {
		return invalidState("cannot confirm upload at SDU stage %s", stage)
	}
	now := p.timeProvider.Now()
	p.sdu.S3Upload.Status = S3UploadConfirmed
	p.sdu.S3Upload.ConfirmedAt = timePtr(now)
	p.sdu.S3Upload.ConfirmedBy = actor
	p.touch(now)
	return nil
}

// SyncSDUInstallation reconciles the crawler and table provisioning status.
func (p *Project) SyncSDUInstallation(crawler, athenaTable SDUComponentStatus) error {
	stage, err := p.SDUStage()
	if err != nil {
		return err
	}
	if stage.Before(SDUStageS3UploadConfirmed) {
		return invalidState("cannot sync installation at SDU stage %s", stage)
	}
	if stage.AtLeast(SDUStageWaitingConnectionTest) {
		return nil
	}
	for _, s := range []SDUComponentStatus{crawler, athenaTable} {
		switch s {
		case SDUComponentPending, SDUComponentInProgress, SDUComponentCompleted, SDUComponentFailed:
		default:
			return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf("unknown component status %q", s)}
		}
	}
	p.sdu.Crawler = crawler
	p.sdu.AthenaTable = athenaTable
	p.touch(p.timeProvider.Now())
	return nil
}

func (p *Project) recordSDUConnectionTest(passed bool, failureReason string) error {
	stage := CalculateSDUStage(*p.sdu)
	if stage != SDUStageWaitingConnectionTest {
		return invalidState("cannot record a connection test at SDU stage %s", stage)
	}
	now := p.timeProvider.Now()
	p.sdu.ConnectionTest = applyConnectionTest(p.sdu.ConnectionTest, passed, failureReason, now)
	p.touch(now)
	return nil
}
