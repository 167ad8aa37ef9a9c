package onboarding

import (
	"fmt"
	"slices"
)

// InstallModeBranch describes whether a provider splits installation into
// automatic and manual paths.
type InstallModeBranch string

const (
	InstallModeBranchNone            InstallModeBranch = "NONE"
	InstallModeBranchAutoManualSplit InstallModeBranch = "AUTO_MANUAL_SPLIT"
)

// DiscoveryMode describes how resources enter a project.
type DiscoveryMode string

const (
	// DiscoveryScan means resources are discovered by scanning the cloud account.
	DiscoveryScan DiscoveryMode = "SCAN"
	// DiscoveryManual means resources are entered by hand.
	DiscoveryManual DiscoveryMode = "MANUAL_ENTRY"
	// DiscoveryNone means the provider does not track individual resources.
	DiscoveryNone DiscoveryMode = "NONE"
)

// PipelineKind selects the stage vocabulary a provider runs through.
type PipelineKind string

const (
	PipelineCommon PipelineKind = "COMMON"
	PipelineSDU    PipelineKind = "SDU"
)

// ProviderRules is the per-provider shape of the onboarding pipeline.
type ProviderRules struct {
	Provider          Provider
	HasApprovalStage  bool
	InstallModeBranch InstallModeBranch
	Discovery         DiscoveryMode
	Pipeline          PipelineKind

	// ExemptResourceTypes never require an explicit selection decision for
	// auto-approval purposes.
	ExemptResourceTypes []ResourceType
}

// IsExempt reports whether resources of type t are exempt from review.
func (r ProviderRules) IsExempt(t ResourceType) bool {
	return slices.Contains(r.ExemptResourceTypes, t)
}

// RequiresInstallationMode reports whether a mode must be chosen before
// targets can be confirmed.
func (r ProviderRules) RequiresInstallationMode() bool {
	return r.InstallModeBranch == InstallModeBranchAutoManualSplit
}

// RulesFor returns the built-in rules for p. Providers missing from the
// switch are reported as ErrUnknownProvider; there is no default entry.
func RulesFor(p Provider) (ProviderRules, error) {
	switch p {
	case ProviderAWS:
		return ProviderRules{
			Provider:            ProviderAWS,
			HasApprovalStage:    true,
			InstallModeBranch:   InstallModeBranchAutoManualSplit,
			Discovery:           DiscoveryScan,
			Pipeline:            PipelineCommon,
			ExemptResourceTypes: []ResourceType{ResourceTypeEC2},
		}, nil
	case ProviderAzure:
		return ProviderRules{
			Provider:            ProviderAzure,
			HasApprovalStage:    true,
			InstallModeBranch:   InstallModeBranchNone,
			Discovery:           DiscoveryScan,
			Pipeline:            PipelineCommon,
			ExemptResourceTypes: []ResourceType{ResourceTypeAzureVM},
		}, nil
	case ProviderGCP:
		return ProviderRules{
			Provider:            ProviderGCP,
			HasApprovalStage:    false,
			InstallModeBranch:   InstallModeBranchNone,
			Discovery:           DiscoveryScan,
			Pipeline:            PipelineCommon,
			ExemptResourceTypes: []ResourceType{ResourceTypeGCEInstance},
		}, nil
	case ProviderIDC:
		return ProviderRules{
			Provider:          ProviderIDC,
			HasApprovalStage:  true,
			InstallModeBranch: InstallModeBranchNone,
			Discovery:         DiscoveryManual,
			Pipeline:          PipelineCommon,
		}, nil
	case ProviderSDU:
		return ProviderRules{
			Provider:          ProviderSDU,
			HasApprovalStage:  false,
			InstallModeBranch: InstallModeBranchNone,
			Discovery:         DiscoveryNone,
			Pipeline:          PipelineSDU,
		}, nil
	}
	return ProviderRules{}, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
}

// RuleBook resolves provider rules, applying configured exemption overrides
// on top of the built-in table. The approval, discovery and pipeline columns
// cannot be overridden.
type RuleBook struct {
	exemptions map[Provider][]ResourceType
}

// NewRuleBook validates the override keys and builds a RuleBook. A nil or
// empty override map yields the built-in rules.
func NewRuleBook(exemptions map[Provider][]ResourceType) (*RuleBook, error) {
	rb := &RuleBook{exemptions: make(map[Provider][]ResourceType, len(exemptions))}
	for p, types := range exemptions {
		rules, err := RulesFor(p)
		if err != nil {
			return nil, err
		}
		if rules.Pipeline != PipelineCommon {
			return nil, fmt.Errorf("provider %s does not track resources; exemptions are not applicable", p)
		}
		rb.exemptions[p] = slices.Clone(types)
	}
	return rb, nil
}

// DefaultRuleBook returns a RuleBook with no overrides.
func DefaultRuleBook() *RuleBook { return &RuleBook{exemptions: map[Provider][]ResourceType{}} }

// Rules returns the effective rules for p.
func (rb *RuleBook) Rules(p Provider) (ProviderRules, error) {
	rules, err := RulesFor(p)
	if err != nil {
		return ProviderRules{}, err
	}
	if rb == nil {
		return rules, nil
	}
	if override, ok := rb.exemptions[p]; ok {
		rules.ExemptResourceTypes = slices.Clone(override)
	}
	return rules, nil
}
