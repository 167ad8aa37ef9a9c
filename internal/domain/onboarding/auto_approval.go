package onboarding

import "slices"

// ApprovalReason explains an auto-approval verdict.
type ApprovalReason string

const (
	ReasonAutoApproved           ApprovalReason = "AUTO_APPROVED"
	ReasonNonExcludedNotSelected ApprovalReason = "NON_EXCLUDED_NOT_SELECTED"
	// ReasonApprovalNotRequired is reported for providers without an approval stage.
	ReasonApprovalNotRequired ApprovalReason = "APPROVAL_NOT_REQUIRED"
)

// AutoApprovalVerdict is the outcome of evaluating a confirmed target set.
type AutoApprovalVerdict struct {
	ShouldAutoApprove bool
	Reason            ApprovalReason

	// Undecided lists the resources a reviewer still has to look at.
	Undecided []string
}

// EvaluateAutoApproval decides whether a target set can bypass human
// approval. A reviewer is only needed when some resource is neither
// selected, excluded, exempt for the provider, nor already ACTIVE.
func EvaluateAutoApproval(resources []Resource, selectedIDs []string, rules ProviderRules) AutoApprovalVerdict {
	selected := make(map[string]struct{}, len(selectedIDs))
	for _, id := range selectedIDs {
		selected[id] = struct{}{}
	}

	var undecided []string
	for _, r := range resources {
		if r.IsActive() {
			continue
		}
		if _, ok := selected[r.ID]; ok {
			continue
		}
		if r.Exclusion != nil {
			continue
		}
		if rules.IsExempt(r.Type) {
			continue
		}
		undecided = append(undecided, r.ID)
	}

	if len(undecided) > 0 {
		slices.Sort(undecided)
		return AutoApprovalVerdict{Reason: ReasonNonExcludedNotSelected, Undecided: undecided}
	}
	return AutoApprovalVerdict{ShouldAutoApprove: true, Reason: ReasonAutoApproved}
}
