package onboarding

import (
	"slices"
	"strings"
	"time"
)

// ConfirmTargetsInput describes a target confirmation request.
type ConfirmTargetsInput struct {
	SelectedIDs []string
	// Exclusions maps a resource ID to the reason it is left out.
	Exclusions map[string]string
	Actor      string
	Now        time.Time

	// Strict requires every non-ACTIVE resource to be either selected or
	// excluded with a reason, unless Exempt reports its type as exempt.
	Strict bool
	Exempt func(ResourceType) bool
}

// ConfirmTargetsResult is the updated resource collection along with the
// counts recorded on the project's targets sub-status.
type ConfirmTargetsResult struct {
	Resources     []Resource
	SelectedCount int
	ExcludedCount int
}

// ConfirmTargets applies a target selection to every non-ACTIVE resource.
// Unselected resources without a new reason keep any exclusion they already
// carry. Excluded resources are no longer newly discovered.
// The input slice is never modified; on error no partial result is returned.
func ConfirmTargets(resources []Resource, in ConfirmTargetsInput) (ConfirmTargetsResult, error) {
	known := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		known[r.ID] = struct{}{}
	}

	selected := make(map[string]struct{}, len(in.SelectedIDs))
	var unknown []string
	for _, id := range in.SelectedIDs {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		selected[id] = struct{}{}
	}

	var both []string
	for id := range in.Exclusions {
		if _, ok := known[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		if _, ok := selected[id]; ok {
			both = append(both, id)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return ConfirmTargetsResult{}, NotFoundError(ErrResourceNotFound, slices.Compact(unknown)...)
	}
	if len(both) > 0 {
		slices.Sort(both)
		return ConfirmTargetsResult{}, &Error{
			Code:        CodeInvalidArgument,
			Message:     "resources cannot be both selected and excluded",
			ResourceIDs: both,
		}
	}

	out := cloneResources(resources)
	var missing []string
	var res ConfirmTargetsResult
	for i := range out {
		r := &out[i]
		if r.IsActive() {
			continue
		}

		_, isSelected := selected[r.ID]
		reason := strings.TrimSpace(in.Exclusions[r.ID])

		r.IsSelected = isSelected
		r.RejectionNote = ""

		switch {
		case isSelected:
			r.LifecycleStatus = LifecyclePendingApproval
			r.Exclusion = nil
			res.SelectedCount++
		case reason != "":
			r.LifecycleStatus = LifecycleDiscovered
			r.Exclusion = &Exclusion{Reason: reason, ExcludedAt: in.Now, ExcludedBy: in.Actor}
			r.NewlyDiscovered = false
			res.ExcludedCount++
		case r.Exclusion != nil:
			// An exclusion recorded by an earlier confirmation still stands.
			r.LifecycleStatus = LifecycleDiscovered
			r.NewlyDiscovered = false
			res.ExcludedCount++
		default:
			r.LifecycleStatus = LifecycleDiscovered
			if in.Strict && (in.Exempt == nil || !in.Exempt(r.Type)) {
				missing = append(missing, r.ID)
			}
		}
	}

	if len(missing) > 0 {
		slices.Sort(missing)
		return ConfirmTargetsResult{}, &Error{
			Code:        CodeMissingExclusionReason,
			Message:     "unselected resources require an exclusion reason",
			ResourceIDs: missing,
		}
	}

	res.Resources = out
	return res, nil
}

// ApproveResources moves every PENDING_APPROVAL resource to INSTALLING and
// clears the newly-discovered marker on each of them. When nothing is pending
// and approval was already granted the call is a retry and is rejected.
func ApproveResources(resources []Resource, alreadyApproved bool) ([]Resource, int, error) {
	pending := 0
	for _, r := range resources {
		if r.LifecycleStatus == LifecyclePendingApproval {
			pending++
		}
	}
	if pending == 0 && alreadyApproved {
		return nil, 0, invalidState("no resources are pending approval and approval was already granted")
	}

	out := cloneResources(resources)
	for i := range out {
		if out[i].LifecycleStatus != LifecyclePendingApproval {
			continue
		}
		out[i].LifecycleStatus = LifecycleInstalling
		out[i].NewlyDiscovered = false
	}
	return out, pending, nil
}

// CompleteResourceInstallation moves every INSTALLING resource to READY_TO_TEST.
func CompleteResourceInstallation(resources []Resource) ([]Resource, int) {
	return transition(resources, LifecycleInstalling, LifecycleReadyToTest)
}

// ActivateResources moves every READY_TO_TEST resource to ACTIVE.
func ActivateResources(resources []Resource) ([]Resource, int) {
	return transition(resources, LifecycleReadyToTest, LifecycleActive)
}

// RejectResources returns every non-ACTIVE resource to DISCOVERED, deselects
// it and annotates it with the rejection reason. Exclusions are kept so the
// caller can resubmit the same decision.
func RejectResources(resources []Resource, reason string) []Resource {
	out := cloneResources(resources)
	for i := range out {
		r := &out[i]
		if r.IsActive() {
			continue
		}
		r.LifecycleStatus = LifecycleDiscovered
		r.IsSelected = false
		r.RejectionNote = reason
	}
	return out
}

// AppendDiscovered merges newly discovered resources into the collection.
// Known IDs are left untouched. Resources arriving after targets were
// confirmed are flagged so they must go through their own confirmation.
func AppendDiscovered(resources, discovered []Resource, targetsConfirmed bool, now time.Time) ([]Resource, []string, error) {
	known := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		known[r.ID] = struct{}{}
	}

	out := cloneResources(resources)
	var added []string
	for _, d := range discovered {
		if err := d.Validate(); err != nil {
			return nil, nil, &Error{Code: CodeInvalidArgument, Err: err}
		}
		if _, ok := known[d.ID]; ok {
			continue
		}
		known[d.ID] = struct{}{}

		r := NewDiscoveredResource(d.ID, d.Type, d.DatabaseType, now)
		if !d.DiscoveredAt.IsZero() {
			r.DiscoveredAt = d.DiscoveredAt
		}
		r.SelectedCredentialID = d.SelectedCredentialID
		r.NewlyDiscovered = targetsConfirmed
		out = append(out, r)
		added = append(added, r.ID)
	}
	return out, added, nil
}

func transition(resources []Resource, from, to LifecycleStatus) ([]Resource, int) {
	out := cloneResources(resources)
	n := 0
	for i := range out {
		if out[i].LifecycleStatus == from {
			out[i].LifecycleStatus = to
			n++
		}
	}
	return out, n
}
