package workflow

import (
	"fmt"
	"time"

	"montage/api/internal/domain"
	"montage/api/internal/store"
)

type Action string

const (
	ActionSubmit         Action = "submit"
	ActionBeginReview    Action = "begin_review"
	ActionApprove        Action = "approve"
	ActionRequestChanges Action = "request_changes"
	ActionResubmit       Action = "resubmit"
	ActionReject         Action = "reject"
	ActionPublish        Action = "publish"
)

// Actor is the identity and role supplied by the host for an advance call.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// collecting lists the statuses in which the current step accepts reviews.
var collecting = map[store.WorkflowStatus]bool{
	store.StatusDraft:           true,
	store.StatusReviewRequested: true,
	store.StatusInReview:        true,
}

// apply computes the next state of w for action. w is modified in place and
// changed is false when the call was accepted but had no effect.
func apply(w *store.WorkflowInstance, actor Actor, action Action, comment string, now time.Time) (changed bool, err error) {
	if w.Status.Terminal() && !(w.Status == store.StatusApproved && action == ActionPublish) {
		return false, domain.Validation("workflow is terminal")
	}

	from := w.Status
	step := w.CurrentStep
	switch action {
	case ActionSubmit:
		if w.Status != store.StatusDraft {
			return false, invalidFrom(action, w.Status)
		}
		if actor.ID != w.CreatedBy {
			return false, domain.Permission("only the workflow creator may submit")
		}
		w.Status = store.StatusReviewRequested

	case ActionBeginReview:
		if w.Status != store.StatusReviewRequested {
			return false, invalidFrom(action, w.Status)
		}
		if !authorized(w.Steps[w.CurrentStep], actor) {
			return false, notAuthorized(w)
		}
		w.Status = store.StatusInReview

	case ActionApprove:
		if !collecting[w.Status] {
			return false, invalidFrom(action, w.Status)
		}
		current := &w.Steps[w.CurrentStep]
		if !authorized(*current, actor) {
			return false, notAuthorized(w)
		}
		if hasApproved(*current, actor.ID) {
			return false, nil
		}
		current.Approvals = append(current.Approvals, store.StepApproval{IdentityID: actor.ID, Role: actor.Role, ApprovedAt: now})
		w.Status = store.StatusInReview
		if complete(*current) {
			w.CurrentStep++
			if w.CurrentStep == len(w.Steps) {
				w.Status = store.StatusApproved
			}
		}

	case ActionRequestChanges:
		if !collecting[w.Status] {
			return false, invalidFrom(action, w.Status)
		}
		if !authorized(w.Steps[w.CurrentStep], actor) {
			return false, notAuthorized(w)
		}
		w.Status = store.StatusChangesRequested

	case ActionResubmit:
		if w.Status != store.StatusChangesRequested {
			return false, invalidFrom(action, w.Status)
		}
		if actor.ID != w.CreatedBy {
			return false, domain.Permission("only the workflow creator may resubmit")
		}
		w.Steps[w.CurrentStep].Approvals = []store.StepApproval{}
		w.Status = store.StatusInReview

	case ActionReject:
		if !authorized(w.Steps[w.CurrentStep], actor) {
			return false, notAuthorized(w)
		}
		w.Status = store.StatusRejected

	case ActionPublish:
		if w.Status != store.StatusApproved {
			return false, invalidFrom(action, w.Status)
		}
		last := w.Steps[len(w.Steps)-1]
		if actor.ID != w.CreatedBy && !authorized(last, actor) {
			return false, domain.Permission("identity is not authorized to publish")
		}
		w.Status = store.StatusPublished

	default:
		return false, domain.Validationf("unknown workflow action %q", action)
	}

	w.History = append(w.History, store.WorkflowEvent{
		Action:     string(action),
		IdentityID: actor.ID,
		Comment:    comment,
		Step:       step,
		From:       from,
		To:         w.Status,
		At:         now,
	})
	return true, nil
}

func authorized(step store.WorkflowStep, actor Actor) bool {
	if step.RequiredRole != "" && actor.Role == step.RequiredRole {
		return true
	}
	for _, id := range step.RequiredIdentities {
		if id == actor.ID {
			return true
		}
	}
	return false
}

func hasApproved(step store.WorkflowStep, identityID string) bool {
	for _, approval := range step.Approvals {
		if approval.IdentityID == identityID {
			return true
		}
	}
	return false
}

// complete reports whether every required identity approved and, when a role
// is required, at least one holder of that role approved.
func complete(step store.WorkflowStep) bool {
	for _, id := range step.RequiredIdentities {
		if !hasApproved(step, id) {
			return false
		}
	}
	if step.RequiredRole == "" {
		return true
	}
	for _, approval := range step.Approvals {
		if approval.Role == step.RequiredRole {
			return true
		}
	}
	return false
}

func invalidFrom(action Action, status store.WorkflowStatus) error {
	return domain.Validationf("cannot %s a workflow in status %s", action, status)
}

func notAuthorized(w *store.WorkflowInstance) error {
	return domain.Permission(fmt.Sprintf("identity is not authorized for step %q", w.Steps[w.CurrentStep].Name))
}
