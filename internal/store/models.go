package store

import (
	"encoding/json"
	"time"
)

// Identity is a host-supplied actor reference. It is recorded, never minted.
type Identity struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        string    `json:"role,omitempty"`
	UpdatedAt   time.Time `json:"-"`
}

type Comment struct {
	ID         string     `json:"id"`
	AssetID    string     `json:"asset_id"`
	Author     string     `json:"author"`
	Text       string     `json:"text"`
	Anchor     string     `json:"anchor,omitempty"`
	ParentID   *string    `json:"parent_id,omitempty"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type WorkflowStatus string

const (
	StatusDraft            WorkflowStatus = "DRAFT"
	StatusReviewRequested  WorkflowStatus = "REVIEW_REQUESTED"
	StatusInReview         WorkflowStatus = "IN_REVIEW"
	StatusChangesRequested WorkflowStatus = "CHANGES_REQUESTED"
	StatusApproved         WorkflowStatus = "APPROVED"
	StatusPublished        WorkflowStatus = "PUBLISHED"
	StatusRejected         WorkflowStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusApproved || s == StatusPublished || s == StatusRejected
}

type StepApproval struct {
	IdentityID string    `json:"identity_id"`
	Role       string    `json:"role,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

type WorkflowStep struct {
	Name               string         `json:"name"`
	RequiredRole       string         `json:"required_role,omitempty"`
	RequiredIdentities []string       `json:"required_identities,omitempty"`
	Approvals          []StepApproval `json:"approvals"`
}

// WorkflowEvent is one accepted advance call, kept on the instance.
type WorkflowEvent struct {
	Action     string         `json:"action"`
	IdentityID string         `json:"identity_id"`
	Comment    string         `json:"comment,omitempty"`
	Step       int            `json:"step"`
	From       WorkflowStatus `json:"from"`
	To         WorkflowStatus `json:"to"`
	At         time.Time      `json:"at"`
}

type WorkflowInstance struct {
	ID          string          `json:"id"`
	AssetID     string          `json:"asset_id"`
	CreatedBy   string          `json:"created_by"`
	Steps       []WorkflowStep  `json:"steps"`
	CurrentStep int             `json:"current_step"`
	Status      WorkflowStatus  `json:"status"`
	History     []WorkflowEvent `json:"history"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without sharing slices.
func (w WorkflowInstance) Clone() WorkflowInstance {
	out := w
	out.Steps = make([]WorkflowStep, len(w.Steps))
	for i, step := range w.Steps {
		step.RequiredIdentities = append([]string(nil), step.RequiredIdentities...)
		step.Approvals = append([]StepApproval(nil), step.Approvals...)
		out.Steps[i] = step
	}
	out.History = append([]WorkflowEvent(nil), w.History...)
	return out
}

// EditChange is a delta applied to one locked section.
type EditChange struct {
	ID         string          `json:"id"`
	AssetID    string          `json:"asset_id"`
	SectionID  string          `json:"section_id"`
	SessionID  string          `json:"session_id"`
	IdentityID string          `json:"identity_id"`
	Delta      json.RawMessage `json:"delta"`
	CreatedAt  time.Time       `json:"created_at"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	SectionID string    `json:"section_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
