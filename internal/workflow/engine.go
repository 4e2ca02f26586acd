// Package workflow drives the ordered multi-step approval state machine of
// an asset.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"montage/api/internal/broker"
	"montage/api/internal/domain"
	"montage/api/internal/serial"
	"montage/api/internal/store"
	"montage/api/internal/util"
)

const archiveTimeout = 30 * time.Second

type StepInput struct {
	Name               string   `json:"name"`
	RequiredRole       string   `json:"required_role"`
	RequiredIdentities []string `json:"required_identities"`
}

type AdvanceInput struct {
	WorkflowID string
	Actor      Actor
	Action     Action
	Comment    string
}

type workflowStore interface {
	InsertWorkflow(context.Context, store.WorkflowInstance) error
	UpdateWorkflow(context.Context, store.WorkflowInstance) error
	GetWorkflow(context.Context, string) (store.WorkflowInstance, error)
	ListWorkflows(context.Context, string) ([]store.WorkflowInstance, error)
}

type publisher interface {
	Publish(assetID string, ev broker.Event, exclude ...string) broker.Event
}

// Archiver receives workflows that reached PUBLISHED.
type Archiver interface {
	Archive(ctx context.Context, instance store.WorkflowInstance) error
}

type Engine struct {
	store    workflowStore
	broker   publisher
	archiver Archiver
	domains  *serial.Domains
	logger   *slog.Logger
	now      func() time.Time

	archiving sync.WaitGroup
}

func NewEngine(workflows workflowStore, events publisher, archiver Archiver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    workflows,
		broker:   events,
		archiver: archiver,
		domains:  serial.New(),
		logger:   logger,
		now:      time.Now,
	}
}

// Create starts a workflow at DRAFT with step 0 current.
func (e *Engine) Create(ctx context.Context, assetID, creator string, steps []StepInput) (store.WorkflowInstance, error) {
	assetID = strings.TrimSpace(assetID)
	creator = strings.TrimSpace(creator)
	if assetID == "" {
		return store.WorkflowInstance{}, domain.Validation("asset_id is required")
	}
	if creator == "" {
		return store.WorkflowInstance{}, domain.Validation("creator is required")
	}
	normalized, err := normalizeSteps(steps)
	if err != nil {
		return store.WorkflowInstance{}, err
	}

	now := e.now().UTC()
	instance := store.WorkflowInstance{
		ID:          util.NewID("wf"),
		AssetID:     assetID,
		CreatedBy:   creator,
		Steps:       normalized,
		CurrentStep: 0,
		Status:      store.StatusDraft,
		History:     []store.WorkflowEvent{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	release := e.domains.Lock(assetID)
	defer release()
	if err := e.store.InsertWorkflow(ctx, instance); err != nil {
		return store.WorkflowInstance{}, domain.Storage(err)
	}
	e.broker.Publish(assetID, broker.Event{
		Kind:     broker.KindWorkflowCreated,
		Identity: creator,
		Body:     instance,
	})
	e.logger.InfoContext(ctx, "workflow created", "workflow_id", instance.ID, "asset_id", assetID, "steps", len(normalized))
	return instance, nil
}

// Advance applies action for the actor. The read-modify-write runs inside the
// asset domain and is guarded by the stored version across processes.
func (e *Engine) Advance(ctx context.Context, input AdvanceInput) (store.WorkflowInstance, error) {
	if strings.TrimSpace(input.Actor.ID) == "" {
		return store.WorkflowInstance{}, domain.Validation("identity is required")
	}
	current, err := e.Get(ctx, input.WorkflowID)
	if err != nil {
		return store.WorkflowInstance{}, err
	}

	release := e.domains.Lock(current.AssetID)
	defer release()

	current, err = e.Get(ctx, input.WorkflowID)
	if err != nil {
		return store.WorkflowInstance{}, err
	}
	next := current.Clone()
	now := e.now().UTC()
	changed, err := apply(&next, input.Actor, input.Action, strings.TrimSpace(input.Comment), now)
	if err != nil {
		return store.WorkflowInstance{}, err
	}
	if !changed {
		return current, nil
	}

	next.Version = current.Version + 1
	next.UpdatedAt = now
	if err := e.store.UpdateWorkflow(ctx, next); err != nil {
		if errors.Is(err, store.ErrStaleWrite) {
			return store.WorkflowInstance{}, domain.StaleWrite("workflow", next.ID)
		}
		return store.WorkflowInstance{}, domain.Storage(err)
	}

	e.broker.Publish(next.AssetID, broker.Event{
		Kind:     broker.KindWorkflowUpdated,
		Identity: input.Actor.ID,
		Body: map[string]any{
			"action":   input.Action,
			"workflow": next,
		},
	})
	e.logger.InfoContext(ctx, "workflow advanced",
		"workflow_id", next.ID,
		"action", string(input.Action),
		"status", string(next.Status),
		"current_step", next.CurrentStep,
	)
	if next.Status == store.StatusPublished && current.Status != store.StatusPublished {
		e.archive(next)
	}
	return next, nil
}

func (e *Engine) Get(ctx context.Context, workflowID string) (store.WorkflowInstance, error) {
	instance, err := e.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.WorkflowInstance{}, domain.NotFound("workflow", workflowID)
	}
	if err != nil {
		return store.WorkflowInstance{}, domain.Storage(err)
	}
	return instance, nil
}

func (e *Engine) List(ctx context.Context, assetID string) ([]store.WorkflowInstance, error) {
	if strings.TrimSpace(assetID) == "" {
		return nil, domain.Validation("asset_id is required")
	}
	items, err := e.store.ListWorkflows(ctx, assetID)
	if err != nil {
		return nil, domain.Storage(err)
	}
	return items, nil
}

// Drain waits for in-flight archive uploads.
func (e *Engine) Drain() {
	e.archiving.Wait()
}

func (e *Engine) archive(instance store.WorkflowInstance) {
	if e.archiver == nil {
		return
	}
	e.archiving.Add(1)
	go func() {
		defer e.archiving.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := e.archiver.Archive(ctx, instance); err != nil {
			e.logger.Error("archive published workflow", "workflow_id", instance.ID, "error", err)
		}
	}()
}

func normalizeSteps(steps []StepInput) ([]store.WorkflowStep, error) {
	if len(steps) == 0 {
		return nil, domain.Validation("at least one step is required")
	}
	names := make(map[string]struct{}, len(steps))
	out := make([]store.WorkflowStep, 0, len(steps))
	for i, step := range steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return nil, domain.Validationf("step %d needs a name", i)
		}
		if _, dup := names[name]; dup {
			return nil, domain.Validationf("duplicate step name %q", name)
		}
		names[name] = struct{}{}

		identities := make([]string, 0, len(step.RequiredIdentities))
		seen := make(map[string]struct{}, len(step.RequiredIdentities))
		for _, id := range step.RequiredIdentities {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			identities = append(identities, id)
		}
		role := strings.TrimSpace(step.RequiredRole)
		if role == "" && len(identities) == 0 {
			return nil, domain.Validationf("step %q requires a role or identities", name)
		}
		out = append(out, store.WorkflowStep{
			Name:               name,
			RequiredRole:       role,
			RequiredIdentities: identities,
			Approvals:          []store.StepApproval{},
		})
	}
	return out, nil
}
