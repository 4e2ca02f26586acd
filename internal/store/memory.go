package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps every record in process memory. It backs tests and
// single-node deployments started without DATABASE_URL.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]Identity
	comments   map[string]Comment
	order      []string
	workflows  map[string]WorkflowInstance
	changes    []EditChange
	failWith   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]Identity),
		comments:   make(map[string]Comment),
		workflows:  make(map[string]WorkflowInstance),
	}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failWith
}

func (s *MemoryStore) SaveIdentity(_ context.Context, identity Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	identity.UpdatedAt = time.Now()
	s.identities[identity.ID] = identity
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, identityID string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return Identity{}, s.failWith
	}
	item, ok := s.identities[identityID]
	if !ok {
		return Identity{}, sql.ErrNoRows
	}
	return item, nil
}

func (s *MemoryStore) ListIdentities(context.Context) ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	items := make([]Identity, 0, len(s.identities))
	for _, item := range s.identities {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) InsertComment(_ context.Context, comment Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, exists := s.comments[comment.ID]; exists {
		return fmt.Errorf("insert comment: duplicate id %s", comment.ID)
	}
	s.comments[comment.ID] = cloneComment(comment)
	s.order = append(s.order, comment.ID)
	return nil
}

func (s *MemoryStore) GetComment(_ context.Context, commentID string) (Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return Comment{}, s.failWith
	}
	item, ok := s.comments[commentID]
	if !ok {
		return Comment{}, sql.ErrNoRows
	}
	return cloneComment(item), nil
}

func (s *MemoryStore) ListComments(_ context.Context, assetID string) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	items := make([]Comment, 0)
	for _, id := range s.order {
		item := s.comments[id]
		if item.AssetID == assetID {
			items = append(items, cloneComment(item))
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) ResolveComment(_ context.Context, commentID, resolvedBy string, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	item, ok := s.comments[commentID]
	if !ok || item.Resolved {
		return false, nil
	}
	item.Resolved = true
	item.ResolvedBy = resolvedBy
	at := resolvedAt
	item.ResolvedAt = &at
	s.comments[commentID] = item
	return true, nil
}

func (s *MemoryStore) InsertWorkflow(_ context.Context, instance WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if _, exists := s.workflows[instance.ID]; exists {
		return fmt.Errorf("insert workflow: duplicate id %s", instance.ID)
	}
	s.workflows[instance.ID] = instance.Clone()
	return nil
}

func (s *MemoryStore) UpdateWorkflow(_ context.Context, instance WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	current, ok := s.workflows[instance.ID]
	if !ok || current.Version != instance.Version-1 {
		return fmt.Errorf("update workflow %s: %w", instance.ID, ErrStaleWrite)
	}
	s.workflows[instance.ID] = instance.Clone()
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, workflowID string) (WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return WorkflowInstance{}, s.failWith
	}
	item, ok := s.workflows[workflowID]
	if !ok {
		return WorkflowInstance{}, sql.ErrNoRows
	}
	return item.Clone(), nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, assetID string) ([]WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	items := make([]WorkflowInstance, 0)
	for _, item := range s.workflows {
		if item.AssetID == assetID {
			items = append(items, item.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) AppendChange(_ context.Context, change EditChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	change.Delta = append([]byte(nil), change.Delta...)
	s.changes = append(s.changes, change)
	return nil
}

func (s *MemoryStore) ListChanges(_ context.Context, assetID, sectionID string, limit int) ([]EditChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if limit <= 0 {
		limit = 100
	}
	items := make([]EditChange, 0)
	for _, change := range s.changes {
		if change.AssetID != assetID || (sectionID != "" && change.SectionID != sectionID) {
			continue
		}
		items = append(items, change)
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

func cloneComment(c Comment) Comment {
	if c.ParentID != nil {
		value := *c.ParentID
		c.ParentID = &value
	}
	if c.ResolvedAt != nil {
		value := *c.ResolvedAt
		c.ResolvedAt = &value
	}
	return c
}
