// Package editing grants section-level locks to edit sessions and relays
// edit deltas. All lock-table mutations for an asset run inside that asset's
// serialization domain.
package editing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"montage/api/internal/broker"
	"montage/api/internal/domain"
	"montage/api/internal/serial"
	"montage/api/internal/store"
	"montage/api/internal/util"
)

const DefaultIdleTimeout = 30 * time.Minute

const (
	ReasonEnded          = "ended"
	ReasonIdle           = "idle_timeout"
	ReasonConnectionLost = "connection_lost"
)

type Session struct {
	ID           string    `json:"id"`
	AssetID      string    `json:"asset_id"`
	IdentityID   string    `json:"identity_id"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Sections     []string  `json:"sections"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

type Lock struct {
	AssetID    string    `json:"asset_id"`
	SectionID  string    `json:"section_id"`
	SessionID  string    `json:"session_id"`
	IdentityID string    `json:"identity_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type StartRequest struct {
	IdentityID   string
	ConnectionID string
	AssetID      string
	Sections     []string
}

type publisher interface {
	Publish(assetID string, ev broker.Event, exclude ...string) broker.Event
}

type Coordinator struct {
	domains     *serial.Domains
	broker      publisher
	changes     store.ChangeAppender
	logger      *slog.Logger
	idleTimeout time.Duration
	now         func() time.Time
	alive       func(connID string) bool

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]map[string]Lock
}

// NewCoordinator builds a coordinator. domains should be shared with the
// presence registry so subscription snapshots and lock grants for one asset
// are ordered against each other.
func NewCoordinator(domains *serial.Domains, events publisher, changes store.ChangeAppender, idleTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if domains == nil {
		domains = serial.New()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		domains:     domains,
		broker:      events,
		changes:     changes,
		logger:      logger,
		idleTimeout: idleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*Session),
		locks:       make(map[string]map[string]Lock),
	}
}

// UseLiveness makes StartSession refuse connections alive reports as gone.
// The check runs under the session table lock, so a grant either completes
// before a connection's sessions are released or is refused.
func (c *Coordinator) UseLiveness(alive func(connID string) bool) {
	c.alive = alive
}

// StartSession locks every requested section or none of them. When any
// section is held, the returned conflict names the holder of the first
// overlapping section and the full overlap.
func (c *Coordinator) StartSession(ctx context.Context, req StartRequest) (Session, error) {
	sections, err := normalizeStart(req)
	if err != nil {
		return Session{}, err
	}

	release := c.domains.Lock(req.AssetID)
	defer release()

	c.mu.Lock()
	table := c.locks[req.AssetID]
	var overlap []string
	for _, section := range sections {
		if _, held := table[section]; held {
			overlap = append(overlap, section)
		}
	}
	if len(overlap) > 0 {
		first := table[overlap[0]]
		holder := domain.Holder{SessionID: first.SessionID, IdentityID: first.IdentityID}
		if owner, ok := c.sessions[first.SessionID]; ok {
			holder.ConnectionID = owner.ConnectionID
		}
		c.mu.Unlock()
		return Session{}, domain.Conflict(holder, overlap)
	}
	if req.ConnectionID != "" && c.alive != nil && !c.alive(req.ConnectionID) {
		c.mu.Unlock()
		return Session{}, domain.NotFound("connection", req.ConnectionID)
	}

	now := c.now().UTC()
	session := &Session{
		ID:           util.NewID("ses"),
		AssetID:      req.AssetID,
		IdentityID:   req.IdentityID,
		ConnectionID: req.ConnectionID,
		Sections:     sections,
		StartedAt:    now,
		LastActivity: now,
	}
	if table == nil {
		table = make(map[string]Lock)
		c.locks[req.AssetID] = table
	}
	for _, section := range sections {
		table[section] = Lock{
			AssetID:    req.AssetID,
			SectionID:  section,
			SessionID:  session.ID,
			IdentityID: req.IdentityID,
			AcquiredAt: now,
		}
	}
	c.sessions[session.ID] = session
	snapshot := session.clone()
	c.mu.Unlock()

	c.broker.Publish(req.AssetID, broker.Event{
		Kind:     broker.KindEditStarted,
		Identity: req.IdentityID,
		Body: map[string]any{
			"session_id": snapshot.ID,
			"sections":   snapshot.Sections,
		},
	})
	c.logger.InfoContext(ctx, "edit session started",
		"session_id", snapshot.ID,
		"asset_id", snapshot.AssetID,
		"identity_id", snapshot.IdentityID,
		"sections", len(snapshot.Sections),
	)
	return snapshot, nil
}

// EndSession releases every lock of the session before returning.
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) (Session, error) {
	session, ok := c.Session(sessionID)
	if !ok {
		return Session{}, domain.NotFound("session", sessionID)
	}

	release := c.domains.Lock(session.AssetID)
	defer release()

	ended, ok := c.endLocked(sessionID, ReasonEnded)
	if !ok {
		return Session{}, domain.NotFound("session", sessionID)
	}
	c.logger.InfoContext(ctx, "edit session ended", "session_id", sessionID, "asset_id", ended.AssetID)
	return ended, nil
}

// ApplyChange persists delta for a section locked by sessionID and relays it
// to the other subscribers of the asset.
func (c *Coordinator) ApplyChange(ctx context.Context, sessionID, sectionID string, delta json.RawMessage) (store.EditChange, error) {
	if strings.TrimSpace(sectionID) == "" {
		return store.EditChange{}, domain.Validation("section_id is required")
	}
	if len(delta) == 0 {
		return store.EditChange{}, domain.Validation("delta is required")
	}
	session, ok := c.Session(sessionID)
	if !ok {
		return store.EditChange{}, domain.NotFound("session", sessionID)
	}

	release := c.domains.Lock(session.AssetID)
	defer release()

	c.mu.Lock()
	current, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return store.EditChange{}, domain.NotFound("session", sessionID)
	}
	lock, held := c.locks[session.AssetID][sectionID]
	c.mu.Unlock()
	if !held || lock.SessionID != sessionID {
		return store.EditChange{}, domain.Permission("section is not locked by this session")
	}

	change := store.EditChange{
		ID:         util.NewID("chg"),
		AssetID:    current.AssetID,
		SectionID:  sectionID,
		SessionID:  sessionID,
		IdentityID: current.IdentityID,
		Delta:      append(json.RawMessage(nil), delta...),
		CreatedAt:  c.now().UTC(),
	}
	if err := c.changes.AppendChange(ctx, change); err != nil {
		var mirrorErr *store.MirrorError
		if !errors.As(err, &mirrorErr) {
			return store.EditChange{}, domain.Storage(err)
		}
		c.logger.WarnContext(ctx, "change mirror failed", "change_id", change.ID, "error", err)
	}

	c.mu.Lock()
	if live, ok := c.sessions[sessionID]; ok {
		live.LastActivity = c.now().UTC()
	}
	c.mu.Unlock()

	c.broker.Publish(current.AssetID, broker.Event{
		Kind:     broker.KindEditChange,
		Identity: current.IdentityID,
		Body: map[string]any{
			"session_id": sessionID,
			"section_id": sectionID,
			"change_id":  change.ID,
			"delta":      change.Delta,
		},
	}, current.ConnectionID)
	return change, nil
}

// Touch records activity on a session.
func (c *Coordinator) Touch(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	session.LastActivity = c.now().UTC()
	return true
}

// TouchConnection records activity on every session connID holds on assetID
// and returns how many were refreshed. An empty assetID matches every asset.
func (c *Coordinator) TouchConnection(connID, assetID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().UTC()
	touched := 0
	for _, session := range c.sessions {
		if session.ConnectionID == connID && (assetID == "" || session.AssetID == assetID) {
			session.LastActivity = now
			touched++
		}
	}
	return touched
}

// ReapIdle ends sessions idle past the timeout and, when alive is given,
// sessions whose connection is gone. Each candidate is re-checked inside its
// asset domain so a concurrent EndSession or ApplyChange wins cleanly.
func (c *Coordinator) ReapIdle(ctx context.Context, now time.Time, alive func(connID string) bool) []Session {
	c.mu.Lock()
	candidates := make([]Session, 0)
	for _, session := range c.sessions {
		candidates = append(candidates, session.clone())
	}
	c.mu.Unlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	reaped := make([]Session, 0)
	for _, candidate := range candidates {
		lost := alive != nil && candidate.ConnectionID != "" && !alive(candidate.ConnectionID)
		if !lost && now.Sub(candidate.LastActivity) <= c.idleTimeout {
			continue
		}

		release := c.domains.Lock(candidate.AssetID)
		reason := ReasonConnectionLost
		if !lost {
			c.mu.Lock()
			live, ok := c.sessions[candidate.ID]
			stillIdle := ok && now.Sub(live.LastActivity) > c.idleTimeout
			c.mu.Unlock()
			if !stillIdle {
				release()
				continue
			}
			reason = ReasonIdle
		}
		ended, ok := c.endLocked(candidate.ID, reason)
		release()
		if ok {
			reaped = append(reaped, ended)
		}
	}
	if len(reaped) > 0 {
		c.logger.InfoContext(ctx, "reaped edit sessions", "count", len(reaped))
	}
	return reaped
}

// ReleaseConnection ends every session bound to connID.
func (c *Coordinator) ReleaseConnection(ctx context.Context, connID string) []Session {
	c.mu.Lock()
	owned := make([]Session, 0)
	for _, session := range c.sessions {
		if session.ConnectionID == connID {
			owned = append(owned, session.clone())
		}
	}
	c.mu.Unlock()
	sort.Slice(owned, func(i, j int) bool { return owned[i].ID < owned[j].ID })

	released := make([]Session, 0, len(owned))
	for _, session := range owned {
		release := c.domains.Lock(session.AssetID)
		ended, ok := c.endLocked(session.ID, ReasonConnectionLost)
		release()
		if ok {
			released = append(released, ended)
		}
	}
	if len(released) > 0 {
		c.logger.InfoContext(ctx, "released sessions of closed connection", "connection_id", connID, "count", len(released))
	}
	return released
}

// Locks returns the current lock table of assetID ordered by section.
func (c *Coordinator) Locks(assetID string) []Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	table := c.locks[assetID]
	locks := make([]Lock, 0, len(table))
	for _, lock := range table {
		locks = append(locks, lock)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].SectionID < locks[j].SectionID })
	return locks
}

func (c *Coordinator) Session(sessionID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return session.clone(), true
}

// endLocked must run inside the session's asset domain.
func (c *Coordinator) endLocked(sessionID, reason string) (Session, bool) {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return Session{}, false
	}
	table := c.locks[session.AssetID]
	for _, section := range session.Sections {
		if lock, held := table[section]; held && lock.SessionID == sessionID {
			delete(table, section)
		}
	}
	if len(table) == 0 {
		delete(c.locks, session.AssetID)
	}
	delete(c.sessions, sessionID)
	ended := session.clone()
	c.mu.Unlock()

	c.broker.Publish(ended.AssetID, broker.Event{
		Kind:     broker.KindEditEnded,
		Identity: ended.IdentityID,
		Body: map[string]any{
			"session_id": ended.ID,
			"sections":   ended.Sections,
			"reason":     reason,
		},
	})
	return ended, true
}

func (s *Session) clone() Session {
	out := *s
	out.Sections = append([]string(nil), s.Sections...)
	return out
}

func normalizeStart(req StartRequest) ([]string, error) {
	if strings.TrimSpace(req.IdentityID) == "" {
		return nil, domain.Validation("identity is required")
	}
	if strings.TrimSpace(req.AssetID) == "" {
		return nil, domain.Validation("asset_id is required")
	}
	if len(req.Sections) == 0 {
		return nil, domain.Validation("at least one section is required")
	}
	seen := make(map[string]struct{}, len(req.Sections))
	sections := make([]string, 0, len(req.Sections))
	for _, section := range req.Sections {
		section = strings.TrimSpace(section)
		if section == "" {
			return nil, domain.Validation("section ids must not be blank")
		}
		if _, dup := seen[section]; dup {
			continue
		}
		seen[section] = struct{}{}
		sections = append(sections, section)
	}
	sort.Strings(sections)
	return sections, nil
}
