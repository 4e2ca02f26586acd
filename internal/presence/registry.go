// Package presence tracks live connections, their asset subscriptions and
// liveness. Subscription membership itself lives in the event broker.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"montage/api/internal/broker"
	"montage/api/internal/domain"
	"montage/api/internal/editing"
	"montage/api/internal/serial"
	"montage/api/internal/store"
	"montage/api/internal/util"
)

const (
	DefaultConnectionTimeout = 90 * time.Second
	DefaultQueueDepth        = 64
)

type Connection struct {
	ID          string
	Identity    store.Identity
	Outbox      *broker.Outbox
	ConnectedAt time.Time
	LastSeen    time.Time

	mu     sync.Mutex
	closed bool
}

// OnlineEntry is one subscribed identity as shown to clients.
type OnlineEntry struct {
	ConnectionID string `json:"connection_id"`
	IdentityID   string `json:"identity_id"`
	DisplayName  string `json:"display_name,omitempty"`
	Role         string `json:"role,omitempty"`
}

type Options struct {
	ConnectionTimeout time.Duration
	QueueDepth        int
}

type identityStore interface {
	SaveIdentity(context.Context, store.Identity) error
}

type sessions interface {
	ReleaseConnection(ctx context.Context, connID string) []editing.Session
	Locks(assetID string) []editing.Lock
}

type directory interface {
	Join(ctx context.Context, assetID string, entry OnlineEntry) error
	Leave(ctx context.Context, assetID, connID string) error
	Touch(ctx context.Context, connID string) error
	Members(ctx context.Context, assetID string) ([]OnlineEntry, error)
}

type Registry struct {
	broker     *broker.Broker
	identities identityStore
	sessions   sessions
	domains    *serial.Domains
	directory  directory
	logger     *slog.Logger
	opts       Options
	now        func() time.Time

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewRegistry(events *broker.Broker, identities identityStore, editSessions sessions, domains *serial.Domains, opts Options, logger *slog.Logger) *Registry {
	if opts.ConnectionTimeout <= 0 {
		opts.ConnectionTimeout = DefaultConnectionTimeout
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if domains == nil {
		domains = serial.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		broker:     events,
		identities: identities,
		sessions:   editSessions,
		domains:    domains,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
		conns:      make(map[string]*Connection),
	}
}

// UseDirectory mirrors subscriptions into an external presence directory.
// Directory failures are logged and never fail the calling operation.
func (r *Registry) UseDirectory(dir directory) {
	r.directory = dir
}

// RegisterConnection creates a connection for identity and records the
// identity reference in the store.
func (r *Registry) RegisterConnection(ctx context.Context, identity store.Identity) (*Connection, error) {
	identity.ID = strings.TrimSpace(identity.ID)
	if identity.ID == "" {
		return nil, domain.Validation("identity is required")
	}
	now := r.now().UTC()
	identity.UpdatedAt = now
	if r.identities != nil {
		if err := r.identities.SaveIdentity(ctx, identity); err != nil {
			return nil, domain.Storage(err)
		}
	}

	conn := &Connection{
		ID:          util.NewID("conn"),
		Identity:    identity,
		Outbox:      broker.NewOutbox(r.opts.QueueDepth),
		ConnectedAt: now,
		LastSeen:    now,
	}
	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "connection registered", "connection_id", conn.ID, "identity_id", identity.ID)
	return conn, nil
}

// Subscribe joins connID to the asset topic. Other subscribers see
// user_online; the subscriber gets a content_subscribed snapshot of who is
// online and which sections are locked. Repeated calls are no-ops.
func (r *Registry) Subscribe(ctx context.Context, connID, assetID string) error {
	if strings.TrimSpace(assetID) == "" {
		return domain.Validation("asset_id is required")
	}
	conn, ok := r.lookup(connID)
	if !ok {
		return domain.NotFound("connection", connID)
	}

	release := r.domains.Lock(assetID)
	defer release()

	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return domain.NotFound("connection", connID)
	}
	added := r.broker.Subscribe(assetID, connID, conn.Outbox)
	conn.mu.Unlock()
	if !added {
		return nil
	}
	r.broker.Publish(assetID, broker.Event{
		Kind:     broker.KindUserOnline,
		Identity: conn.Identity.ID,
		Body:     entryFor(conn),
	}, connID)

	var locks []editing.Lock
	if r.sessions != nil {
		locks = r.sessions.Locks(assetID)
	}
	r.broker.Deliver(assetID, connID, broker.Event{
		Kind:     broker.KindContentSubscribed,
		Identity: conn.Identity.ID,
		Body: map[string]any{
			"online": r.Online(ctx, assetID),
			"locks":  locks,
		},
	})
	r.mirrorJoin(ctx, assetID, entryFor(conn))
	return nil
}

// Unsubscribe removes connID from the asset topic; queued events for that
// asset are discarded. Repeated calls are no-ops.
func (r *Registry) Unsubscribe(ctx context.Context, connID, assetID string) error {
	conn, ok := r.lookup(connID)
	if !ok {
		return domain.NotFound("connection", connID)
	}
	release := r.domains.Lock(assetID)
	defer release()
	r.leaveLocked(ctx, conn, assetID)
	return nil
}

// Heartbeat refreshes last_seen. Unknown connections are ignored unless
// strict is set.
func (r *Registry) Heartbeat(ctx context.Context, connID string, strict bool) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		conn.LastSeen = r.now().UTC()
	}
	r.mu.Unlock()
	if !ok {
		if strict {
			return domain.NotFound("connection", connID)
		}
		return nil
	}
	if r.directory != nil {
		if err := r.directory.Touch(ctx, connID); err != nil {
			r.logger.WarnContext(ctx, "presence directory touch failed", "connection_id", connID, "error", err)
		}
	}
	return nil
}

// Disconnect tears down one connection: every subscription is dropped, its
// edit sessions are released and the outbox is closed.
func (r *Registry) Disconnect(ctx context.Context, connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.teardown(ctx, conn)
	r.logger.InfoContext(ctx, "connection closed", "connection_id", connID, "identity_id", conn.Identity.ID)
}

// ReapStale removes every connection not seen within the connection timeout.
// The cascade completes before ReapStale returns.
func (r *Registry) ReapStale(ctx context.Context, now time.Time) []string {
	r.mu.Lock()
	stale := make([]*Connection, 0)
	for id, conn := range r.conns {
		if now.Sub(conn.LastSeen) > r.opts.ConnectionTimeout {
			stale = append(stale, conn)
			delete(r.conns, id)
		}
	}
	r.mu.Unlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })

	ids := make([]string, 0, len(stale))
	for _, conn := range stale {
		r.teardown(ctx, conn)
		ids = append(ids, conn.ID)
	}
	if len(ids) > 0 {
		r.logger.InfoContext(ctx, "reaped stale connections", "count", len(ids))
	}
	return ids
}

// Alive reports whether connID is still registered.
func (r *Registry) Alive(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[connID]
	return ok
}

func (r *Registry) Connection(connID string) (*Connection, bool) {
	return r.lookup(connID)
}

// Online lists the connections subscribed to assetID, ordered by connection
// id. With a directory configured, members held by other instances are
// included; if the directory cannot be read only local entries are returned.
func (r *Registry) Online(ctx context.Context, assetID string) []OnlineEntry {
	ids := r.broker.Subscribers(assetID)
	entries := make([]OnlineEntry, 0, len(ids))
	r.mu.Lock()
	for _, id := range ids {
		if conn, ok := r.conns[id]; ok {
			entries = append(entries, entryFor(conn))
		}
	}
	r.mu.Unlock()
	if r.directory == nil {
		return entries
	}

	members, err := r.directory.Members(ctx, assetID)
	if err != nil {
		r.logger.WarnContext(ctx, "presence directory read failed", "asset_id", assetID, "error", err)
		return entries
	}
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		seen[entry.ConnectionID] = struct{}{}
	}
	for _, member := range members {
		if _, ok := seen[member.ConnectionID]; ok {
			continue
		}
		entries = append(entries, member)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ConnectionID < entries[j].ConnectionID })
	return entries
}

// Send queues a direct reply for connID outside any asset sequence.
func (r *Registry) Send(connID string, ev broker.Event) bool {
	conn, ok := r.lookup(connID)
	if !ok {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	if conn.Outbox.Push(ev) {
		r.logger.Warn("outbound queue overflow, dropped oldest event",
			"connection_id", connID,
			"dropped_total", conn.Outbox.Dropped(),
			"error", domain.Delivery(connID, broker.ErrQueueFull),
		)
	}
	return true
}

func (r *Registry) teardown(ctx context.Context, conn *Connection) {
	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()

	for _, assetID := range r.broker.AssetsOf(conn.ID) {
		release := r.domains.Lock(assetID)
		r.leaveLocked(ctx, conn, assetID)
		release()
	}
	if r.sessions != nil {
		r.sessions.ReleaseConnection(ctx, conn.ID)
	}
	conn.Outbox.Close()
}

// leaveLocked must run inside the asset domain.
func (r *Registry) leaveLocked(ctx context.Context, conn *Connection, assetID string) {
	if !r.broker.Unsubscribe(assetID, conn.ID) {
		return
	}
	r.broker.Publish(assetID, broker.Event{
		Kind:     broker.KindUserOffline,
		Identity: conn.Identity.ID,
		Body:     entryFor(conn),
	})
	if r.directory != nil {
		if err := r.directory.Leave(ctx, assetID, conn.ID); err != nil {
			r.logger.WarnContext(ctx, "presence directory leave failed", "connection_id", conn.ID, "asset_id", assetID, "error", err)
		}
	}
}

func (r *Registry) mirrorJoin(ctx context.Context, assetID string, entry OnlineEntry) {
	if r.directory == nil {
		return
	}
	if err := r.directory.Join(ctx, assetID, entry); err != nil {
		r.logger.WarnContext(ctx, "presence directory join failed", "connection_id", entry.ConnectionID, "asset_id", assetID, "error", err)
	}
}

func (r *Registry) lookup(connID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

func entryFor(conn *Connection) OnlineEntry {
	return OnlineEntry{
		ConnectionID: conn.ID,
		IdentityID:   conn.Identity.ID,
		DisplayName:  conn.Identity.DisplayName,
		Role:         conn.Identity.Role,
	}
}
