package broker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"montage/api/internal/domain"
)

// topic lives while it has subscribers. A dropped topic is marked gone so a
// racing Subscribe retries on a fresh one.
type topic struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]*Outbox
	gone bool
}

type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic
	logger *slog.Logger
	now    func() time.Time
}

func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		topics: make(map[string]*topic),
		logger: logger,
		now:    time.Now,
	}
}

func (b *Broker) lookup(assetID string) (*topic, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[assetID]
	return t, ok
}

func (b *Broker) topic(assetID string) *topic {
	b.mu.RLock()
	t, ok := b.topics[assetID]
	b.mu.RUnlock()
	if ok {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[assetID]; ok {
		return t
	}
	t = &topic{subs: make(map[string]*Outbox)}
	b.topics[assetID] = t
	return t
}

// Subscribe adds connID to the asset topic. It reports false when the
// connection was already subscribed.
func (b *Broker) Subscribe(assetID, connID string, out *Outbox) bool {
	for {
		t := b.topic(assetID)
		t.mu.Lock()
		if t.gone {
			t.mu.Unlock()
			continue
		}
		_, exists := t.subs[connID]
		if !exists {
			t.subs[connID] = out
		}
		t.mu.Unlock()
		return !exists
	}
}

// Unsubscribe removes connID from the topic and purges that asset's queued
// events from its outbox. The topic is dropped with its last subscriber. It
// reports false when nothing was subscribed.
func (b *Broker) Unsubscribe(assetID, connID string) bool {
	t, ok := b.lookup(assetID)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out, ok := t.subs[connID]
	if !ok {
		return false
	}
	delete(t.subs, connID)
	out.Purge(assetID)
	if len(t.subs) == 0 {
		t.gone = true
		b.mu.Lock()
		if b.topics[assetID] == t {
			delete(b.topics, assetID)
		}
		b.mu.Unlock()
	}
	return true
}

// Topics reports how many assets currently have subscribers.
func (b *Broker) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// UnsubscribeAll removes connID from every topic and returns the assets it
// was subscribed to, sorted.
func (b *Broker) UnsubscribeAll(connID string) []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.topics))
	for id := range b.topics {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)

	removed := make([]string, 0)
	for _, assetID := range ids {
		if b.Unsubscribe(assetID, connID) {
			removed = append(removed, assetID)
		}
	}
	return removed
}

// AssetsOf lists the assets connID is subscribed to, sorted.
func (b *Broker) AssetsOf(connID string) []string {
	b.mu.RLock()
	topics := make(map[string]*topic, len(b.topics))
	for id, t := range b.topics {
		topics[id] = t
	}
	b.mu.RUnlock()

	assets := make([]string, 0)
	for id, t := range topics {
		t.mu.Lock()
		_, ok := t.subs[connID]
		t.mu.Unlock()
		if ok {
			assets = append(assets, id)
		}
	}
	sort.Strings(assets)
	return assets
}

// Publish stamps ev with the next sequence number of assetID and queues it
// for every subscriber not listed in exclude. The stamped event is returned.
// Assets without subscribers have no sequence; the event comes back with
// Seq 0 and is not queued anywhere.
func (b *Broker) Publish(assetID string, ev Event, exclude ...string) Event {
	t, ok := b.lookup(assetID)
	if !ok {
		return b.unsequenced(assetID, ev)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return b.unsequenced(assetID, ev)
	}
	ev = b.stamp(t, assetID, ev)
	for connID, out := range t.subs {
		if contains(exclude, connID) {
			continue
		}
		b.push(connID, out, ev)
	}
	return ev
}

// Deliver stamps ev in the asset sequence and queues it for connID only.
func (b *Broker) Deliver(assetID, connID string, ev Event) (Event, bool) {
	t, ok := b.lookup(assetID)
	if !ok {
		return ev, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out, ok := t.subs[connID]
	if !ok {
		return ev, false
	}
	ev = b.stamp(t, assetID, ev)
	b.push(connID, out, ev)
	return ev, true
}

func (b *Broker) Subscribers(assetID string) []string {
	t, ok := b.lookup(assetID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	ids := make([]string, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (b *Broker) IsSubscribed(assetID, connID string) bool {
	t, ok := b.lookup(assetID)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok = t.subs[connID]
	return ok
}

func (b *Broker) stamp(t *topic, assetID string, ev Event) Event {
	t.seq++
	ev.AssetID = assetID
	ev.Seq = t.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	return ev
}

func (b *Broker) unsequenced(assetID string, ev Event) Event {
	ev.AssetID = assetID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	return ev
}

func (b *Broker) push(connID string, out *Outbox, ev Event) {
	if out.Push(ev) {
		b.logger.Warn("outbound queue overflow, dropped oldest event",
			"connection_id", connID,
			"asset_id", ev.AssetID,
			"seq", ev.Seq,
			"dropped_total", out.Dropped(),
			"error", domain.Delivery(connID, ErrQueueFull),
		)
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
