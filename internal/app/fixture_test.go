package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"montage/api/internal/broker"
	"montage/api/internal/comments"
	"montage/api/internal/config"
	"montage/api/internal/editing"
	"montage/api/internal/journal"
	"montage/api/internal/presence"
	"montage/api/internal/search"
	"montage/api/internal/serial"
	"montage/api/internal/store"
	"montage/api/internal/workflow"
)

type testStack struct {
	service *Service
	store   *store.MemoryStore
	journal *journal.Service
}

func newTestStack(t *testing.T) testStack {
	t.Helper()
	mem := store.NewMemoryStore()
	events := broker.New(nil)
	domains := serial.New()
	history := journal.New(t.TempDir())

	coordinator := editing.NewCoordinator(domains, events, store.TeeChanges(mem, history), time.Minute, nil)
	registry := presence.NewRegistry(events, mem, coordinator, domains, presence.Options{QueueDepth: 32}, nil)
	coordinator.UseLiveness(registry.Alive)
	commentManager := comments.NewManager(mem, events, search.NewService(nil, search.NewScan(mem), nil), nil)
	engine := workflow.NewEngine(mem, events, nil, nil)

	cfg := config.Config{HeartbeatInterval: time.Hour}
	service := NewService(cfg, events, registry, coordinator, commentManager, engine, history, nil)
	service.AddReadinessCheck("store", mem)
	return testStack{service: service, store: mem, journal: history}
}

// join registers a client the way the socket loop does.
func (s testStack) join(t *testing.T, identity, role string) *Client {
	t.Helper()
	client := &Client{}
	if _, err := s.service.Handle(context.Background(), client, UserJoin{IdentityID: identity, Role: role}); err != nil {
		t.Fatalf("join %s: %v", identity, err)
	}
	return client
}

func (s testStack) subscribe(t *testing.T, client *Client, assetID string) {
	t.Helper()
	if _, err := s.service.Handle(context.Background(), client, ContentSubscribe{AssetID: assetID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

// nextOfKind skips queued events until one of kind arrives.
func nextOfKind(t *testing.T, client *Client, kind broker.Kind) broker.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		ev, err := client.conn.Outbox.Next(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", kind, err)
		}
		if ev.Kind == kind {
			return ev
		}
	}
}

// drain empties the outbox without blocking.
func drain(client *Client) []broker.Event {
	var out []broker.Event
	for client.conn.Outbox.Len() > 0 {
		ev, err := client.conn.Outbox.Next(context.Background())
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error {
	return errors.New("connection refused")
}
