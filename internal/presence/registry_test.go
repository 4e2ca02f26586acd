package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"montage/api/internal/broker"
	"montage/api/internal/domain"
	"montage/api/internal/editing"
	"montage/api/internal/serial"
	"montage/api/internal/store"
)

type fixture struct {
	registry    *Registry
	broker      *broker.Broker
	coordinator *editing.Coordinator
	store       *store.MemoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	domains := serial.New()
	events := broker.New(nil)
	memory := store.NewMemoryStore()
	coordinator := editing.NewCoordinator(domains, events, memory, time.Minute, nil)
	registry := NewRegistry(events, memory, coordinator, domains, Options{ConnectionTimeout: 30 * time.Second, QueueDepth: 32}, nil)
	return fixture{registry: registry, broker: events, coordinator: coordinator, store: memory}
}

func nextEvent(t *testing.T, out *broker.Outbox) broker.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := out.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	return ev
}

func TestRegisterConnectionValidatesAndRecordsIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.registry.RegisterConnection(ctx, store.Identity{ID: "  "}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	conn, err := f.registry.RegisterConnection(ctx, store.Identity{ID: "A", DisplayName: "Ada", Role: "EDITOR"})
	if err != nil {
		t.Fatalf("RegisterConnection: %v", err)
	}
	if conn.ID == "" || !f.registry.Alive(conn.ID) {
		t.Fatal("connection should be registered")
	}
	identity, err := f.store.GetIdentity(ctx, "A")
	if err != nil || identity.DisplayName != "Ada" {
		t.Fatalf("identity not recorded: %+v, %v", identity, err)
	}
}

func TestRegisterConnectionSurfacesStorageError(t *testing.T) {
	f := newFixture(t)
	f.store.FailWith(errors.New("db down"))
	if _, err := f.registry.RegisterConnection(context.Background(), store.Identity{ID: "A"}); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestSubscribeAnnouncesAndSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "A"})
	b, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "B"})

	if err := f.registry.Subscribe(ctx, a.ID, "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coordinator.StartSession(ctx, editing.StartRequest{IdentityID: "A", ConnectionID: a.ID, AssetID: "v1", Sections: []string{"intro"}}); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Subscribe(ctx, b.ID, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Subscribe(ctx, b.ID, "v1"); err != nil {
		t.Fatalf("repeat subscribe should be a no-op: %v", err)
	}

	if ev := nextEvent(t, a.Outbox); ev.Kind != broker.KindContentSubscribed {
		t.Fatalf("A first event = %s", ev.Kind)
	}
	if ev := nextEvent(t, a.Outbox); ev.Kind != broker.KindEditStarted {
		t.Fatalf("A second event = %s", ev.Kind)
	}
	if ev := nextEvent(t, a.Outbox); ev.Kind != broker.KindUserOnline || ev.Identity != "B" {
		t.Fatalf("A should see B online, got %+v", ev)
	}

	ack := nextEvent(t, b.Outbox)
	if ack.Kind != broker.KindContentSubscribed {
		t.Fatalf("B expected content_subscribed, got %s", ack.Kind)
	}
	body := ack.Body.(map[string]any)
	if locks := body["locks"].([]editing.Lock); len(locks) != 1 || locks[0].SectionID != "intro" {
		t.Fatalf("snapshot locks = %+v", locks)
	}
	if online := body["online"].([]OnlineEntry); len(online) != 2 {
		t.Fatalf("snapshot online = %+v", online)
	}
	if b.Outbox.Len() != 0 {
		t.Fatal("repeat subscribe must not emit events")
	}
}

func TestUnsubscribeStopsDeliveryAndAnnouncesOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "A"})
	b, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "B"})
	f.registry.Subscribe(ctx, a.ID, "v1")
	f.registry.Subscribe(ctx, b.ID, "v1")
	f.broker.Publish("v1", broker.Event{Kind: broker.KindCursorMoved})

	if err := f.registry.Unsubscribe(ctx, b.ID, "v1"); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Unsubscribe(ctx, b.ID, "v1"); err != nil {
		t.Fatalf("repeat unsubscribe should be a no-op: %v", err)
	}
	f.broker.Publish("v1", broker.Event{Kind: broker.KindCursorMoved})
	if b.Outbox.Len() != 0 {
		t.Fatalf("unsubscribed connection still has %d queued events", b.Outbox.Len())
	}

	var kinds []broker.Kind
	for a.Outbox.Len() > 0 {
		kinds = append(kinds, nextEvent(t, a.Outbox).Kind)
	}
	want := []broker.Kind{broker.KindContentSubscribed, broker.KindUserOnline, broker.KindCursorMoved, broker.KindUserOffline, broker.KindCursorMoved}
	if len(kinds) != len(want) {
		t.Fatalf("A events = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("A events = %v, want %v", kinds, want)
		}
	}
}

func TestHeartbeatStrictness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.registry.Heartbeat(ctx, "conn_missing", false); err != nil {
		t.Fatalf("lenient heartbeat should ignore unknown ids, got %v", err)
	}
	if err := f.registry.Heartbeat(ctx, "conn_missing", true); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("strict heartbeat should fail, got %v", err)
	}
}

func TestReapStaleCascadesBeforeReturning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	f.registry.now = func() time.Time { return base }

	stale, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "A"})
	fresh, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "B"})
	f.registry.Subscribe(ctx, stale.ID, "v1")
	f.registry.Subscribe(ctx, fresh.ID, "v1")
	session, err := f.coordinator.StartSession(ctx, editing.StartRequest{IdentityID: "A", ConnectionID: stale.ID, AssetID: "v1", Sections: []string{"intro"}})
	if err != nil {
		t.Fatal(err)
	}

	f.registry.now = func() time.Time { return base.Add(25 * time.Second) }
	f.registry.Heartbeat(ctx, fresh.ID, true)

	reaped := f.registry.ReapStale(ctx, base.Add(40*time.Second))
	if len(reaped) != 1 || reaped[0] != stale.ID {
		t.Fatalf("expected stale connection reaped, got %v", reaped)
	}
	if f.registry.Alive(stale.ID) || !f.registry.Alive(fresh.ID) {
		t.Fatal("unexpected liveness after reap")
	}
	if f.broker.IsSubscribed("v1", stale.ID) {
		t.Fatal("stale connection still subscribed")
	}
	if _, ok := f.coordinator.Session(session.ID); ok {
		t.Fatal("stale connection's session still alive")
	}
	if len(f.coordinator.Locks("v1")) != 0 {
		t.Fatal("stale connection's locks still held")
	}

	if _, err := stale.Outbox.Next(context.Background()); !errors.Is(err, broker.ErrOutboxClosed) {
		t.Fatalf("stale outbox should be closed, got %v", err)
	}
	if err := f.registry.Subscribe(ctx, stale.ID, "v2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("subscribe on reaped connection should fail, got %v", err)
	}
}

func TestDisconnectReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "A"})
	b, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "B"})
	f.registry.Subscribe(ctx, a.ID, "v1")
	f.registry.Subscribe(ctx, a.ID, "v2")
	f.registry.Subscribe(ctx, b.ID, "v1")
	f.coordinator.StartSession(ctx, editing.StartRequest{IdentityID: "A", ConnectionID: a.ID, AssetID: "v1", Sections: []string{"intro"}})

	f.registry.Disconnect(ctx, a.ID)
	f.registry.Disconnect(ctx, a.ID)

	if len(f.broker.AssetsOf(a.ID)) != 0 {
		t.Fatal("disconnected connection still subscribed")
	}
	if len(f.coordinator.Locks("v1")) != 0 {
		t.Fatal("locks of disconnected connection still held")
	}
	if online := f.registry.Online(ctx, "v1"); len(online) != 1 || online[0].IdentityID != "B" {
		t.Fatalf("unexpected online list %+v", online)
	}
}

func TestSendDeliversDirectReply(t *testing.T) {
	f := newFixture(t)
	conn, _ := f.registry.RegisterConnection(context.Background(), store.Identity{ID: "A"})
	if !f.registry.Send(conn.ID, broker.Event{Kind: broker.KindAck}) {
		t.Fatal("Send to live connection failed")
	}
	ev := nextEvent(t, conn.Outbox)
	if ev.Kind != broker.KindAck || ev.Seq != 0 || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected direct reply %+v", ev)
	}
	if f.registry.Send("conn_missing", broker.Event{Kind: broker.KindAck}) {
		t.Fatal("Send to unknown connection should fail")
	}
}

func TestReaperSweepExpiresIdleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "A"})
	session, err := f.coordinator.StartSession(ctx, editing.StartRequest{IdentityID: "A", ConnectionID: conn.ID, AssetID: "v1", Sections: []string{"intro"}})
	if err != nil {
		t.Fatal(err)
	}

	reaper := NewReaper(f.registry, f.coordinator, time.Minute, nil)
	reaper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	conns, sessions := reaper.Sweep(ctx)
	if len(conns) != 1 || conns[0] != conn.ID {
		t.Fatalf("expected the silent connection reaped, got %v", conns)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions should already be released by the connection cascade, got %+v", sessions)
	}
	if _, ok := f.coordinator.Session(session.ID); ok {
		t.Fatal("session should be gone after sweep")
	}
}

func TestReaperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	reaper := NewReaper(f.registry, f.coordinator, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestRegistryMirrorsIntoRedisDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := miniredis.RunT(t)
	dir, err := NewRedisDirectory("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer dir.Close()
	f.registry.UseDirectory(dir)

	conn, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "A", DisplayName: "Ada"})
	f.registry.Subscribe(ctx, conn.ID, "v1")
	members, err := dir.Members(ctx, "v1")
	if err != nil || len(members) != 1 || members[0].DisplayName != "Ada" {
		t.Fatalf("directory members = %+v, %v", members, err)
	}

	f.registry.Disconnect(ctx, conn.ID)
	members, _ = dir.Members(ctx, "v1")
	if len(members) != 0 {
		t.Fatalf("directory should be empty after disconnect, got %+v", members)
	}
}

func TestOnlineIncludesDirectoryMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := miniredis.RunT(t)
	dir, err := NewRedisDirectory("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer dir.Close()
	f.registry.UseDirectory(dir)

	// held by another instance sharing the directory
	remote := OnlineEntry{ConnectionID: "conn_remote", IdentityID: "R", DisplayName: "Remy"}
	if err := dir.Join(ctx, "v1", remote); err != nil {
		t.Fatal(err)
	}

	conn, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "A"})
	if err := f.registry.Subscribe(ctx, conn.ID, "v1"); err != nil {
		t.Fatal(err)
	}
	snapshot := nextEvent(t, conn.Outbox)
	listed := snapshot.Body.(map[string]any)["online"].([]OnlineEntry)
	if len(listed) != 2 {
		t.Fatalf("snapshot should list local and remote members, got %+v", listed)
	}

	online := f.registry.Online(ctx, "v1")
	if len(online) != 2 || online[0].ConnectionID != conn.ID || online[1] != remote {
		t.Fatalf("unexpected merged online list %+v", online)
	}

	s.Close()
	online = f.registry.Online(ctx, "v1")
	if len(online) != 1 || online[0].ConnectionID != conn.ID {
		t.Fatalf("expected local entries when the directory is down, got %+v", online)
	}
}

func TestSendOverflowKeepsNewestReply(t *testing.T) {
	events := broker.New(nil)
	registry := NewRegistry(events, nil, nil, nil, Options{QueueDepth: 1}, nil)
	conn, err := registry.RegisterConnection(context.Background(), store.Identity{ID: "A"})
	if err != nil {
		t.Fatal(err)
	}
	registry.Send(conn.ID, broker.Event{Kind: broker.KindAck, Body: 1})
	registry.Send(conn.ID, broker.Event{Kind: broker.KindAck, Body: 2})
	if conn.Outbox.Dropped() != 1 {
		t.Fatalf("dropped = %d", conn.Outbox.Dropped())
	}
	if ev := nextEvent(t, conn.Outbox); ev.Body != 2 {
		t.Fatalf("expected the newest reply to survive, got %+v", ev)
	}
}

func TestReapedConnectionNeverKeepsLocks(t *testing.T) {
	f := newFixture(t)
	f.coordinator.UseLiveness(f.registry.Alive)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		conn, _ := f.registry.RegisterConnection(ctx, store.Identity{ID: "A"})
		section := fmt.Sprintf("s%d", i)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.coordinator.StartSession(ctx, editing.StartRequest{IdentityID: "A", ConnectionID: conn.ID, AssetID: "v1", Sections: []string{section}})
		}()
		go func() {
			defer wg.Done()
			f.registry.ReapStale(ctx, time.Now().Add(time.Hour))
		}()
		wg.Wait()

		if f.registry.Alive(conn.ID) {
			t.Fatalf("round %d: connection survived the reap", i)
		}
		if locks := f.coordinator.Locks("v1"); len(locks) != 0 {
			t.Fatalf("round %d: reaped connection holds %+v", i, locks)
		}
	}
}
