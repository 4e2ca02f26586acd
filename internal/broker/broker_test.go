package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func drain(t *testing.T, out *Outbox) []Event {
	t.Helper()
	events := make([]Event, 0, out.Len())
	for out.Len() > 0 {
		ev, err := out.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestPublishDeliversInSequenceOrder(t *testing.T) {
	b := New(nil)
	first := NewOutbox(128)
	second := NewOutbox(128)
	b.Subscribe("v1", "conn-1", first)
	b.Subscribe("v1", "conn-2", second)

	for i := 0; i < 50; i++ {
		b.Publish("v1", Event{Kind: KindEditChange, Identity: "A"})
	}

	for name, out := range map[string]*Outbox{"conn-1": first, "conn-2": second} {
		events := drain(t, out)
		if len(events) != 50 {
			t.Fatalf("%s: expected 50 events, got %d", name, len(events))
		}
		for i := 1; i < len(events); i++ {
			if events[i].Seq <= events[i-1].Seq {
				t.Fatalf("%s: sequence not strictly increasing at %d: %d then %d", name, i, events[i-1].Seq, events[i].Seq)
			}
		}
	}
}

func TestConcurrentPublishersKeepPerAssetOrderAcrossSubscribers(t *testing.T) {
	b := New(nil)
	first := NewOutbox(1024)
	second := NewOutbox(1024)
	b.Subscribe("v1", "a", first)
	b.Subscribe("v1", "b", second)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Publish("v1", Event{Kind: KindCursorMoved})
			}
		}()
	}
	wg.Wait()

	a := drain(t, first)
	c := drain(t, second)
	if len(a) != 400 || len(c) != 400 {
		t.Fatalf("expected 400 events each, got %d and %d", len(a), len(c))
	}
	for i := range a {
		if a[i].Seq != c[i].Seq {
			t.Fatalf("subscribers observed different order at %d: %d vs %d", i, a[i].Seq, c[i].Seq)
		}
	}
}

func TestPublishHonoursExclude(t *testing.T) {
	b := New(nil)
	author := NewOutbox(4)
	peer := NewOutbox(4)
	b.Subscribe("v1", "author", author)
	b.Subscribe("v1", "peer", peer)

	ev := b.Publish("v1", Event{Kind: KindEditChange}, "author")
	if ev.Seq != 1 || ev.AssetID != "v1" || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected stamped event: %+v", ev)
	}
	if author.Len() != 0 {
		t.Fatal("excluded connection received the event")
	}
	if peer.Len() != 1 {
		t.Fatal("peer did not receive the event")
	}
}

func TestUnsubscribePurgesQueuedEvents(t *testing.T) {
	b := New(nil)
	out := NewOutbox(16)
	b.Subscribe("v1", "conn", out)
	b.Subscribe("v2", "conn", out)
	b.Publish("v1", Event{Kind: KindCommentAdded})
	b.Publish("v2", Event{Kind: KindCommentAdded})
	b.Publish("v1", Event{Kind: KindCommentAdded})

	if !b.Unsubscribe("v1", "conn") {
		t.Fatal("expected unsubscribe to report removal")
	}
	if b.Unsubscribe("v1", "conn") {
		t.Fatal("second unsubscribe must be a no-op")
	}
	b.Publish("v1", Event{Kind: KindCommentAdded})

	events := drain(t, out)
	if len(events) != 1 || events[0].AssetID != "v2" {
		t.Fatalf("expected only the v2 event to remain, got %+v", events)
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := New(nil)
	out := NewOutbox(4)
	if !b.Subscribe("v1", "conn", out) {
		t.Fatal("first subscribe should add")
	}
	if b.Subscribe("v1", "conn", out) {
		t.Fatal("second subscribe should be a no-op")
	}
	b.Publish("v1", Event{Kind: KindUserOnline})
	if out.Len() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", out.Len())
	}
	if got := b.Subscribers("v1"); len(got) != 1 || got[0] != "conn" {
		t.Fatalf("unexpected subscribers %v", got)
	}
}

func TestDeliverTargetsOneSubscriber(t *testing.T) {
	b := New(nil)
	target := NewOutbox(4)
	other := NewOutbox(4)
	b.Subscribe("v1", "target", target)
	b.Subscribe("v1", "other", other)

	b.Publish("v1", Event{Kind: KindUserOnline})
	ev, ok := b.Deliver("v1", "target", Event{Kind: KindContentSubscribed})
	if !ok || ev.Seq != 2 {
		t.Fatalf("Deliver() = %+v, %v", ev, ok)
	}
	if other.Len() != 1 || target.Len() != 2 {
		t.Fatalf("unexpected queue lengths target=%d other=%d", target.Len(), other.Len())
	}
	if _, ok := b.Deliver("v1", "missing", Event{Kind: KindAck}); ok {
		t.Fatal("Deliver to unknown subscriber must fail")
	}
}

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	out := NewOutbox(3)
	for i := 1; i <= 5; i++ {
		dropped := out.Push(Event{Seq: uint64(i)})
		if want := i > 3; dropped != want {
			t.Fatalf("push %d: dropped = %v, want %v", i, dropped, want)
		}
	}
	if out.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", out.Dropped())
	}
	events := drain(t, out)
	if len(events) != 3 || events[0].Seq != 3 || events[2].Seq != 5 {
		t.Fatalf("expected newest three events [3 4 5], got %+v", events)
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := New(nil)
	slow := NewOutbox(2)
	fast := NewOutbox(256)
	b.Subscribe("v1", "slow", slow)
	b.Subscribe("v1", "fast", fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish("v1", Event{Kind: KindCursorMoved})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	if fast.Len() != 200 {
		t.Fatalf("fast subscriber expected 200 events, got %d", fast.Len())
	}
	events := drain(t, slow)
	if len(events) != 2 || events[1].Seq != 200 {
		t.Fatalf("slow subscriber should keep the newest events, got %+v", events)
	}
}

func TestOutboxNextUnblocksOnClose(t *testing.T) {
	out := NewOutbox(4)
	errCh := make(chan error, 1)
	go func() {
		_, err := out.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	out.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrOutboxClosed) {
			t.Fatalf("expected ErrOutboxClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	if out.Push(Event{}) {
		t.Fatal("push after close must not report drops")
	}
	out.Close()
}

func TestOutboxNextHonoursContext(t *testing.T) {
	out := NewOutbox(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := out.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestUnsubscribeAllReturnsRemovedAssets(t *testing.T) {
	b := New(nil)
	out := NewOutbox(8)
	b.Subscribe("v2", "conn", out)
	b.Subscribe("v1", "conn", out)
	b.Subscribe("v3", "other", NewOutbox(1))
	b.Publish("v1", Event{Kind: KindEditChange})

	got := b.UnsubscribeAll("conn")
	if len(got) != 2 || got[0] != "v1" || got[1] != "v2" {
		t.Fatalf("UnsubscribeAll() = %v", got)
	}
	if out.Len() != 0 {
		t.Fatalf("expected queued events to be purged, %d remain", out.Len())
	}
	if b.IsSubscribed("v1", "conn") || !b.IsSubscribed("v3", "other") {
		t.Fatal("unexpected subscription state after UnsubscribeAll")
	}
}

func TestTopicLivesOnlyWhileSubscribed(t *testing.T) {
	b := New(nil)
	for i := 0; i < 10; i++ {
		ev := b.Publish("orphan", Event{Kind: KindCommentAdded})
		if ev.Seq != 0 || ev.AssetID != "orphan" || ev.Timestamp.IsZero() {
			t.Fatalf("unexpected unsequenced event %+v", ev)
		}
	}
	if _, ok := b.Deliver("orphan", "conn", Event{Kind: KindAck}); ok {
		t.Fatal("Deliver without a topic must fail")
	}
	if b.Topics() != 0 {
		t.Fatalf("publishing without subscribers created %d topics", b.Topics())
	}

	a, c := NewOutbox(4), NewOutbox(4)
	b.Subscribe("v1", "a", a)
	b.Subscribe("v1", "c", c)
	b.Publish("v1", Event{Kind: KindUserOnline})
	b.Unsubscribe("v1", "a")
	if b.Topics() != 1 {
		t.Fatal("topic dropped while a subscriber remains")
	}
	b.Unsubscribe("v1", "c")
	if b.Topics() != 0 {
		t.Fatal("topic kept after its last subscriber left")
	}

	if !b.Subscribe("v1", "a", a) {
		t.Fatal("resubscribe after the topic was dropped should add")
	}
	if ev := b.Publish("v1", Event{Kind: KindUserOnline}); ev.Seq == 0 || !b.IsSubscribed("v1", "a") {
		t.Fatalf("resubscribed topic is not sequenced: %+v", ev)
	}
}

func TestChurningSubscribersNeverLoseASubscription(t *testing.T) {
	b := New(nil)
	keeper := NewOutbox(1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			out := NewOutbox(1)
			for j := 0; j < 200; j++ {
				b.Subscribe("v1", id, out)
				b.Unsubscribe("v1", id)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Subscribe("v1", "keeper", keeper)
	}()
	wg.Wait()

	if got := b.Subscribers("v1"); len(got) != 1 || got[0] != "keeper" {
		t.Fatalf("expected only keeper subscribed, got %v", got)
	}
	b.Publish("v1", Event{Kind: KindCursorMoved})
	if keeper.Len() != 1 {
		t.Fatal("keeper did not receive the event")
	}
}

func TestOverflowWarningCarriesDropCount(t *testing.T) {
	var buf bytes.Buffer
	b := New(slog.New(slog.NewJSONHandler(&buf, nil)))
	out := NewOutbox(1)
	b.Subscribe("v1", "slow", out)
	for i := 0; i < 3; i++ {
		b.Publish("v1", Event{Kind: KindCursorMoved})
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two overflow warnings, got %q", buf.String())
	}
	var last map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if last["connection_id"] != "slow" || last["dropped_total"] != float64(2) {
		t.Fatalf("unexpected overflow record %+v", last)
	}
}
