package broker

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrOutboxClosed = errors.New("outbox closed")
	ErrQueueFull    = errors.New("outbound queue full")
)

// Outbox is a bounded FIFO of events for one connection. Push never blocks:
// when full, the oldest queued event is discarded.
type Outbox struct {
	mu      sync.Mutex
	items   []Event
	depth   int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

func NewOutbox(depth int) *Outbox {
	if depth <= 0 {
		depth = 1
	}
	return &Outbox{
		items:  make([]Event, 0, depth),
		depth:  depth,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues ev and reports whether an older event had to be dropped.
// Pushing to a closed outbox is a no-op.
func (o *Outbox) Push(ev Event) (dropped bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if len(o.items) == o.depth {
		copy(o.items, o.items[1:])
		o.items = o.items[:len(o.items)-1]
		o.dropped++
		dropped = true
	}
	o.items = append(o.items, ev)
	select {
	case o.notify <- struct{}{}:
	default:
	}
	o.mu.Unlock()
	return dropped
}

// Next blocks until an event is available, ctx ends, or the outbox closes.
func (o *Outbox) Next(ctx context.Context) (Event, error) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			ev := o.items[0]
			o.items[0] = Event{}
			o.items = o.items[1:]
			o.mu.Unlock()
			return ev, nil
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return Event{}, ErrOutboxClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-o.notify:
		}
	}
}

// Purge removes queued events of assetID so nothing is delivered for an
// asset after its subscription ended.
func (o *Outbox) Purge(assetID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.items[:0]
	removed := 0
	for _, ev := range o.items {
		if ev.AssetID == assetID {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(o.items); i++ {
		o.items[i] = Event{}
	}
	o.items = kept
	return removed
}

// Close discards pending events and wakes any waiting reader.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.items = nil
	close(o.notify)
	o.mu.Unlock()
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
