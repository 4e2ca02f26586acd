package serial

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSerializesSameKey(t *testing.T) {
	domains := New()
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := domains.Lock("asset-1")
			defer unlock()
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()
	if peak.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak.Load())
	}
	if domains.Len() != 0 {
		t.Fatalf("expected idle domains to be dropped, have %d", domains.Len())
	}
}

func TestLockDifferentKeysDoNotBlock(t *testing.T) {
	domains := New()
	unlockA := domains.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := domains.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	domains := New()
	unlock := domains.Lock("a")
	unlock()
	unlock()
	relock := domains.Lock("a")
	relock()
}
