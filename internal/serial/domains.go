// Package serial provides per-key serialization domains. Operations on the
// same key run one at a time while different keys proceed in parallel.
package serial

import "sync"

type domain struct {
	mu   sync.Mutex
	refs int
}

type Domains struct {
	mu      sync.Mutex
	domains map[string]*domain
}

func New() *Domains {
	return &Domains{domains: make(map[string]*domain)}
}

// Lock blocks until the domain for key is free and returns its release func.
// Idle domains are dropped once nobody holds or waits on them.
func (d *Domains) Lock(key string) func() {
	d.mu.Lock()
	entry, ok := d.domains[key]
	if !ok {
		entry = &domain{}
		d.domains[key] = entry
	}
	entry.refs++
	d.mu.Unlock()

	entry.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			d.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(d.domains, key)
			}
			d.mu.Unlock()
		})
	}
}

// Len reports how many domains are currently held or awaited.
func (d *Domains) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.domains)
}
