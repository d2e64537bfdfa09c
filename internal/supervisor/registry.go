package supervisor

import (
	"sort"
	"sync"
)

// registry maps service names to entries. It is the only structure shared
// across services; everything else lives inside an entry.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64
}

func newRegistry() *registry {
	return &registry{entries: map[string]*entry{}}
}

func (r *registry) add(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.name]; ok {
		return ErrAlreadyExists
	}
	r.seq++
	e.seq = r.seq
	r.entries[e.name] = e
	return nil
}

func (r *registry) get(name string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// remove deletes name only if it still maps to e.
func (r *registry) remove(name string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[name]; ok && cur == e {
		delete(r.entries, name)
	}
}

// list returns entries in registration order.
func (r *registry) list() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
