// Package eventbus fans supervisor lifecycle events out to in-process consumers
// (the event recorder and the alert notifier).
package eventbus

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published signal. Data is usually a supervisor.Event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// HasPrefix reports whether the event type is in the dotted namespace prefix
// ("service" matches "service.state" but not "services.x").
func (e Event) HasPrefix(prefix string) bool {
	if prefix == "" || e.Type == prefix {
		return true
	}
	return strings.HasPrefix(e.Type, strings.TrimSuffix(prefix, ".")+".")
}

// Bus delivers events without ever blocking the publisher. A subscriber whose
// buffer is full loses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel of events whose type matches one of prefixes
	// (all events when none are given). unsubscribe closes the channel.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

// Stats reports delivery counters of a MemBus.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

type subscriber struct {
	prefixes []string

	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscriber) wants(e Event) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	return slices.ContainsFunc(s.prefixes, e.HasPrefix)
}

// offer sends without blocking. It reports false when the buffer was full.
func (s *subscriber) offer(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MemBus is the in-memory Bus. It owns no goroutines.
type MemBus struct {
	// subs is replaced wholesale on (un)subscribe; Publish reads it lock-free.
	subs  atomic.Pointer[[]*subscriber]
	subMu sync.Mutex

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func New() *MemBus {
	b := &MemBus{}
	b.subs.Store(&[]*subscriber{})
	return b
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)
	for _, s := range *b.subs.Load() {
		if !s.wants(e) {
			continue
		}
		if s.offer(e) {
			b.delivered.Add(1)
		} else {
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{prefixes: slices.Clone(prefixes), ch: make(chan Event, buffer)}

	b.subMu.Lock()
	next := append(slices.Clone(*b.subs.Load()), s)
	b.subs.Store(&next)
	b.subMu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.subMu.Lock()
			next := slices.DeleteFunc(slices.Clone(*b.subs.Load()), func(x *subscriber) bool { return x == s })
			b.subs.Store(&next)
			b.subMu.Unlock()
			s.close()
		})
	}
}

func (b *MemBus) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: len(*b.subs.Load()),
	}
}
