// Package eventbus is a non-blocking in-memory fanout used to decouple the
// planner run, the job engine and the notifier.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by crawlsched components.
const (
	PlanCreated = "plan.created"

	JobStarted  = "job.started"
	JobFinished = "job.finished"
	JobFailed   = "job.failed"
	JobSkipped  = "job.skipped"
	JobDropped  = "job.dropped"
)

// Event is a lightweight signal. Data should be small and JSON-serializable.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a full subscriber drops the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe receives events whose Type is in types (all events when empty).
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// Dropper is implemented by buses that count undelivered events.
type Dropper interface {
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() *MemBus {
	return &MemBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

var _ Bus = (*MemBus)(nil)

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s.ch, e)
	}
}

// deliver recovers from a send racing with unsubscribe's close.
func (b *MemBus) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *MemBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// Dropped reports events discarded because a subscriber was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }
