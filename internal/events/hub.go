// Package events fans tracker events out to in-process observers and to
// external sinks.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

const DefaultBuffer = 64

var subscriberIDs atomic.Uint64

// Subscriber receives events from a Hub. C is closed on Unsubscribe.
type Subscriber struct {
	id      uint64
	name    string
	C       <-chan patrol.Event
	ch      chan patrol.Event
	dropped atomic.Uint64
}

func (s *Subscriber) ID() uint64 { return s.id }

// Dropped returns how many events this subscriber missed because its
// buffer was full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Hub is an in-process observer registry. Publish never blocks: a
// subscriber that is not keeping up misses events.
type Hub struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscriber)}
}

// Subscribe registers an observer. name labels drop metrics.
func (h *Hub) Subscribe(name string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan patrol.Event, buffer)
	s := &Subscriber{id: subscriberIDs.Add(1), name: name, C: ch, ch: ch}

	h.mu.Lock()
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()

	logging.Debug().Str("subscriber", name).Int("total_subscribers", n).Msg("event subscriber registered")
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; !ok {
		return
	}
	delete(h.subs, s.id)
	close(s.ch)
}

// Publish implements patrol.Publisher.
func (h *Hub) Publish(_ context.Context, ev patrol.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			metrics.EventsDropped.WithLabelValues(s.name).Inc()
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unsubscribes everyone.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Multi publishes every event to each of its publishers in order.
type Multi []patrol.Publisher

func (m Multi) Publish(ctx context.Context, ev patrol.Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Filter forwards only events of the given types.
func Filter(next patrol.Publisher, types ...patrol.EventType) patrol.Publisher {
	allowed := make(map[patrol.EventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return filtered{next: next, allowed: allowed}
}

type filtered struct {
	next    patrol.Publisher
	allowed map[patrol.EventType]bool
}

func (f filtered) Publish(ctx context.Context, ev patrol.Event) {
	if f.allowed[ev.Type] {
		f.next.Publish(ctx, ev)
	}
}
