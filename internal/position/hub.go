// Package position fans live device positions out to patrol subscriptions.
package position

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

const (
	DefaultSampleBuffer = 256
	errorBuffer         = 8
)

// Hub is a patrol.PositionSource fed by device producers (TCP connections,
// the HTTP position endpoint). Every Subscribe gets its own handle; once a
// handle is closed nothing is written to it again.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	log    zerolog.Logger
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSampleBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    logging.With().Str("component", "position-hub").Logger(),
	}
}

// Subscribe opens a feed for guardID. The handle closes itself when ctx is
// cancelled. highAccuracy is accepted for interface compatibility; device
// producers always report their best fix.
func (h *Hub) Subscribe(ctx context.Context, guardID string, highAccuracy bool) (patrol.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Subscription{
		hub:     h,
		guardID: guardID,
		samples: make(chan patrol.GeoSample, h.buffer),
		errs:    make(chan error, errorBuffer),
	}

	h.mu.Lock()
	set, ok := h.subs[guardID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[guardID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	h.log.Debug().Str("guard_id", guardID).Bool("high_accuracy", highAccuracy).Msg("position subscription opened")
	return s, nil
}

// Publish delivers a sample to every open handle of the guard and returns
// how many received it. A handle whose buffer is full misses the sample.
func (h *Hub) Publish(guardID string, sample patrol.GeoSample) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for s := range h.subs[guardID] {
		select {
		case s.samples <- sample:
			delivered++
		default:
			metrics.SamplesRejected.WithLabelValues("backpressure").Inc()
			h.log.Warn().Str("guard_id", guardID).Msg("position subscriber is full, dropping sample")
		}
	}
	return delivered
}

// Fail reports a non-fatal source failure (device disconnected, permission
// revoked) to every open handle of the guard.
func (h *Hub) Fail(guardID string, err error) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for s := range h.subs[guardID] {
		select {
		case s.errs <- err:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of open handles for the guard.
func (h *Hub) Subscribers(guardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[guardID])
}

func (h *Hub) remove(s *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[s.guardID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.guardID)
	}
	// Sends only happen under h.mu, so closing here cannot race a writer.
	close(s.samples)
	close(s.errs)
	return true
}

// Subscription is one handle returned by Hub.Subscribe.
type Subscription struct {
	hub     *Hub
	guardID string
	samples chan patrol.GeoSample
	errs    chan error
	once    sync.Once

	mu   sync.Mutex
	stop func() bool
}

func (s *Subscription) Samples() <-chan patrol.GeoSample { return s.samples }
func (s *Subscription) Errors() <-chan error             { return s.errs }

// Close detaches the handle. Buffered samples not yet read are discarded
// by the reader; Close is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.hub.remove(s) {
			s.hub.log.Debug().Str("guard_id", s.guardID).Msg("position subscription closed")
		}
	})

	s.mu.Lock()
	stop := s.stop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}
