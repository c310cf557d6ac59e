package queue

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
	"github.com/smukkama/vigilant-patrol/internal/protocol"
)

// MessageWriter is the write side of a topic. *Producer satisfies it.
type MessageWriter interface {
	Publish(ctx context.Context, key string, value []byte) error
}

const sinkKafka = "kafka"

// EventPublisher relays tracker events to Kafka keyed by guard id, so all
// of a guard's events land on one partition in order. Publish only
// enqueues; Serve does the writes, keeping the tracker off the network.
type EventPublisher struct {
	writer  MessageWriter
	source  string
	queue   chan patrol.Event
	timeout time.Duration
	log     zerolog.Logger
}

func NewEventPublisher(writer MessageWriter, buffer int) *EventPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	host, _ := os.Hostname()
	return &EventPublisher{
		writer:  writer,
		source:  host,
		queue:   make(chan patrol.Event, buffer),
		timeout: 10 * time.Second,
		log:     logging.With().Str("component", "event-publisher").Logger(),
	}
}

// Publish implements patrol.Publisher. Events are dropped when the queue
// is full.
func (p *EventPublisher) Publish(_ context.Context, ev patrol.Event) {
	select {
	case p.queue <- ev:
	default:
		metrics.EventsDropped.WithLabelValues(sinkKafka).Inc()
		p.log.Warn().Str("type", string(ev.Type)).Str("guard_id", ev.GuardID).Msg("event queue full, dropping event")
	}
}

// Serve writes queued events until ctx is done, then drains what is
// already queued.
func (p *EventPublisher) Serve(ctx context.Context) error {
	for {
		select {
		case ev := <-p.queue:
			p.write(ctx, ev)
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		}
	}
}

func (p *EventPublisher) String() string { return "event-publisher" }

func (p *EventPublisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	for {
		select {
		case ev := <-p.queue:
			p.write(ctx, ev)
		default:
			return
		}
	}
}

func (p *EventPublisher) write(ctx context.Context, ev patrol.Event) {
	data, err := protocol.EncodeEventMessage(&protocol.EventMessage{
		Source:      p.source,
		PublishedAt: time.Now().UTC(),
		Event:       ev,
	})
	if err != nil {
		metrics.EventPublishFailures.WithLabelValues(sinkKafka).Inc()
		p.log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to encode event")
		return
	}

	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.Publish(wctx, ev.GuardID, data); err != nil {
		metrics.EventPublishFailures.WithLabelValues(sinkKafka).Inc()
		p.log.Error().Err(err).Str("type", string(ev.Type)).Str("guard_id", ev.GuardID).Msg("failed to publish event")
	}
}
