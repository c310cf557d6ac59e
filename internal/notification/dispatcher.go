package notification

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
	"github.com/smukkama/vigilant-patrol/internal/protocol"
	"github.com/smukkama/vigilant-patrol/internal/queue"
)

// Sender delivers a missed-checkpoint report.
type Sender interface {
	SendMissedCheckpoints(report *protocol.MissedCheckpointReport) error
}

// Dispatcher reads patrol events from Kafka and mails a report for every
// completed patrol that missed checkpoints. Offsets are committed only
// after the mail went out, so failed sends are retried.
type Dispatcher struct {
	source queue.MessageSource
	sender Sender
	names  map[string]string
	retry  time.Duration
	log    zerolog.Logger
}

func NewDispatcher(source queue.MessageSource, sender Sender, checkpoints []patrol.Checkpoint) *Dispatcher {
	names := make(map[string]string, len(checkpoints))
	for _, cp := range checkpoints {
		names[cp.ID] = cp.Name
	}
	return &Dispatcher{
		source: source,
		sender: sender,
		names:  names,
		retry:  time.Second,
		log:    logging.With().Str("component", "notification-dispatcher").Logger(),
	}
}

func (d *Dispatcher) Serve(ctx context.Context) error {
	for {
		msg, err := d.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Error().Err(err).Msg("failed to consume message")
			if !sleep(ctx, d.retry) {
				return ctx.Err()
			}
			continue
		}

		for {
			err := d.handle(msg.Value)
			if err == nil {
				break
			}
			d.log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to send notification, will retry")
			if !sleep(ctx, d.retry) {
				return ctx.Err()
			}
		}

		if err := d.source.Commit(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

func (d *Dispatcher) String() string { return "notification-dispatcher" }

// handle returns an error only when a report should be retried.
func (d *Dispatcher) handle(value []byte) error {
	env, err := protocol.DecodeEventMessage(value)
	if err != nil {
		d.log.Warn().Err(err).Msg("skipping undecodable event message")
		return nil
	}
	if env.Event.Type != patrol.EventCompleted || env.Event.Session == nil {
		return nil
	}

	report := protocol.NewMissedCheckpointReport(env.Event.Session, d.names)
	if report == nil {
		d.log.Debug().Str("session_id", env.Event.SessionID).Msg("patrol fully covered, no notification")
		return nil
	}
	return d.sender.SendMissedCheckpoints(report)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
