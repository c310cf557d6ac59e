package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
	"github.com/smukkama/vigilant-patrol/internal/protocol"
)

// MessageSource is the read side of a topic. *Consumer satisfies it.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Archiver persists sealed patrols. *database.DB satisfies it.
type Archiver interface {
	ArchivePatrol(ctx context.Context, s *patrol.Session) error
}

// BatchWriter consumes patrol events and archives completed patrols in
// batches. Other event types are committed without processing.
type BatchWriter struct {
	consumer      MessageSource
	archiver      Archiver
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	log           zerolog.Logger
}

// NewBatchWriter creates a new batch writer
func NewBatchWriter(consumer MessageSource, archiver Archiver, batchSize int, flushInterval time.Duration) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &BatchWriter{
		consumer:      consumer,
		archiver:      archiver,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		log:           logging.With().Str("component", "batch-writer").Logger(),
	}
}

// Start begins consuming and archiving
func (bw *BatchWriter) Start(ctx context.Context) error {
	bw.wg.Add(1)
	go bw.run(ctx)
	return nil
}

// Stop flushes the pending batch and waits for the writer to exit
func (bw *BatchWriter) Stop() {
	bw.stopOnce.Do(func() { close(bw.stopCh) })
	bw.wg.Wait()
}

func (bw *BatchWriter) run(ctx context.Context) {
	defer bw.wg.Done()

	var batch []kafka.Message
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	msgChan := make(chan kafka.Message, bw.batchSize)
	go func() {
		defer close(msgChan)
		for {
			msg, err := bw.consumer.Consume(fetchCtx)
			if err != nil {
				if fetchCtx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				bw.log.Error().Err(err).Msg("consumer error")
				select {
				case <-time.After(time.Second):
					continue
				case <-fetchCtx.Done():
					return
				}
			}
			select {
			case msgChan <- msg:
			case <-fetchCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-bw.stopCh:
			bw.flush(context.WithoutCancel(ctx), batch)
			return

		case <-ctx.Done():
			bw.flush(context.WithoutCancel(ctx), batch)
			return

		case <-ticker.C:
			if len(batch) > 0 {
				bw.log.Debug().Int("messages", len(batch)).Msg("flush interval reached")
				bw.flush(ctx, batch)
				batch = nil
			}

		case msg, ok := <-msgChan:
			if !ok {
				bw.flush(context.WithoutCancel(ctx), batch)
				return
			}
			batch = append(batch, msg)

			if len(batch) >= bw.batchSize {
				bw.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func (bw *BatchWriter) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}

	archived := 0
	for _, msg := range batch {
		ok, err := bw.processMessage(ctx, msg)
		if err != nil {
			// Left uncommitted; the group re-delivers it after a restart.
			bw.log.Error().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("failed to process message")
			continue
		}
		if ok {
			archived++
		}

		if err := bw.consumer.Commit(ctx, msg); err != nil {
			bw.log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}

	bw.log.Info().Int("messages", len(batch)).Int("archived", archived).Msg("flushed batch")
}

// processMessage archives a completed patrol. It reports false for events
// that are not archived.
func (bw *BatchWriter) processMessage(ctx context.Context, msg kafka.Message) (bool, error) {
	env, err := protocol.DecodeEventMessage(msg.Value)
	if err != nil {
		// Undecodable messages are skipped rather than blocking the partition.
		bw.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed event")
		return false, nil
	}
	if env.Event.Type != patrol.EventCompleted {
		return false, nil
	}
	if env.Event.Session == nil {
		bw.log.Warn().Str("session_id", env.Event.SessionID).Msg("completed event without session snapshot")
		return false, nil
	}

	if err := bw.archiver.ArchivePatrol(ctx, env.Event.Session); err != nil {
		return false, fmt.Errorf("archive patrol %s: %w", env.Event.SessionID, err)
	}
	metrics.PatrolsArchived.Inc()
	return true, nil
}
