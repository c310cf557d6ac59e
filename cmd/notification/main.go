package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/notification"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
	"github.com/smukkama/vigilant-patrol/internal/queue"
	"github.com/smukkama/vigilant-patrol/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	logging.Info().Msg("starting notification service")

	checkpoints, err := patrol.LoadCheckpoints(cfg.Patrol.CheckpointsFile)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load checkpoints")
	}

	notifier := notification.NewEmailNotifier(&cfg.SMTP)
	if err := notifier.TestConnection(); err != nil {
		logging.Warn().Err(err).Msg("SMTP unavailable, notifications will be logged only")
	}

	consumer := queue.NewConsumer(&cfg.Kafka, "patrol-notification-group")
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := notification.NewDispatcher(consumer, notifier, checkpoints)
	logging.Info().Str("topic", cfg.Kafka.TopicEvents).Msg("notification service is running")

	if err := dispatcher.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("notification dispatcher stopped")
	}
	logging.Info().Msg("notification service stopped")
}
