package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/smukkama/vigilant-patrol/internal/database"
	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/queue"
	"github.com/smukkama/vigilant-patrol/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	logging.Info().Msg("starting patrol archiver")

	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.RunMigrations("migrations"); err != nil {
		logging.Fatal().Err(err).Msg("failed to run migrations")
	}

	consumer := queue.NewConsumer(&cfg.Kafka, "patrol-archiver-group")
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	batchWriter := queue.NewBatchWriter(consumer, db, cfg.Kafka.BatchSize, cfg.Kafka.BatchTimeout)
	if err := batchWriter.Start(ctx); err != nil {
		logging.Fatal().Err(err).Msg("failed to start batch writer")
	}
	logging.Info().Str("topic", cfg.Kafka.TopicEvents).Int("batch_size", cfg.Kafka.BatchSize).Msg("patrol archiver is running")

	<-ctx.Done()
	logging.Info().Msg("shutting down gracefully")
	batchWriter.Stop()

	stats := consumer.Stats()
	logging.Info().Int64("messages", stats.Messages).Int64("errors", stats.Errors).Msg("patrol archiver stopped")
}
