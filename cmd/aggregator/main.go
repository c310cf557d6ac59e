package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/smukkama/vigilant-patrol/internal/aggregation"
	"github.com/smukkama/vigilant-patrol/internal/database"
	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/timer"
	"github.com/smukkama/vigilant-patrol/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	logging.Info().Msg("starting aggregation service")

	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	timerManager := timer.NewTimerManager(1)
	timerManager.Start()
	defer timerManager.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dailyAgg := aggregation.NewDailyAggregator(db)
	if err := scheduleDailyAggregation(ctx, timerManager, dailyAgg, cfg.Aggregation.DailyTime); err != nil {
		logging.Fatal().Err(err).Msg("failed to schedule daily aggregation")
	}

	logging.Info().Str("daily_time", cfg.Aggregation.DailyTime).Msg("aggregation service is running")
	<-ctx.Done()
	logging.Info().Msg("shutting down gracefully")
}

func scheduleDailyAggregation(ctx context.Context, tm *timer.TimerManager, agg *aggregation.DailyAggregator, timeOfDay string) error {
	const taskID = "daily-aggregation"

	if _, err := agg.CalculateNextRunTime(timeOfDay); err != nil {
		return err
	}

	var scheduleNext func()
	scheduleNext = func() {
		nextRun, err := agg.CalculateNextRunTime(timeOfDay)
		if err != nil {
			logging.Error().Err(err).Msg("failed to calculate daily run time")
			return
		}
		logging.Info().Time("next_run", nextRun).Msg("next daily aggregation scheduled")

		callback := func() {
			rows, err := agg.AggregatePreviousDay(ctx)
			if err != nil {
				logging.Error().Err(err).Msg("daily aggregation failed")
			} else {
				logging.Info().Int("guards", len(rows)).Msg("daily aggregation complete")
			}
			scheduleNext()
		}

		if err := tm.Schedule(taskID, nextRun, callback); err != nil {
			logging.Error().Err(err).Msg("failed to schedule daily aggregation")
		}
	}

	scheduleNext()
	return nil
}
