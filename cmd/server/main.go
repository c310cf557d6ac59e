package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/vigilant-patrol/internal/analysis"
	"github.com/smukkama/vigilant-patrol/internal/api"
	"github.com/smukkama/vigilant-patrol/internal/connection"
	"github.com/smukkama/vigilant-patrol/internal/events"
	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
	"github.com/smukkama/vigilant-patrol/internal/position"
	"github.com/smukkama/vigilant-patrol/internal/queue"
	"github.com/smukkama/vigilant-patrol/internal/review"
	"github.com/smukkama/vigilant-patrol/internal/server"
	"github.com/smukkama/vigilant-patrol/internal/store"
	"github.com/smukkama/vigilant-patrol/internal/supervisor"
	"github.com/smukkama/vigilant-patrol/internal/timer"
	"github.com/smukkama/vigilant-patrol/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	logging.Info().Msg("starting patrol server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open patrol store")
	}
	defer closeStore.Close()
	logging.Info().Str("backend", cfg.Store.Backend).Msg("patrol store opened")

	checkpoints, err := patrol.LoadCheckpoints(cfg.Patrol.CheckpointsFile)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load checkpoints")
	}
	policy, err := patrol.ParseStartPolicy(cfg.Patrol.StartPolicy)
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid start policy")
	}

	tree := supervisor.NewTree("patrol-server", supervisor.TreeConfig{ShutdownTimeout: cfg.HTTP.ShutdownTimeout + 5*time.Second})

	liveEvents := events.NewHub()
	defer liveEvents.Close()
	publishers := events.Multi{liveEvents}

	if cfg.Kafka.Enabled {
		if err := queue.CreateTopic(&cfg.Kafka, 1); err != nil {
			logging.Warn().Err(err).Msg("failed to create events topic")
		}
		producer := queue.NewProducer(&cfg.Kafka)
		defer producer.Close()

		kafkaEvents := queue.NewEventPublisher(producer, 1024)
		publishers = append(publishers, kafkaEvents)
		tree.AddMessagingService(kafkaEvents)
		logging.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.TopicEvents).Msg("kafka event publisher enabled")
	}

	positions := position.NewHub(position.DefaultSampleBuffer)
	registry := patrol.NewRegistry(kv)
	tracker := patrol.NewTracker(registry, positions, checkpoints,
		patrol.WithPublisher(publishers),
		patrol.WithStartPolicy(policy),
	)
	defer tracker.Close()

	resumed, err := tracker.ResumeAll(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("some patrols could not be resumed")
	}
	logging.Info().Int("resumed", len(resumed)).Int("checkpoints", len(checkpoints)).Str("start_policy", cfg.Patrol.StartPolicy).Msg("patrol tracker ready")

	connManager := connection.NewManager(cfg.TCPServer.MaxConnections)
	timerManager := timer.NewTimerManager(4)
	timerManager.Start()
	defer timerManager.Stop()

	tcpServer := server.NewTCPServer(&cfg.TCPServer, connManager, timerManager, positions, tracker)
	tree.AddIngestService(tcpServer)

	analyzer, connectivity := buildAnalysis(cfg, tree)
	reviewer := review.NewService(registry, analyzer, connectivity)

	handler := api.NewHandler(tracker, positions, reviewer, liveEvents)
	router := api.NewRouter(handler, api.RouterConfig{AnalysisRPM: cfg.HTTP.AnalysisRPM})
	tree.AddAPIService(api.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout))

	tree.AddAPIService(supervisor.Func{Name: "stats-reporter", Run: func(ctx context.Context) error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				stats := connManager.Stats()
				timerStats := timerManager.Stats()
				logging.Info().
					Int("connections", stats.TotalConnections).
					Int("max_connections", stats.MaxConnections).
					Int("guards_connected", stats.UniqueGuards).
					Int("active_patrols", tracker.ActiveCount()).
					Int("live_clients", liveEvents.Count()).
					Int("scheduled_timers", timerStats.ScheduledTasks).
					Bool("online", connectivity.Online()).
					Msg("server statistics")
			}
		}
	}})

	logging.Info().Int("tcp_port", cfg.TCPServer.Port).Str("http_addr", cfg.HTTP.Addr).Msg("patrol server is running")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("supervisor stopped with error")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		logging.Warn().Int("count", len(report)).Msg("services did not stop in time")
	}
	logging.Info().Msg("patrol server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (store.KV, io.Closer, error) {
	switch cfg.Store.Backend {
	case "badger":
		s, err := store.OpenBadger(cfg.Store.BadgerDir)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return store.NewRedisStore(client, "patrol:"), client, nil
	case "memory":
		return store.NewMemoryStore(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildAnalysis wires the model client, its breaker and the connectivity
// source. Without an API key the service runs permanently offline.
func buildAnalysis(cfg *config.Config, tree *supervisor.Tree) (*analysis.Analyzer, analysis.Connectivity) {
	client := analysis.NewGeminiClient(cfg.Analysis.Endpoint, cfg.Analysis.Model, cfg.Analysis.APIKey, cfg.Analysis.Timeout)
	model := analysis.NewBreakerModel(client, "analysis-model", 30*time.Second)
	analyzer := analysis.NewAnalyzer(model, cfg.Analysis.Timeout)

	if cfg.Analysis.ForceOffline || cfg.Analysis.APIKey == "" {
		logging.Warn().Bool("forced", cfg.Analysis.ForceOffline).Msg("analysis disabled, running offline")
		return analyzer, analysis.Static(false)
	}

	monitor := analysis.NewMonitor(client.Ping, cfg.Analysis.ProbeInterval)
	tree.AddAPIService(monitor)
	return analyzer, monitor
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
