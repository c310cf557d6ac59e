// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Patrol lifecycle
	PatrolsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_sessions_started_total",
			Help: "Total number of patrol sessions started",
		},
	)

	PatrolsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_sessions_resumed_total",
			Help: "Total number of patrol sessions recovered from durable storage",
		},
	)

	PatrolsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_sessions_completed_total",
			Help: "Total number of patrol sessions sealed into history",
		},
	)

	PatrolsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patrol_sessions_active",
			Help: "Number of patrol sessions currently tracked by this process",
		},
	)

	// Position stream
	SamplesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_samples_accepted_total",
			Help: "Total number of position samples appended to a patrol path",
		},
	)

	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_samples_rejected_total",
			Help: "Total number of position samples rejected or discarded",
		},
		[]string{"reason"}, // "invalid", "no_session", "backpressure"
	)

	CheckpointsReached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_checkpoints_reached_total",
			Help: "Total number of checkpoint arrivals detected",
		},
		[]string{"checkpoint_id"},
	)

	SourceErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_source_errors_total",
			Help: "Total number of errors reported by position sources",
		},
	)

	StoreWriteFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_store_write_failures_total",
			Help: "Total number of failed writes to the durable patrol store",
		},
		[]string{"operation"},
	)

	// Event fan-out
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
		[]string{"sink"},
	)

	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_event_publish_failures_total",
			Help: "Total number of events that could not be written to a sink",
		},
		[]string{"sink"},
	)

	PatrolsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patrol_sessions_archived_total",
			Help: "Total number of sealed patrols written to the archive database",
		},
	)

	// Device ingestion
	DeviceConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patrol_device_connections",
			Help: "Number of identified guard devices connected over TCP",
		},
	)

	// Analysis
	AnalysisRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_analysis_requests_total",
			Help: "Total number of patrol analysis requests by outcome",
		},
		[]string{"outcome"}, // "success", "fallback", "offline"
	)

	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "patrol_analysis_duration_seconds",
			Help:    "Duration of calls to the analysis model",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60},
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patrol_connectivity_online",
			Help: "1 when the analysis service is reachable, 0 otherwise",
		},
	)

	// HTTP API
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patrol_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patrol_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patrol_websocket_clients",
			Help: "Number of connected live-feed websocket clients",
		},
	)
)
