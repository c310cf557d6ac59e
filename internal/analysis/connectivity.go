package analysis

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
)

// Connectivity reports whether the analysis service can be reached.
type Connectivity interface {
	Online() bool
}

// Static is a fixed connectivity answer.
type Static bool

func (s Static) Online() bool { return bool(s) }

// Monitor probes the analysis service on an interval. It starts offline
// until the first probe succeeds.
type Monitor struct {
	probe    func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration
	online   atomic.Bool
}

func NewMonitor(probe func(ctx context.Context) error, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{probe: probe, interval: interval, timeout: 5 * time.Second}
}

func (m *Monitor) Online() bool { return m.online.Load() }

// Check runs one probe and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.probe(pctx)
	online := err == nil
	if was := m.online.Swap(online); was != online {
		if online {
			logging.Info().Msg("analysis service reachable, back online")
		} else {
			logging.Warn().Err(err).Msg("analysis service unreachable, offline")
		}
	}
	if online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}
	return online
}

// Serve probes until ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context) error {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) String() string { return "connectivity-monitor" }
