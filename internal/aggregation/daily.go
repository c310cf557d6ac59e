// Package aggregation rolls archived patrols up into per-guard daily
// coverage figures.
package aggregation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/smukkama/vigilant-patrol/internal/database"
	"github.com/smukkama/vigilant-patrol/internal/logging"
)

// Store is the part of the archive the aggregator reads and writes.
type Store interface {
	ListPatrolsForDay(ctx context.Context, day time.Time) ([]*database.PatrolRecord, error)
	UpsertDailyCoverage(ctx context.Context, c *database.DailyCoverage) error
}

// DailyAggregator performs daily aggregation
type DailyAggregator struct {
	store Store
	now   func() time.Time
}

// NewDailyAggregator creates a new daily aggregator
func NewDailyAggregator(store Store) *DailyAggregator {
	return &DailyAggregator{store: store, now: time.Now}
}

// Aggregate computes and stores coverage for every guard that finished a
// patrol on the given UTC day. Re-running a day overwrites its rows.
func (d *DailyAggregator) Aggregate(ctx context.Context, targetDate time.Time) ([]*database.DailyCoverage, error) {
	date := targetDate.UTC().Truncate(24 * time.Hour)
	logging.Info().Str("date", date.Format("2006-01-02")).Msg("running daily coverage aggregation")

	records, err := d.store.ListPatrolsForDay(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list patrols: %w", err)
	}

	rows := Rollup(date, records)
	for _, c := range rows {
		if err := d.store.UpsertDailyCoverage(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to store coverage for %s: %w", c.GuardID, err)
		}
	}

	logging.Info().Str("date", date.Format("2006-01-02")).Int("patrols", len(records)).Int("guards", len(rows)).Msg("daily coverage aggregation completed")
	return rows, nil
}

// AggregatePreviousDay aggregates the previous full UTC day
func (d *DailyAggregator) AggregatePreviousDay(ctx context.Context) ([]*database.DailyCoverage, error) {
	return d.Aggregate(ctx, d.now().UTC().AddDate(0, 0, -1))
}

// Rollup groups patrol records by guard. Rows are ordered by guard id.
func Rollup(date time.Time, records []*database.PatrolRecord) []*database.DailyCoverage {
	byGuard := make(map[string]*database.DailyCoverage)
	latest := make(map[string]time.Time)

	for _, r := range records {
		c, ok := byGuard[r.GuardID]
		if !ok {
			c = &database.DailyCoverage{GuardID: r.GuardID, Date: date}
			byGuard[r.GuardID] = c
		}
		if r.StartedAt.After(latest[r.GuardID]) || c.GuardName == "" {
			latest[r.GuardID] = r.StartedAt
			c.GuardName = r.GuardName
		}
		c.PatrolCount++
		c.CheckpointsReached += r.CheckpointsReached
		c.CheckpointsTotal += r.CheckpointsTotal
		c.SampleCount += r.SampleCount
		if r.EndedAt.After(r.StartedAt) {
			c.TotalMinutes += r.EndedAt.Sub(r.StartedAt).Minutes()
		}
	}

	out := make([]*database.DailyCoverage, 0, len(byGuard))
	for _, c := range byGuard {
		if c.CheckpointsTotal > 0 {
			c.CoverageRatio = float64(c.CheckpointsReached) / float64(c.CheckpointsTotal)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuardID < out[j].GuardID })
	return out
}

// CalculateNextRunTime calculates when the daily aggregation should next run
// It runs at a specific time each day (e.g., 00:05)
func (d *DailyAggregator) CalculateNextRunTime(timeOfDay string) (time.Time, error) {
	now := d.now()

	var hour, minute int
	if _, err := fmt.Sscanf(timeOfDay, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("invalid time format: %s (expected HH:MM)", timeOfDay)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid time of day: %s", timeOfDay)
	}

	todayRun := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(todayRun) {
		return todayRun.AddDate(0, 0, 1), nil
	}
	return todayRun, nil
}
