package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the database
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		logging.Info().Str("migration", filename).Msg("running migration")

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	logging.Info().Int("count", len(sqlFiles)).Msg("all migrations completed")
	return nil
}

// NewPatrolRecord flattens a sealed session into its archive rows
func NewPatrolRecord(s *patrol.Session) (*PatrolRecord, []CheckpointVisitRecord, error) {
	if s.EndTime == nil {
		return nil, nil, fmt.Errorf("patrol %s is not sealed", s.ID)
	}
	path, err := json.Marshal(s.Points)
	if err != nil {
		return nil, nil, fmt.Errorf("encode path: %w", err)
	}

	rec := &PatrolRecord{
		SessionID:          s.ID,
		GuardID:            s.GuardID,
		GuardName:          s.GuardName,
		Status:             string(s.Status),
		StartedAt:          time.UnixMilli(s.StartTime).UTC(),
		EndedAt:            time.UnixMilli(*s.EndTime).UTC(),
		SampleCount:        len(s.Points),
		CheckpointsReached: s.ReachedCount(),
		CheckpointsTotal:   len(s.Checkpoints),
		Path:               path,
	}

	visits := make([]CheckpointVisitRecord, 0, len(s.Checkpoints))
	for _, v := range s.Checkpoints {
		vr := CheckpointVisitRecord{SessionID: s.ID, CheckpointID: v.CheckpointID}
		if v.ReachedAt != nil {
			at := time.UnixMilli(*v.ReachedAt).UTC()
			vr.ReachedAt = &at
		}
		visits = append(visits, vr)
	}
	return rec, visits, nil
}

// ArchivePatrol stores a sealed session and its checkpoint visits. It is
// idempotent: re-delivered events overwrite the same rows.
func (db *DB) ArchivePatrol(ctx context.Context, s *patrol.Session) error {
	rec, visits, err := NewPatrolRecord(s)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO patrol_sessions (
			session_id, guard_id, guard_name, status, started_at, ended_at,
			sample_count, checkpoints_reached, checkpoints_total, path
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE
		SET guard_name = EXCLUDED.guard_name,
		    status = EXCLUDED.status,
		    ended_at = EXCLUDED.ended_at,
		    sample_count = EXCLUDED.sample_count,
		    checkpoints_reached = EXCLUDED.checkpoints_reached,
		    checkpoints_total = EXCLUDED.checkpoints_total,
		    path = EXCLUDED.path,
		    archived_at = CURRENT_TIMESTAMP
	`,
		rec.SessionID, rec.GuardID, rec.GuardName, rec.Status, rec.StartedAt, rec.EndedAt,
		rec.SampleCount, rec.CheckpointsReached, rec.CheckpointsTotal, string(rec.Path),
	)
	if err != nil {
		return fmt.Errorf("upsert patrol %s: %w", rec.SessionID, err)
	}

	for _, v := range visits {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoint_visits (session_id, checkpoint_id, reached_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (session_id, checkpoint_id) DO UPDATE
			SET reached_at = EXCLUDED.reached_at
		`, v.SessionID, v.CheckpointID, v.ReachedAt)
		if err != nil {
			return fmt.Errorf("upsert visit %s/%s: %w", v.SessionID, v.CheckpointID, err)
		}
	}

	return tx.Commit()
}

// ListPatrolsForDay returns patrols that started within the UTC day
func (db *DB) ListPatrolsForDay(ctx context.Context, day time.Time) ([]*PatrolRecord, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	rows, err := db.QueryContext(ctx, `
		SELECT session_id, guard_id, guard_name, status, started_at, ended_at,
		       sample_count, checkpoints_reached, checkpoints_total, archived_at
		FROM patrol_sessions
		WHERE started_at >= $1 AND started_at < $2
		ORDER BY guard_id, started_at
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PatrolRecord
	for rows.Next() {
		var r PatrolRecord
		if err := rows.Scan(
			&r.SessionID,
			&r.GuardID,
			&r.GuardName,
			&r.Status,
			&r.StartedAt,
			&r.EndedAt,
			&r.SampleCount,
			&r.CheckpointsReached,
			&r.CheckpointsTotal,
			&r.ArchivedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpsertDailyCoverage inserts or replaces a guard's rollup for a day
func (db *DB) UpsertDailyCoverage(ctx context.Context, c *DailyCoverage) error {
	query := `
		INSERT INTO daily_coverage (
			guard_id, guard_name, date, patrol_count, checkpoints_reached,
			checkpoints_total, coverage_ratio, sample_count, total_minutes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (guard_id, date) DO UPDATE
		SET guard_name = EXCLUDED.guard_name,
		    patrol_count = EXCLUDED.patrol_count,
		    checkpoints_reached = EXCLUDED.checkpoints_reached,
		    checkpoints_total = EXCLUDED.checkpoints_total,
		    coverage_ratio = EXCLUDED.coverage_ratio,
		    sample_count = EXCLUDED.sample_count,
		    total_minutes = EXCLUDED.total_minutes
		RETURNING id
	`
	return db.QueryRowContext(ctx, query,
		c.GuardID,
		c.GuardName,
		c.Date,
		c.PatrolCount,
		c.CheckpointsReached,
		c.CheckpointsTotal,
		c.CoverageRatio,
		c.SampleCount,
		c.TotalMinutes,
	).Scan(&c.ID)
}
