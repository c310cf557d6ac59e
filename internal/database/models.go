package database

import (
	"time"
)

// PatrolRecord is an archived, sealed patrol session
type PatrolRecord struct {
	SessionID          string
	GuardID            string
	GuardName          string
	Status             string
	StartedAt          time.Time
	EndedAt            time.Time
	SampleCount        int
	CheckpointsReached int
	CheckpointsTotal   int
	Path               []byte // JSON array of samples
	ArchivedAt         time.Time
}

// CheckpointVisitRecord is one checkpoint row of an archived patrol
type CheckpointVisitRecord struct {
	SessionID    string
	CheckpointID string
	ReachedAt    *time.Time
}

// DailyCoverage is the per-guard, per-day patrol rollup
type DailyCoverage struct {
	ID                 int64
	GuardID            string
	GuardName          string
	Date               time.Time
	PatrolCount        int
	CheckpointsReached int
	CheckpointsTotal   int
	CoverageRatio      float64
	SampleCount        int
	TotalMinutes       float64
	CreatedAt          time.Time
}
