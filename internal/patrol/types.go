// Package patrol tracks guard patrols: it turns a live stream of position
// samples into a durable patrol session with per-checkpoint arrival times.
//
// The JSON encoding of Session matches the records the handset application
// keeps in local storage, so archived records from either side are
// interchangeable.
package patrol

import (
	"errors"
	"fmt"
	"math"
)

// GeoSample is one GPS observation. Timestamp is epoch milliseconds as
// reported by the device.
type GeoSample struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Timestamp int64    `json:"timestamp"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Validate reports whether the coordinates are usable.
func (g GeoSample) Validate() error {
	if math.IsNaN(g.Lat) || math.IsInf(g.Lat, 0) || math.IsNaN(g.Lng) || math.IsInf(g.Lng, 0) {
		return errors.New("coordinates must be finite")
	}
	if g.Lat < -90 || g.Lat > 90 {
		return fmt.Errorf("latitude %v out of range", g.Lat)
	}
	if g.Lng < -180 || g.Lng > 180 {
		return fmt.Errorf("longitude %v out of range", g.Lng)
	}
	return nil
}

// Checkpoint is a fixed physical waypoint shared by every patrol.
type Checkpoint struct {
	ID   string  `json:"id" yaml:"id"`
	Name string  `json:"name" yaml:"name"`
	Lat  float64 `json:"lat" yaml:"lat"`
	Lng  float64 `json:"lng" yaml:"lng"`
}

// CheckpointVisit records when a patrol first reached a checkpoint.
// ReachedAt is nil until arrival and never changes afterwards.
type CheckpointVisit struct {
	CheckpointID string `json:"checkpointId"`
	ReachedAt    *int64 `json:"reachedAt,omitempty"`
}

// Reached reports whether the checkpoint has been visited.
func (v CheckpointVisit) Reached() bool {
	return v.ReachedAt != nil
}

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	// StatusIncident is reserved; no operation currently produces it.
	StatusIncident Status = "incident"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusIncident:
		return true
	}
	return false
}

// Session is one continuous patrol by one guard.
type Session struct {
	ID          string            `json:"id"`
	GuardID     string            `json:"guardId"`
	GuardName   string            `json:"guardName"`
	StartTime   int64             `json:"startTime"`
	EndTime     *int64            `json:"endTime,omitempty"`
	Points      []GeoSample       `json:"points"`
	Checkpoints []CheckpointVisit `json:"checkpoints"`
	Status      Status            `json:"status"`
}

// Active reports whether the session is still receiving samples.
func (s *Session) Active() bool {
	return s.Status == StatusActive
}

// ReachedCount returns how many checkpoints have been visited.
func (s *Session) ReachedCount() int {
	n := 0
	for _, v := range s.Checkpoints {
		if v.Reached() {
			n++
		}
	}
	return n
}

// Visit returns the visit record for a checkpoint.
func (s *Session) Visit(checkpointID string) (CheckpointVisit, bool) {
	for _, v := range s.Checkpoints {
		if v.CheckpointID == checkpointID {
			return v, true
		}
	}
	return CheckpointVisit{}, false
}

// Clone returns a deep copy that shares no memory with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	c.Points = make([]GeoSample, len(s.Points))
	for i, p := range s.Points {
		if p.Accuracy != nil {
			acc := *p.Accuracy
			p.Accuracy = &acc
		}
		c.Points[i] = p
	}
	c.Checkpoints = make([]CheckpointVisit, len(s.Checkpoints))
	for i, v := range s.Checkpoints {
		if v.ReachedAt != nil {
			at := *v.ReachedAt
			v.ReachedAt = &at
		}
		c.Checkpoints[i] = v
	}
	return &c
}

// validate checks the structural invariants of a stored record.
func (s *Session) validate() error {
	if s.ID == "" {
		return errors.New("missing id")
	}
	if s.GuardID == "" {
		return errors.New("missing guardId")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.Active() && s.EndTime != nil {
		return errors.New("active session has endTime")
	}
	if !s.Active() && s.EndTime == nil {
		return fmt.Errorf("%s session has no endTime", s.Status)
	}
	return nil
}
