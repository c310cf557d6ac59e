// Package review backs the supervisor view: patrol history, the dashboard
// totals and the single analysis report currently on the board.
package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/vigilant-patrol/internal/analysis"
	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

var (
	ErrOffline  = errors.New("analysis unavailable while offline")
	ErrNotFound = errors.New("patrol not found")
	// ErrNotSealed is returned when analysis is asked for a patrol that is
	// still in progress.
	ErrNotSealed = errors.New("patrol is still in progress")
)

// Sessions is the read side of the patrol registry.
type Sessions interface {
	History(ctx context.Context) ([]*patrol.Session, error)
	ActiveSessions(ctx context.Context) ([]*patrol.Session, error)
	Get(ctx context.Context, sessionID string) (*patrol.Session, error)
}

// Analyzer reviews a single patrol. It is expected to never fail.
type Analyzer interface {
	Analyze(ctx context.Context, s *patrol.Session) analysis.Result
}

// Report is the analysis shown on the board.
type Report struct {
	SessionID  string          `json:"session_id"`
	GuardID    string          `json:"guard_id"`
	GuardName  string          `json:"guard_name"`
	AnalyzedAt time.Time       `json:"analyzed_at"`
	Result     analysis.Result `json:"result"`
}

// Coverage is one patrol's checkpoint progress.
type Coverage struct {
	SessionID string        `json:"session_id"`
	GuardID   string        `json:"guard_id"`
	GuardName string        `json:"guard_name"`
	Status    patrol.Status `json:"status"`
	StartTime int64         `json:"start_time"`
	EndTime   *int64        `json:"end_time,omitempty"`
	Reached   int           `json:"reached"`
	Total     int           `json:"total"`
}

type Dashboard struct {
	TotalPatrols int        `json:"total_patrols"`
	OnDuty       int        `json:"on_duty"`
	Incidents    int        `json:"incidents"`
	Active       []Coverage `json:"active"`
	Recent       []Coverage `json:"recent"`
}

type Service struct {
	sessions Sessions
	analyzer Analyzer
	conn     analysis.Connectivity
	now      func() time.Time
	log      zerolog.Logger

	mu    sync.Mutex
	board *Report
}

func NewService(sessions Sessions, analyzer Analyzer, conn analysis.Connectivity) *Service {
	return &Service{
		sessions: sessions,
		analyzer: analyzer,
		conn:     conn,
		now:      time.Now,
		log:      logging.With().Str("component", "review").Logger(),
	}
}

// History returns sealed patrols, newest first.
func (s *Service) History(ctx context.Context) ([]*patrol.Session, error) {
	return s.sessions.History(ctx)
}

// Patrol finds a patrol by id among sealed and active sessions.
func (s *Service) Patrol(ctx context.Context, sessionID string) (*patrol.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	active, err := s.sessions.ActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range active {
		if a.ID == sessionID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
}

func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	history, err := s.sessions.History(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	active, err := s.sessions.ActiveSessions(ctx)
	if err != nil {
		return Dashboard{}, err
	}

	d := Dashboard{
		TotalPatrols: len(history),
		OnDuty:       len(active),
		Active:       make([]Coverage, 0, len(active)),
		Recent:       make([]Coverage, 0, len(history)),
	}
	for _, h := range history {
		if h.Status == patrol.StatusIncident {
			d.Incidents++
		}
		d.Recent = append(d.Recent, coverageOf(h))
	}
	for _, a := range active {
		d.Active = append(d.Active, coverageOf(a))
	}
	return d, nil
}

// Analyze reviews a sealed patrol and puts the result on the board. While
// offline it fails with ErrOffline and leaves the board as it was.
func (s *Service) Analyze(ctx context.Context, sessionID string) (Report, error) {
	if !s.conn.Online() {
		return Report{}, ErrOffline
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Report{}, err
	}
	if sess == nil {
		if _, err := s.Patrol(ctx, sessionID); err != nil {
			return Report{}, err
		}
		return Report{}, fmt.Errorf("%w: %s", ErrNotSealed, sessionID)
	}

	res := s.analyzer.Analyze(ctx, sess)
	rep := Report{
		SessionID:  sess.ID,
		GuardID:    sess.GuardID,
		GuardName:  sess.GuardName,
		AnalyzedAt: s.now().UTC(),
		Result:     res,
	}

	s.mu.Lock()
	s.board = &rep
	s.mu.Unlock()

	s.log.Info().Str("session_id", sess.ID).Float64("efficiency", res.Efficiency).Msg("analysis report posted")
	return rep, nil
}

// Board returns the report currently shown, if any.
func (s *Service) Board() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.board == nil {
		return Report{}, false
	}
	return *s.board, true
}

// Dismiss closes the current report.
func (s *Service) Dismiss() {
	s.mu.Lock()
	s.board = nil
	s.mu.Unlock()
}

func (s *Service) Online() bool {
	return s.conn.Online()
}

func coverageOf(s *patrol.Session) Coverage {
	return Coverage{
		SessionID: s.ID,
		GuardID:   s.GuardID,
		GuardName: s.GuardName,
		Status:    s.Status,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Reached:   s.ReachedCount(),
		Total:     len(s.Checkpoints),
	}
}
