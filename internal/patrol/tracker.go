package patrol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
)

// StartPolicy decides what Start does for a guard who already has an
// active patrol.
type StartPolicy string

const (
	// StartReject refuses with ErrPatrolActive.
	StartReject StartPolicy = "reject"
	// StartResume returns the existing patrol and keeps tracking it.
	StartResume StartPolicy = "resume"
)

func ParseStartPolicy(s string) (StartPolicy, error) {
	switch StartPolicy(s) {
	case StartReject, StartResume:
		return StartPolicy(s), nil
	case "":
		return StartReject, nil
	}
	return "", fmt.Errorf("unknown start policy %q", s)
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithPublisher(p Publisher) Option {
	return func(t *Tracker) {
		if p != nil {
			t.publisher = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(t *Tracker) { t.newID = newID }
}

func WithStartPolicy(p StartPolicy) Option {
	return func(t *Tracker) { t.policy = p }
}

// tracked is a patrol this process is currently feeding with samples.
type tracked struct {
	session *Session
	sub     Subscription
	cancel  context.CancelFunc
	warning string
}

// Tracker owns the active patrols of this process. All mutations of a
// session happen under one lock, so a sample is fully applied (append,
// checkpoint evaluation, durable write) before the next one is looked at.
type Tracker struct {
	mu          sync.Mutex
	registry    *Registry
	source      PositionSource
	publisher   Publisher
	checkpoints []Checkpoint
	byID        map[string]Checkpoint
	policy      StartPolicy
	now         func() time.Time
	newID       func() string
	active      map[string]*tracked
	pumps       sync.WaitGroup
	log         zerolog.Logger
}

// NewTracker creates a tracker for the given checkpoint set. source may be
// nil, in which case Start and Resume fail with ErrSourceUnavailable.
func NewTracker(registry *Registry, source PositionSource, checkpoints []Checkpoint, opts ...Option) *Tracker {
	t := &Tracker{
		registry:    registry,
		source:      source,
		publisher:   nopPublisher{},
		checkpoints: append([]Checkpoint(nil), checkpoints...),
		byID:        make(map[string]Checkpoint, len(checkpoints)),
		policy:      StartReject,
		now:         time.Now,
		newID:       uuid.NewString,
		active:      make(map[string]*tracked),
		log:         logging.With().Str("component", "tracker").Logger(),
	}
	for _, c := range checkpoints {
		t.byID[c.ID] = c
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Checkpoints returns the configured checkpoint set.
func (t *Tracker) Checkpoints() []Checkpoint {
	return append([]Checkpoint(nil), t.checkpoints...)
}

// Start begins a new patrol for the guard. The session is durably stored
// as the guard's active patrol before Start returns.
func (t *Tracker) Start(ctx context.Context, guardID, guardName string) (*Session, error) {
	if guardID == "" {
		return nil, ErrInvalidGuard
	}

	t.mu.Lock()
	var events []Event
	defer func() {
		t.mu.Unlock()
		t.publish(ctx, events)
	}()

	if tr, ok := t.active[guardID]; ok {
		if t.policy == StartResume {
			return tr.session.Clone(), nil
		}
		return nil, fmt.Errorf("%w: %s (session %s)", ErrPatrolActive, guardID, tr.session.ID)
	}

	existing, err := t.registry.Active(ctx, guardID)
	if err != nil {
		return nil, fmt.Errorf("check active patrol: %w", err)
	}
	if existing != nil {
		if t.policy == StartReject {
			return nil, fmt.Errorf("%w: %s (session %s)", ErrPatrolActive, guardID, existing.ID)
		}
		snapshot, err := t.attachLocked(existing)
		if err != nil {
			return nil, err
		}
		metrics.PatrolsResumed.Inc()
		events = append(events, t.event(EventResumed, snapshot, withSession(snapshot)))
		return snapshot, nil
	}

	s := &Session{
		ID:          t.newID(),
		GuardID:     guardID,
		GuardName:   guardName,
		StartTime:   t.now().UnixMilli(),
		Points:      []GeoSample{},
		Checkpoints: make([]CheckpointVisit, 0, len(t.checkpoints)),
		Status:      StatusActive,
	}
	for _, c := range t.checkpoints {
		s.Checkpoints = append(s.Checkpoints, CheckpointVisit{CheckpointID: c.ID})
	}

	sub, err := t.subscribe(guardID)
	if err != nil {
		return nil, err
	}
	if err := t.registry.SaveActive(ctx, s); err != nil {
		sub.Close()
		metrics.StoreWriteFailures.WithLabelValues("start").Inc()
		return nil, fmt.Errorf("persist new patrol: %w", err)
	}
	t.track(s, sub)

	metrics.PatrolsStarted.Inc()
	t.log.Info().Str("guard_id", guardID).Str("session_id", s.ID).Int("checkpoints", len(s.Checkpoints)).Msg("patrol started")

	snapshot := s.Clone()
	events = append(events, t.event(EventStarted, snapshot, withSession(snapshot)))
	return snapshot, nil
}

// OnSample applies one position sample to the guard's active patrol and
// returns the updated session.
func (t *Tracker) OnSample(ctx context.Context, guardID string, sample GeoSample) (*Session, error) {
	return t.onSample(ctx, guardID, "", sample)
}

// onSample applies sample if the guard's active patrol is sessionID (any
// patrol when sessionID is empty).
func (t *Tracker) onSample(ctx context.Context, guardID, sessionID string, sample GeoSample) (*Session, error) {
	t.mu.Lock()
	var events []Event
	defer func() {
		t.mu.Unlock()
		t.publish(ctx, events)
	}()

	tr, ok := t.active[guardID]
	if !ok || (sessionID != "" && tr.session.ID != sessionID) {
		metrics.SamplesRejected.WithLabelValues("no_session").Inc()
		return nil, ErrNoActiveSession
	}
	s := tr.session

	if err := sample.Validate(); err != nil {
		metrics.SamplesRejected.WithLabelValues("invalid").Inc()
		events = append(events, t.event(EventSampleRejected, s, withSample(sample), withError(err)))
		return nil, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}

	s.Points = append(s.Points, sample)
	metrics.SamplesAccepted.Inc()

	var reached []string
	for i := range s.Checkpoints {
		v := &s.Checkpoints[i]
		if v.Reached() {
			continue
		}
		c, ok := t.byID[v.CheckpointID]
		if !ok {
			continue
		}
		if Within(c, sample) {
			at := t.now().UnixMilli()
			v.ReachedAt = &at
			reached = append(reached, c.ID)
		}
	}

	if err := t.registry.SaveActive(ctx, s); err != nil {
		// The in-memory session stays ahead; the next successful write
		// catches the store up.
		metrics.StoreWriteFailures.WithLabelValues("sample").Inc()
		t.log.Warn().Err(err).Str("guard_id", guardID).Str("session_id", s.ID).Msg("failed to checkpoint patrol")
	}

	events = append(events, t.event(EventSample, s, withSample(sample)))
	for _, id := range reached {
		metrics.CheckpointsReached.WithLabelValues(id).Inc()
		t.log.Info().Str("guard_id", guardID).Str("session_id", s.ID).Str("checkpoint_id", id).Msg("checkpoint reached")
		events = append(events, t.event(EventCheckpointReached, s, withCheckpoint(id), withSession(s.Clone())))
	}
	return s.Clone(), nil
}

// Stop ends the guard's patrol: the session is sealed and moved into
// history and its position feed is cancelled. If the store write fails the
// patrol stays active and tracked.
func (t *Tracker) Stop(ctx context.Context, guardID string) (*Session, error) {
	t.mu.Lock()
	var events []Event
	defer func() {
		t.mu.Unlock()
		t.publish(ctx, events)
	}()

	tr, tracked := t.active[guardID]
	var current *Session
	if tracked {
		current = tr.session
	} else {
		// Stored but not resumed in this process (e.g. stop right after a
		// restart).
		stored, err := t.registry.Active(ctx, guardID)
		if err != nil {
			return nil, fmt.Errorf("check active patrol: %w", err)
		}
		if stored == nil {
			return nil, ErrNoActiveSession
		}
		current = stored
	}

	// No sample is applied while the lock is held. The feed is released
	// only once the sealed copy is stored.
	s := current.Clone()
	end := t.now().UnixMilli()
	s.EndTime = &end
	s.Status = StatusCompleted

	if err := t.registry.Seal(ctx, s); err != nil {
		metrics.StoreWriteFailures.WithLabelValues("seal").Inc()
		return nil, fmt.Errorf("seal patrol %s: %w", s.ID, err)
	}

	if tracked {
		tr.cancel()
		tr.sub.Close()
		delete(t.active, guardID)
		metrics.PatrolsActive.Dec()
	}

	metrics.PatrolsCompleted.Inc()
	t.log.Info().
		Str("guard_id", guardID).
		Str("session_id", s.ID).
		Int("points", len(s.Points)).
		Int("reached", s.ReachedCount()).
		Int("checkpoints", len(s.Checkpoints)).
		Msg("patrol completed")

	sealed := s.Clone()
	events = append(events, t.event(EventCompleted, sealed, withSession(sealed)))
	return sealed, nil
}

// Resume picks up the guard's stored active patrol, if any, and resumes
// its position feed. It returns nil when the guard is idle.
func (t *Tracker) Resume(ctx context.Context, guardID string) (*Session, error) {
	t.mu.Lock()
	var events []Event
	defer func() {
		t.mu.Unlock()
		t.publish(ctx, events)
	}()

	if tr, ok := t.active[guardID]; ok {
		return tr.session.Clone(), nil
	}

	stored, err := t.registry.Active(ctx, guardID)
	if err != nil {
		return nil, fmt.Errorf("load active patrol: %w", err)
	}
	if stored == nil {
		return nil, nil
	}

	snapshot, err := t.attachLocked(stored)
	if err != nil {
		return nil, err
	}
	metrics.PatrolsResumed.Inc()
	t.log.Info().Str("guard_id", guardID).Str("session_id", stored.ID).Int("points", len(stored.Points)).Msg("patrol resumed")
	events = append(events, t.event(EventResumed, snapshot, withSession(snapshot)))
	return snapshot, nil
}

// ResumeAll resumes every stored active patrol. Guards that fail to resume
// are reported in the joined error; the others keep tracking.
func (t *Tracker) ResumeAll(ctx context.Context) ([]*Session, error) {
	guards, err := t.registry.ActiveGuards(ctx)
	if err != nil {
		return nil, err
	}

	var resumed []*Session
	var errs []error
	for _, g := range guards {
		s, err := t.Resume(ctx, g)
		if err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", g, err))
			continue
		}
		if s != nil {
			resumed = append(resumed, s)
		}
	}
	return resumed, errors.Join(errs...)
}

// Active returns a snapshot of the guard's patrol if this process is
// tracking it.
func (t *Tracker) Active(guardID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.active[guardID]
	if !ok {
		return nil, false
	}
	return tr.session.Clone(), true
}

// Warning returns the last position source error for the guard's patrol,
// or "" if the feed has been healthy.
func (t *Tracker) Warning(guardID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.active[guardID]; ok {
		return tr.warning
	}
	return ""
}

// ActiveCount returns how many patrols this process is tracking.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Close drops every position feed without sealing anything; the patrols
// remain stored and are picked up again by Resume after a restart.
func (t *Tracker) Close() {
	t.mu.Lock()
	for guardID, tr := range t.active {
		tr.cancel()
		tr.sub.Close()
		delete(t.active, guardID)
		metrics.PatrolsActive.Dec()
	}
	t.mu.Unlock()
	t.pumps.Wait()
}

func (t *Tracker) subscribe(guardID string) (Subscription, error) {
	if t.source == nil {
		return nil, ErrSourceUnavailable
	}
	// The subscription outlives the request that started the patrol.
	sub, err := t.source.Subscribe(context.Background(), guardID, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return sub, nil
}

// attachLocked subscribes and starts tracking a stored session.
func (t *Tracker) attachLocked(s *Session) (*Session, error) {
	sub, err := t.subscribe(s.GuardID)
	if err != nil {
		return nil, err
	}
	t.track(s, sub)
	return s.Clone(), nil
}

func (t *Tracker) track(s *Session, sub Subscription) {
	ctx, cancel := context.WithCancel(context.Background())
	t.active[s.GuardID] = &tracked{session: s, sub: sub, cancel: cancel}
	metrics.PatrolsActive.Inc()

	t.pumps.Add(1)
	go t.pump(ctx, s.GuardID, s.ID, sub)
}

// pump feeds one subscription into the tracker until it is cancelled.
func (t *Tracker) pump(ctx context.Context, guardID, sessionID string, sub Subscription) {
	defer t.pumps.Done()

	samples := sub.Samples()
	errs := sub.Errors()
	for samples != nil || errs != nil {
		select {
		case <-ctx.Done():
			return

		case sample, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			if ctx.Err() != nil {
				return
			}
			_, err := t.onSample(ctx, guardID, sessionID, sample)
			switch {
			case err == nil:
			case errors.Is(err, ErrNoActiveSession):
				// Late sample after Stop.
				t.log.Debug().Str("guard_id", guardID).Str("session_id", sessionID).Msg("discarding sample for closed patrol")
				return
			default:
				t.log.Warn().Err(err).Str("guard_id", guardID).Str("session_id", sessionID).Msg("sample rejected")
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.sourceFailed(ctx, guardID, sessionID, err)
		}
	}
}

// sourceFailed records a non-fatal feed error. The patrol stays active at
// its last stored state.
func (t *Tracker) sourceFailed(ctx context.Context, guardID, sessionID string, err error) {
	t.mu.Lock()
	tr, ok := t.active[guardID]
	if !ok || tr.session.ID != sessionID {
		t.mu.Unlock()
		return
	}
	tr.warning = err.Error()
	ev := t.event(EventSourceError, tr.session, withError(err))
	t.mu.Unlock()

	metrics.SourceErrors.Inc()
	t.log.Warn().Err(err).Str("guard_id", guardID).Str("session_id", sessionID).Msg("position source error")
	t.publish(ctx, []Event{ev})
}

type eventOption func(*Event)

func withSession(s *Session) eventOption   { return func(e *Event) { e.Session = s } }
func withCheckpoint(id string) eventOption { return func(e *Event) { e.CheckpointID = id } }
func withError(err error) eventOption      { return func(e *Event) { e.Error = err.Error() } }
func withSample(g GeoSample) eventOption   { return func(e *Event) { e.Sample = &g } }

func (t *Tracker) event(typ EventType, s *Session, opts ...eventOption) Event {
	ev := Event{
		Type:      typ,
		GuardID:   s.GuardID,
		SessionID: s.ID,
		At:        t.now().UnixMilli(),
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

func (t *Tracker) publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		t.publisher.Publish(ctx, ev)
	}
}
