package patrol

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smukkama/vigilant-patrol/internal/metrics"
	"github.com/smukkama/vigilant-patrol/internal/store"
)

type fakeSub struct {
	mu      sync.Mutex
	samples chan GeoSample
	errs    chan error
	closed  bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{samples: make(chan GeoSample, 16), errs: make(chan error, 4)}
}

func (s *fakeSub) Samples() <-chan GeoSample { return s.samples }
func (s *fakeSub) Errors() <-chan error      { return s.errs }

func (s *fakeSub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSource struct {
	mu   sync.Mutex
	subs map[string]*fakeSub
	fail error
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[string]*fakeSub)}
}

func (f *fakeSource) Subscribe(_ context.Context, guardID string, _ bool) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	sub := newFakeSub()
	f.subs[guardID] = sub
	return sub, nil
}

func (f *fakeSource) sub(guardID string) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[guardID]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) count(typ EventType) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

type harness struct {
	kv       *store.MemoryStore
	registry *Registry
	source   *fakeSource
	clock    *fakeClock
	events   *recorder
	tracker  *Tracker
	ids      int
}

func newHarness(t *testing.T, policy StartPolicy) *harness {
	t.Helper()
	h := &harness{
		kv:     store.NewMemoryStore(),
		source: newFakeSource(),
		clock:  &fakeClock{now: time.UnixMilli(1_700_000_000_000)},
		events: &recorder{},
	}
	h.registry = NewRegistry(h.kv)
	h.tracker = h.newTracker(policy)
	t.Cleanup(h.tracker.Close)
	return h
}

// newTracker builds a second tracker over the same store, as a restarted
// process would.
func (h *harness) newTracker(policy StartPolicy) *Tracker {
	return NewTracker(h.registry, h.source, DefaultCheckpoints(),
		WithPublisher(h.events),
		WithClock(h.clock.Now),
		WithStartPolicy(policy),
		WithIDGenerator(func() string {
			h.ids++
			return fmt.Sprintf("session-%d", h.ids)
		}),
	)
}

func at(c Checkpoint, ts int64) GeoSample {
	return GeoSample{Lat: c.Lat, Lng: c.Lng, Timestamp: ts}
}

func far(ts int64) GeoSample {
	return GeoSample{Lat: 10.0, Lng: 106.0, Timestamp: ts}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestTracker_StartCreatesActiveSession(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	s, err := h.tracker.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if s.Status != StatusActive {
		t.Errorf("Expected status active, got %s", s.Status)
	}
	if s.EndTime != nil {
		t.Error("Expected no end time on a new session")
	}
	if s.StartTime != h.clock.Now().UnixMilli() {
		t.Errorf("Expected start time %d, got %d", h.clock.Now().UnixMilli(), s.StartTime)
	}
	if len(s.Points) != 0 {
		t.Errorf("Expected no points, got %d", len(s.Points))
	}
	if len(s.Checkpoints) != len(DefaultCheckpoints()) {
		t.Fatalf("Expected %d checkpoint visits, got %d", len(DefaultCheckpoints()), len(s.Checkpoints))
	}
	for i, v := range s.Checkpoints {
		if v.CheckpointID != DefaultCheckpoints()[i].ID {
			t.Errorf("Visit %d: expected %s, got %s", i, DefaultCheckpoints()[i].ID, v.CheckpointID)
		}
		if v.Reached() {
			t.Errorf("Visit %s should not be reached", v.CheckpointID)
		}
	}

	stored, err := h.registry.Active(ctx, "g1")
	if err != nil || stored == nil {
		t.Fatalf("Expected stored active patrol, got %v, %v", stored, err)
	}
	if !reflect.DeepEqual(stored, s) {
		t.Errorf("Stored session differs from returned session:\n%+v\n%+v", stored, s)
	}
	if got := h.events.types(); len(got) != 1 || got[0] != EventStarted {
		t.Errorf("Expected [patrol.started], got %v", got)
	}
}

func TestTracker_StartRequiresGuard(t *testing.T) {
	h := newHarness(t, StartReject)
	if _, err := h.tracker.Start(context.Background(), "", "Nobody"); !errors.Is(err, ErrInvalidGuard) {
		t.Errorf("Expected ErrInvalidGuard, got %v", err)
	}
}

func TestTracker_StartRejectPolicy(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	first, err := h.tracker.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := h.tracker.Start(ctx, "g1", "Alice"); !errors.Is(err, ErrPatrolActive) {
		t.Fatalf("Expected ErrPatrolActive, got %v", err)
	}

	// The first patrol is untouched.
	cur, ok := h.tracker.Active("g1")
	if !ok || cur.ID != first.ID {
		t.Errorf("Expected active session %s, got %+v", first.ID, cur)
	}

	// Other guards are independent.
	if _, err := h.tracker.Start(ctx, "g2", "Bob"); err != nil {
		t.Errorf("Start for second guard failed: %v", err)
	}
	if h.tracker.ActiveCount() != 2 {
		t.Errorf("Expected 2 active patrols, got %d", h.tracker.ActiveCount())
	}
}

func TestTracker_StartRejectPolicyAfterRestart(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.tracker.Close()

	restarted := h.newTracker(StartReject)
	defer restarted.Close()
	if _, err := restarted.Start(ctx, "g1", "Alice"); !errors.Is(err, ErrPatrolActive) {
		t.Errorf("Expected ErrPatrolActive from stored patrol, got %v", err)
	}
}

func TestTracker_StartResumePolicy(t *testing.T) {
	h := newHarness(t, StartResume)
	ctx := context.Background()

	first, err := h.tracker.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := h.tracker.OnSample(ctx, "g1", far(1)); err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}

	again, err := h.tracker.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("Expected existing session %s, got %s", first.ID, again.ID)
	}
	if len(again.Points) != 1 {
		t.Errorf("Expected the existing point to be kept, got %d points", len(again.Points))
	}
	if h.events.count(EventStarted) != 1 {
		t.Errorf("Expected a single started event, got %v", h.events.types())
	}
}

func TestTracker_StartResumePolicyAfterRestart(t *testing.T) {
	h := newHarness(t, StartResume)
	ctx := context.Background()

	first, err := h.tracker.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.tracker.Close()

	restarted := h.newTracker(StartResume)
	defer restarted.Close()
	s, err := restarted.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Start after restart failed: %v", err)
	}
	if s.ID != first.ID {
		t.Errorf("Expected resumed session %s, got %s", first.ID, s.ID)
	}
	if h.events.count(EventResumed) != 1 {
		t.Errorf("Expected a resumed event, got %v", h.events.types())
	}
}

func TestTracker_SourceUnavailable(t *testing.T) {
	h := newHarness(t, StartReject)
	h.source.fail = errors.New("permission denied")
	ctx := context.Background()

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("Expected ErrSourceUnavailable, got %v", err)
	}
	if _, ok := h.tracker.Active("g1"); ok {
		t.Error("No session should be tracked")
	}
	if s, _ := h.registry.Active(ctx, "g1"); s != nil {
		t.Error("No session should be stored")
	}

	noSource := NewTracker(h.registry, nil, DefaultCheckpoints())
	if _, err := noSource.Start(ctx, "g1", "Alice"); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("Expected ErrSourceUnavailable without a source, got %v", err)
	}
}

func TestTracker_CheckpointArrivalUsesWallClock(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()
	cps := DefaultCheckpoints()

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.clock.Advance(time.Minute)
	want := h.clock.Now().UnixMilli()

	// The device timestamp is deliberately unrelated to the clock.
	s, err := h.tracker.OnSample(ctx, "g1", at(cps[1], 42))
	if err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}

	v, _ := s.Visit("cp2")
	if !v.Reached() {
		t.Fatal("Expected cp2 to be reached")
	}
	if *v.ReachedAt != want {
		t.Errorf("Expected reachedAt %d, got %d", want, *v.ReachedAt)
	}
	if s.ReachedCount() != 1 {
		t.Errorf("Expected one reached checkpoint, got %d", s.ReachedCount())
	}
	if s.Points[0].Timestamp != 42 {
		t.Errorf("Expected sample timestamp to be kept, got %d", s.Points[0].Timestamp)
	}
	if h.events.count(EventCheckpointReached) != 1 {
		t.Errorf("Expected one checkpoint event, got %v", h.events.types())
	}
}

func TestTracker_FirstArrivalWins(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()
	cp := DefaultCheckpoints()[0]

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	first, err := h.tracker.OnSample(ctx, "g1", at(cp, 1))
	if err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}
	v1, _ := first.Visit(cp.ID)

	h.clock.Advance(5 * time.Minute)
	if _, err := h.tracker.OnSample(ctx, "g1", far(2)); err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}
	second, err := h.tracker.OnSample(ctx, "g1", at(cp, 3))
	if err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}
	v2, _ := second.Visit(cp.ID)

	if *v2.ReachedAt != *v1.ReachedAt {
		t.Errorf("Expected reachedAt to stay %d, got %d", *v1.ReachedAt, *v2.ReachedAt)
	}
	if len(second.Points) != 3 {
		t.Errorf("Expected 3 points, got %d", len(second.Points))
	}
	if h.events.count(EventCheckpointReached) != 1 {
		t.Errorf("Expected a single checkpoint event, got %v", h.events.types())
	}
}

func TestTracker_OneSampleCanReachSeveralCheckpoints(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()
	cps := []Checkpoint{
		{ID: "a", Name: "A", Lat: 1.0, Lng: 1.0},
		{ID: "b", Name: "B", Lat: 1.00005, Lng: 1.0},
		{ID: "c", Name: "C", Lat: 2.0, Lng: 2.0},
	}
	tr := NewTracker(h.registry, h.source, cps, WithClock(h.clock.Now))
	defer tr.Close()

	if _, err := tr.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s, err := tr.OnSample(ctx, "g1", GeoSample{Lat: 1.000025, Lng: 1.0, Timestamp: 1})
	if err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}
	if s.ReachedCount() != 2 {
		t.Errorf("Expected 2 reached checkpoints, got %d", s.ReachedCount())
	}
	if v, _ := s.Visit("c"); v.Reached() {
		t.Error("Checkpoint c should not be reached")
	}
}

func TestTracker_InvalidSampleRejected(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	bad := []GeoSample{
		{Lat: math.NaN(), Lng: 106.0},
		{Lat: 10.0, Lng: math.Inf(1)},
		{Lat: 91, Lng: 0},
		{Lat: 0, Lng: -181},
	}
	for _, g := range bad {
		if _, err := h.tracker.OnSample(ctx, "g1", g); !errors.Is(err, ErrInvalidSample) {
			t.Errorf("Expected ErrInvalidSample for %+v, got %v", g, err)
		}
	}

	s, _ := h.tracker.Active("g1")
	if len(s.Points) != 0 {
		t.Errorf("Expected no points after invalid samples, got %d", len(s.Points))
	}
	if h.events.count(EventSampleRejected) != len(bad) {
		t.Errorf("Expected %d rejection events, got %v", len(bad), h.events.types())
	}
}

func TestTracker_SampleWithoutSession(t *testing.T) {
	h := newHarness(t, StartReject)
	if _, err := h.tracker.OnSample(context.Background(), "g1", far(1)); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestTracker_StopSealsSession(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()
	cps := DefaultCheckpoints()

	started, err := h.tracker.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.tracker.OnSample(ctx, "g1", at(cps[0], 1))
	h.tracker.OnSample(ctx, "g1", far(2))
	h.clock.Advance(30 * time.Minute)

	sealed, err := h.tracker.Stop(ctx, "g1")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if sealed.Status != StatusCompleted {
		t.Errorf("Expected completed, got %s", sealed.Status)
	}
	if sealed.EndTime == nil || *sealed.EndTime != h.clock.Now().UnixMilli() {
		t.Errorf("Expected end time %d, got %v", h.clock.Now().UnixMilli(), sealed.EndTime)
	}
	if sealed.ID != started.ID || len(sealed.Points) != 2 || sealed.ReachedCount() != 1 {
		t.Errorf("Unexpected sealed session: %+v", sealed)
	}

	if _, ok := h.tracker.Active("g1"); ok {
		t.Error("Session should no longer be tracked")
	}
	if s, _ := h.registry.Active(ctx, "g1"); s != nil {
		t.Error("Active slot should be cleared")
	}
	stored, err := h.registry.Get(ctx, sealed.ID)
	if err != nil || stored == nil {
		t.Fatalf("Expected sealed session in history, got %v, %v", stored, err)
	}
	if !reflect.DeepEqual(stored, sealed) {
		t.Errorf("History record differs:\n%+v\n%+v", stored, sealed)
	}
	if !h.source.sub("g1").isClosed() {
		t.Error("Expected the subscription to be closed")
	}

	if _, err := h.tracker.Stop(ctx, "g1"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession on second stop, got %v", err)
	}
	if _, err := h.tracker.OnSample(ctx, "g1", far(3)); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession after stop, got %v", err)
	}
	if h.events.count(EventCompleted) != 1 {
		t.Errorf("Expected one completed event, got %v", h.events.types())
	}
}

func TestTracker_StopWithoutSession(t *testing.T) {
	h := newHarness(t, StartReject)
	if _, err := h.tracker.Stop(context.Background(), "g1"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestTracker_StopStoredSessionAfterRestart(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	started, err := h.tracker.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.tracker.Close()

	restarted := h.newTracker(StartReject)
	defer restarted.Close()
	sealed, err := restarted.Stop(ctx, "g1")
	if err != nil {
		t.Fatalf("Stop after restart failed: %v", err)
	}
	if sealed.ID != started.ID || sealed.Status != StatusCompleted {
		t.Errorf("Unexpected sealed session: %+v", sealed)
	}
}

func TestTracker_ResumeRestoresSession(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()
	acc := 4.5

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.tracker.OnSample(ctx, "g1", at(DefaultCheckpoints()[2], 1))
	before, err := h.tracker.OnSample(ctx, "g1", GeoSample{Lat: 10.5, Lng: 106.5, Timestamp: 2, Accuracy: &acc})
	if err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}
	h.tracker.Close()

	restarted := h.newTracker(StartReject)
	defer restarted.Close()
	after, err := restarted.Resume(ctx, "g1")
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("Resumed session differs:\n%+v\n%+v", before, after)
	}

	// Tracking continues on the resumed session.
	s, err := restarted.OnSample(ctx, "g1", far(3))
	if err != nil {
		t.Fatalf("OnSample after resume failed: %v", err)
	}
	if len(s.Points) != 3 {
		t.Errorf("Expected 3 points, got %d", len(s.Points))
	}
}

func TestTracker_ResumeIdleGuard(t *testing.T) {
	h := newHarness(t, StartReject)
	s, err := h.tracker.Resume(context.Background(), "g1")
	if err != nil || s != nil {
		t.Errorf("Expected nil session and no error, got %v, %v", s, err)
	}
}

func TestTracker_ResumeAll(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	for _, g := range []string{"g1", "g2", "g3"} {
		if _, err := h.tracker.Start(ctx, g, g); err != nil {
			t.Fatalf("Start %s failed: %v", g, err)
		}
	}
	if _, err := h.tracker.Stop(ctx, "g2"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	h.tracker.Close()

	restarted := h.newTracker(StartReject)
	defer restarted.Close()
	resumed, err := restarted.ResumeAll(ctx)
	if err != nil {
		t.Fatalf("ResumeAll failed: %v", err)
	}
	if len(resumed) != 2 || restarted.ActiveCount() != 2 {
		t.Errorf("Expected 2 resumed patrols, got %d (tracking %d)", len(resumed), restarted.ActiveCount())
	}
	if _, ok := restarted.Active("g2"); ok {
		t.Error("Stopped patrol must not be resumed")
	}
}

func TestTracker_SubscriptionFeedsSamples(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()
	cp := DefaultCheckpoints()[3]

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sub := h.source.sub("g1")
	sub.samples <- far(1)
	sub.samples <- at(cp, 2)

	waitFor(t, func() bool {
		s, ok := h.tracker.Active("g1")
		return ok && len(s.Points) == 2
	})
	s, _ := h.tracker.Active("g1")
	if v, _ := s.Visit(cp.ID); !v.Reached() {
		t.Errorf("Expected %s to be reached", cp.ID)
	}
	if s.Points[0].Timestamp != 1 || s.Points[1].Timestamp != 2 {
		t.Errorf("Samples applied out of order: %+v", s.Points)
	}
}

func TestTracker_SourceErrorKeepsSessionActive(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.source.sub("g1").errs <- errors.New("device disconnected")

	waitFor(t, func() bool { return h.tracker.Warning("g1") != "" })
	if got := h.tracker.Warning("g1"); got != "device disconnected" {
		t.Errorf("Expected warning 'device disconnected', got %q", got)
	}
	if s, ok := h.tracker.Active("g1"); !ok || !s.Active() {
		t.Error("Session should stay active after a source error")
	}
	if h.events.count(EventSourceError) != 1 {
		t.Errorf("Expected a source error event, got %v", h.events.types())
	}

	// Samples still apply after the error.
	if _, err := h.tracker.OnSample(ctx, "g1", far(1)); err != nil {
		t.Errorf("OnSample after source error failed: %v", err)
	}
}

func TestTracker_LateSampleDiscardedAfterStop(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	sub := h.source.sub("g1")
	sealed, err := h.tracker.Stop(ctx, "g1")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	sub.samples <- far(99)
	time.Sleep(20 * time.Millisecond)

	stored, _ := h.registry.Get(ctx, sealed.ID)
	if stored == nil || len(stored.Points) != 0 {
		t.Errorf("Late sample must not reach the sealed session: %+v", stored)
	}
	if s, _ := h.registry.Active(ctx, "g1"); s != nil {
		t.Error("Late sample must not recreate an active patrol")
	}
}

func TestTracker_ReturnedSnapshotsAreIndependent(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	s, err := h.tracker.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Points = append(s.Points, far(1))
	s.Status = StatusCompleted

	cur, _ := h.tracker.Active("g1")
	if len(cur.Points) != 0 || cur.Status != StatusActive {
		t.Errorf("Mutating a snapshot changed tracker state: %+v", cur)
	}
}

func TestParseStartPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    StartPolicy
		wantErr bool
	}{
		{"", StartReject, false},
		{"reject", StartReject, false},
		{"resume", StartResume, false},
		{"replace", "", true},
	}
	for _, tt := range tests {
		got, err := ParseStartPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStartPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseStartPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// flakyKV fails Set for keys with the given prefix while failing is on.
type flakyKV struct {
	*store.MemoryStore
	mu      sync.Mutex
	prefix  string
	failing bool
}

func (f *flakyKV) setFailing(on bool) {
	f.mu.Lock()
	f.failing = on
	f.mu.Unlock()
}

func (f *flakyKV) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	fail := f.failing && strings.HasPrefix(key, f.prefix)
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func newFlakyTracker(t *testing.T, prefix string, checkpoints []Checkpoint) (*Tracker, *flakyKV, *fakeSource, *fakeClock) {
	t.Helper()
	kv := &flakyKV{MemoryStore: store.NewMemoryStore(), prefix: prefix}
	source := newFakeSource()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	tr := NewTracker(NewRegistry(kv), source, checkpoints, WithClock(clock.Now))
	t.Cleanup(tr.Close)
	return tr, kv, source, clock
}

func TestTracker_StopKeepsPatrolWhenSealFails(t *testing.T) {
	tr, kv, source, _ := newFlakyTracker(t, HistoryKeyPrefix, DefaultCheckpoints())
	ctx := context.Background()

	started, err := tr.Start(ctx, "g1", "Alice")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	kv.setFailing(true)
	if _, err := tr.Stop(ctx, "g1"); err == nil {
		t.Fatal("Expected Stop to fail when history cannot be written")
	}

	s, ok := tr.Active("g1")
	if !ok {
		t.Fatal("Expected patrol to stay tracked after a failed Stop")
	}
	if s.Status != StatusActive || s.EndTime != nil {
		t.Errorf("Expected patrol to remain active, got status %s end %v", s.Status, s.EndTime)
	}
	if source.sub("g1").isClosed() {
		t.Error("Expected position feed to stay open after a failed Stop")
	}
	if _, err := tr.OnSample(ctx, "g1", far(1)); err != nil {
		t.Errorf("Expected samples to be applied after a failed Stop, got %v", err)
	}

	kv.setFailing(false)
	sealed, err := tr.Stop(ctx, "g1")
	if err != nil {
		t.Fatalf("Stop retry failed: %v", err)
	}
	if sealed.ID != started.ID || len(sealed.Points) != 1 {
		t.Errorf("Unexpected sealed session: id %s points %d", sealed.ID, len(sealed.Points))
	}
	if !source.sub("g1").isClosed() {
		t.Error("Expected position feed to be closed after Stop")
	}
	if _, ok := tr.Active("g1"); ok {
		t.Error("Expected guard to be idle after Stop")
	}
}

func TestTracker_SampleWriteFailureIsBestEffort(t *testing.T) {
	tr, kv, _, _ := newFlakyTracker(t, ActiveKeyPrefix, DefaultCheckpoints())
	ctx := context.Background()
	gate := DefaultCheckpoints()[0]

	if _, err := tr.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	failures := metrics.StoreWriteFailures.WithLabelValues("sample")
	before := testutil.ToFloat64(failures)

	kv.setFailing(true)
	s, err := tr.OnSample(ctx, "g1", at(gate, 1))
	if err != nil {
		t.Fatalf("Expected OnSample to succeed despite the write failure, got %v", err)
	}
	if len(s.Points) != 1 || !s.Checkpoints[0].Reached() {
		t.Errorf("Expected in-memory session to advance, got %d points, first reached %v", len(s.Points), s.Checkpoints[0].Reached())
	}
	if got := testutil.ToFloat64(failures) - before; got != 1 {
		t.Errorf("Expected one recorded write failure, got %v", got)
	}

	stored, err := NewRegistry(kv).Active(ctx, "g1")
	if err != nil || stored == nil {
		t.Fatalf("Expected stored patrol, got %v, %v", stored, err)
	}
	if len(stored.Points) != 0 {
		t.Errorf("Expected stored record to lag behind, got %d points", len(stored.Points))
	}

	kv.setFailing(false)
	if _, err := tr.OnSample(ctx, "g1", far(2)); err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}
	stored, _ = NewRegistry(kv).Active(ctx, "g1")
	if stored == nil || len(stored.Points) != 2 {
		t.Errorf("Expected the next write to catch the store up")
	}
}

func TestTracker_StopWithoutSamples(t *testing.T) {
	h := newHarness(t, StartReject)
	ctx := context.Background()

	if _, err := h.tracker.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.clock.Advance(time.Minute)

	s, err := h.tracker.Stop(ctx, "g1")
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(s.Points) != 0 {
		t.Errorf("Expected empty path, got %d points", len(s.Points))
	}
	for _, v := range s.Checkpoints {
		if v.Reached() {
			t.Errorf("Expected checkpoint %s unvisited", v.CheckpointID)
		}
	}
	if s.Status != StatusCompleted {
		t.Errorf("Expected status completed, got %s", s.Status)
	}
	if s.EndTime == nil || *s.EndTime != h.clock.Now().UnixMilli() {
		t.Errorf("Expected end time %d, got %v", h.clock.Now().UnixMilli(), s.EndTime)
	}

	history, err := h.registry.History(ctx)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].ID != s.ID {
		t.Fatalf("Expected sealed patrol in history, got %d entries", len(history))
	}
	if len(history[0].Points) != 0 || history[0].EndTime == nil {
		t.Errorf("Unexpected history record: %+v", history[0])
	}
}

func TestTracker_TwoCheckpointWalk(t *testing.T) {
	a := Checkpoint{ID: "A", Name: "A", Lat: 10, Lng: 106}
	b := Checkpoint{ID: "B", Name: "B", Lat: 10.001, Lng: 106.001}
	tr, _, _, clock := newFlakyTracker(t, "", []Checkpoint{a, b})
	ctx := context.Background()

	if _, err := tr.Start(ctx, "g1", "Alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(time.Second)
	s, err := tr.OnSample(ctx, "g1", GeoSample{Lat: 10, Lng: 106, Timestamp: 1})
	if err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}
	if !s.Checkpoints[0].Reached() || s.Checkpoints[1].Reached() {
		t.Fatalf("Expected only A reached, got %+v", s.Checkpoints)
	}
	if len(s.Points) != 1 {
		t.Errorf("Expected path length 1, got %d", len(s.Points))
	}
	firstA := *s.Checkpoints[0].ReachedAt

	clock.Advance(time.Second)
	s, err = tr.OnSample(ctx, "g1", GeoSample{Lat: 10.001, Lng: 106.001, Timestamp: 2})
	if err != nil {
		t.Fatalf("OnSample failed: %v", err)
	}
	if !s.Checkpoints[1].Reached() {
		t.Error("Expected B reached")
	}
	if *s.Checkpoints[1].ReachedAt != clock.Now().UnixMilli() {
		t.Errorf("Expected B arrival %d, got %d", clock.Now().UnixMilli(), *s.Checkpoints[1].ReachedAt)
	}
	if len(s.Points) != 2 {
		t.Errorf("Expected path length 2, got %d", len(s.Points))
	}
	if *s.Checkpoints[0].ReachedAt != firstA {
		t.Errorf("Expected A arrival to stay %d, got %d", firstA, *s.Checkpoints[0].ReachedAt)
	}
}
