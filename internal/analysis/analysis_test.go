package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

func sampleSession(ended bool) *patrol.Session {
	reached := int64(1700000300000)
	s := &patrol.Session{
		ID:        "s1",
		GuardID:   "G-001",
		GuardName: "John Doe",
		StartTime: 1700000000000,
		Points:    []patrol.GeoSample{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}, {Lat: 3, Lng: 3}},
		Checkpoints: []patrol.CheckpointVisit{
			{CheckpointID: "cp1", ReachedAt: &reached},
			{CheckpointID: "cp2"},
			{CheckpointID: "cp3", ReachedAt: &reached},
			{CheckpointID: "cp4"},
		},
		Status: patrol.StatusActive,
	}
	if ended {
		end := s.StartTime + 90*60*1000
		s.EndTime = &end
		s.Status = patrol.StatusCompleted
	}
	return s
}

type stubModel struct {
	calls  atomic.Int32
	result Result
	err    error
	prompt string
}

func (m *stubModel) Generate(_ context.Context, prompt string) (Result, error) {
	m.calls.Add(1)
	m.prompt = prompt
	return m.result, m.err
}

func TestSummarizeAndPrompt(t *testing.T) {
	sum := Summarize(sampleSession(true))
	if sum.DurationMinutes == nil || *sum.DurationMinutes != 90 {
		t.Fatalf("Expected 90 minutes, got %v", sum.DurationMinutes)
	}
	if sum.CheckpointsReached != 2 || sum.CheckpointsTotal != 4 || sum.SampleCount != 3 {
		t.Errorf("Unexpected summary: %+v", sum)
	}

	p := Prompt(sum)
	for _, want := range []string{
		"Guard: John Doe",
		"Duration: 90 minutes",
		"Checkpoints covered: 2/4",
		"Total GPS Points: 3",
		"score efficiency from 0-100",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("Prompt missing %q:\n%s", want, p)
		}
	}
}

func TestPrompt_OngoingPatrol(t *testing.T) {
	p := Prompt(Summarize(sampleSession(false)))
	if !strings.Contains(p, "Duration: Ongoing minutes") {
		t.Errorf("Expected ongoing duration:\n%s", p)
	}
}

func TestPrompt_FractionalDuration(t *testing.T) {
	s := sampleSession(true)
	end := s.StartTime + 90*1000
	s.EndTime = &end
	if p := Prompt(Summarize(s)); !strings.Contains(p, "Duration: 1.5 minutes") {
		t.Errorf("Expected 1.5 minutes:\n%s", p)
	}
}

func TestParseResult(t *testing.T) {
	r, err := ParseResult("```json\n{\"summary\":\"Good patrol\",\"anomalies\":null,\"efficiency\":82.5,\"recommendations\":[\"Check cp2\"]}\n```")
	if err != nil {
		t.Fatalf("ParseResult failed: %v", err)
	}
	if r.Summary != "Good patrol" || r.Efficiency != 82.5 || len(r.Recommendations) != 1 {
		t.Errorf("Unexpected result: %+v", r)
	}
	if r.Anomalies == nil {
		t.Error("Expected anomalies to be normalized to an empty slice")
	}

	for _, bad := range []string{
		"",
		"not json",
		`{"summary":"","anomalies":[],"efficiency":50,"recommendations":[]}`,
	} {
		if _, err := ParseResult(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestParseResult_EfficiencyOutsideRangeKept(t *testing.T) {
	for _, want := range []float64{150, 105, -3} {
		text := fmt.Sprintf(`{"summary":"Great","anomalies":[],"efficiency":%v,"recommendations":[]}`, want)
		r, err := ParseResult(text)
		if err != nil {
			t.Fatalf("ParseResult(%s) returned error: %v", text, err)
		}
		if r.Efficiency != want {
			t.Errorf("Efficiency = %v, want %v", r.Efficiency, want)
		}
	}
}

func TestAnalyzer_Success(t *testing.T) {
	m := &stubModel{result: Result{Summary: "ok", Anomalies: []string{}, Efficiency: 70, Recommendations: []string{}}}
	a := NewAnalyzer(m, time.Second)

	got := a.Analyze(context.Background(), sampleSession(true))
	if got.Summary != "ok" || got.Efficiency != 70 {
		t.Errorf("Unexpected result: %+v", got)
	}
	if !strings.Contains(m.prompt, "Guard: John Doe") {
		t.Errorf("Model did not receive the patrol prompt: %s", m.prompt)
	}
}

func TestAnalyzer_FallbackOnFailure(t *testing.T) {
	a := NewAnalyzer(&stubModel{err: errors.New("quota exceeded")}, time.Second)
	got := a.Analyze(context.Background(), sampleSession(true))

	want := Fallback()
	if got.Summary != want.Summary || got.Efficiency != 0 {
		t.Errorf("Expected fallback, got %+v", got)
	}
	if len(got.Anomalies) != 1 || got.Anomalies[0] != "Analysis failed" {
		t.Errorf("Unexpected anomalies: %v", got.Anomalies)
	}
	if len(got.Recommendations) != 1 || got.Recommendations[0] != "Check connection" {
		t.Errorf("Unexpected recommendations: %v", got.Recommendations)
	}
}

func TestGeminiClient_Generate(t *testing.T) {
	var gotKey, gotPath string
	var gotReq generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"summary\":\"Steady route\",\"anomalies\":[\"Skipped Warehouse A\"],\"efficiency\":64,\"recommendations\":[\"Visit every checkpoint\"]}"}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL+"/", "gemini-test", "secret", time.Second)
	r, err := c.Generate(context.Background(), "prompt text")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if gotKey != "secret" {
		t.Errorf("Expected API key header, got %q", gotKey)
	}
	if gotPath != "/models/gemini-test:generateContent" {
		t.Errorf("Unexpected path %q", gotPath)
	}
	if len(gotReq.Contents) != 1 || gotReq.Contents[0].Parts[0].Text != "prompt text" {
		t.Errorf("Unexpected request contents: %+v", gotReq.Contents)
	}
	if gotReq.GenerationConfig.ResponseMimeType != "application/json" || len(gotReq.GenerationConfig.ResponseSchema.Required) != 4 {
		t.Errorf("Unexpected generation config: %+v", gotReq.GenerationConfig)
	}
	if r.Summary != "Steady route" || r.Efficiency != 64 || r.Anomalies[0] != "Skipped Warehouse A" {
		t.Errorf("Unexpected result: %+v", r)
	}
}

func TestGeminiClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
	}))
	defer srv.Close()

	_, err := NewGeminiClient(srv.URL, "m", "bad", time.Second).Generate(context.Background(), "p")
	if err == nil || !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("Expected API error, got %v", err)
	}
}

func TestGeminiClient_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	_, err := NewGeminiClient(srv.URL, "m", "k", time.Second).Generate(context.Background(), "p")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestGeminiClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	c := NewGeminiClient(srv.URL, "m", "k", time.Second)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Any HTTP answer should count as reachable: %v", err)
	}
	srv.Close()
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Expected error once the server is gone")
	}
}

func TestBreakerModel_OpensAfterFailures(t *testing.T) {
	m := &stubModel{err: errors.New("boom")}
	b := NewBreakerModel(m, "analysis-test", time.Minute)

	for i := 0; i < 3; i++ {
		b.Generate(context.Background(), "p")
	}
	if b.State() != "open" {
		t.Fatalf("Expected open breaker, got %s", b.State())
	}

	before := m.calls.Load()
	if _, err := b.Generate(context.Background(), "p"); err == nil {
		t.Error("Expected open-state error")
	}
	if m.calls.Load() != before {
		t.Error("Open breaker must not call the model")
	}
}

func TestMonitor(t *testing.T) {
	var fail atomic.Bool
	m := NewMonitor(func(context.Context) error {
		if fail.Load() {
			return errors.New("no route to host")
		}
		return nil
	}, time.Hour)

	if m.Online() {
		t.Error("Monitor should start offline")
	}
	if !m.Check(context.Background()) || !m.Online() {
		t.Error("Expected online after a successful probe")
	}
	fail.Store(true)
	if m.Check(context.Background()) || m.Online() {
		t.Error("Expected offline after a failed probe")
	}
}

func TestMonitor_ServeProbesImmediately(t *testing.T) {
	var probes atomic.Int32
	m := NewMonitor(func(context.Context) error {
		probes.Add(1)
		return nil
	}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !m.Online() {
		if time.Now().After(deadline) {
			t.Fatal("Serve did not probe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	if !Static(true).Online() || Static(false).Online() {
		t.Error("Static should report its own value")
	}
}
