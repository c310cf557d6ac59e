// Package analysis asks a generative model to review a patrol and reports
// whether the model is reachable at all.
package analysis

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

// Result is the model's review of one patrol.
type Result struct {
	Summary         string   `json:"summary"`
	Anomalies       []string `json:"anomalies"`
	Efficiency      float64  `json:"efficiency"`
	Recommendations []string `json:"recommendations"`
}

// Fallback is returned whenever the model cannot produce a usable review.
func Fallback() Result {
	return Result{
		Summary:         "Could not analyze at this time.",
		Anomalies:       []string{"Analysis failed"},
		Efficiency:      0,
		Recommendations: []string{"Check connection"},
	}
}

func (r Result) validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("summary is empty")
	}
	// The prompt asks for 0-100 but any finite score is passed through.
	if math.IsNaN(r.Efficiency) || math.IsInf(r.Efficiency, 0) {
		return fmt.Errorf("efficiency %v is not a number", r.Efficiency)
	}
	return nil
}

func (r Result) normalized() Result {
	if r.Anomalies == nil {
		r.Anomalies = []string{}
	}
	if r.Recommendations == nil {
		r.Recommendations = []string{}
	}
	return r
}

// Summary is the part of a patrol the model gets to see.
type Summary struct {
	GuardName          string
	DurationMinutes    *float64 // nil while the patrol is ongoing
	CheckpointsReached int
	CheckpointsTotal   int
	SampleCount        int
}

func Summarize(s *patrol.Session) Summary {
	sum := Summary{
		GuardName:          s.GuardName,
		CheckpointsReached: s.ReachedCount(),
		CheckpointsTotal:   len(s.Checkpoints),
		SampleCount:        len(s.Points),
	}
	if s.EndTime != nil {
		d := float64(*s.EndTime-s.StartTime) / float64(time.Minute/time.Millisecond)
		sum.DurationMinutes = &d
	}
	return sum
}

func (s Summary) duration() string {
	if s.DurationMinutes == nil {
		return "Ongoing"
	}
	return strconv.FormatFloat(*s.DurationMinutes, 'f', -1, 64)
}

// Prompt renders the review request for a patrol summary.
func Prompt(s Summary) string {
	var b strings.Builder
	b.WriteString("Analyze this security patrol log for a company.\n")
	fmt.Fprintf(&b, "Guard: %s\n", s.GuardName)
	fmt.Fprintf(&b, "Duration: %s minutes\n", s.duration())
	fmt.Fprintf(&b, "Checkpoints covered: %d/%d\n", s.CheckpointsReached, s.CheckpointsTotal)
	fmt.Fprintf(&b, "Total GPS Points: %d\n", s.SampleCount)
	b.WriteString("\nProvide a concise summary, detect any suspicious movements or missed zones, ")
	b.WriteString("score efficiency from 0-100, and give improvement tips.")
	return b.String()
}
