package analysis

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
	"github.com/smukkama/vigilant-patrol/internal/patrol"
)

// Analyzer turns a patrol into a review. It never fails: any problem with
// the model yields Fallback.
type Analyzer struct {
	model   Model
	timeout time.Duration
	log     zerolog.Logger
}

func NewAnalyzer(model Model, timeout time.Duration) *Analyzer {
	return &Analyzer{
		model:   model,
		timeout: timeout,
		log:     logging.With().Str("component", "analyzer").Logger(),
	}
}

func (a *Analyzer) Analyze(ctx context.Context, s *patrol.Session) Result {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := a.model.Generate(ctx, Prompt(Summarize(s)))
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.AnalysisRequests.WithLabelValues("fallback").Inc()
		a.log.Warn().Err(err).Str("session_id", s.ID).Msg("patrol analysis failed, using fallback")
		return Fallback()
	}

	metrics.AnalysisRequests.WithLabelValues("success").Inc()
	a.log.Info().Str("session_id", s.ID).Float64("efficiency", res.Efficiency).Int("anomalies", len(res.Anomalies)).Msg("patrol analyzed")
	return res
}
