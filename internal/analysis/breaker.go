package analysis

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/smukkama/vigilant-patrol/internal/logging"
	"github.com/smukkama/vigilant-patrol/internal/metrics"
)

// BreakerModel stops calling the model after repeated failures and lets a
// probe request through once the cool-down has passed.
type BreakerModel struct {
	next Model
	cb   *gobreaker.CircuitBreaker[Result]
}

func NewBreakerModel(next Model, name string, coolDown time.Duration) *BreakerModel {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     coolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return &BreakerModel{next: next, cb: cb}
}

func (b *BreakerModel) Generate(ctx context.Context, prompt string) (Result, error) {
	return b.cb.Execute(func() (Result, error) {
		return b.next.Generate(ctx, prompt)
	})
}

// State reports the breaker state ("closed", "half-open", "open").
func (b *BreakerModel) State() string {
	return b.cb.State().String()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
