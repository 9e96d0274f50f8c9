package detector

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/resilience"
)

// Guard wraps a detector with a circuit breaker so a dead source fails fast
// instead of spending every candidate's latency budget.
type Guard struct {
	Detector
	breaker *resilience.Breaker
}

// NewGuard wraps d with the breaker registered under its signal name in
// breakers.
func NewGuard(d Detector, breakers *resilience.Breakers) *Guard {
	return &Guard{Detector: d, breaker: breakers.For(string(d.Signal()))}
}

// Detect runs the wrapped detector unless the breaker is open.
func (g *Guard) Detect(ctx context.Context, c model.Candidate) (*Observation, error) {
	obs, err := resilience.Guarded(ctx, g.breaker, func(ctx context.Context) (*Observation, error) {
		return g.Detector.Detect(ctx, c)
	})
	if errors.Is(err, resilience.ErrOpen) {
		return nil, NewFailure(g.Signal(), FailureCircuitOpen, err)
	}
	return obs, err
}

// Normalize forwards to the wrapped detector's curve when it has one.
func (g *Guard) Normalize(value float64, unit model.Unit) (float64, error) {
	return NormalizeWith(g.Detector, value, unit)
}

// Unwrap returns the guarded detector.
func (g *Guard) Unwrap() Detector { return g.Detector }

// TripsBreaker reports whether err says something about the source's health.
// Candidate-specific outcomes (malformed data, missing input) and
// cancellations do not count.
func TripsBreaker(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case FailureMalformed, FailureNoInput, FailureCanceled, FailureBudget:
			return false
		}
	}
	return !errors.Is(err, context.Canceled)
}

// LogBreakerChange returns an OnChange hook that logs breaker transitions for
// a source.
func LogBreakerChange() func(from, to resilience.State) {
	return func(from, to resilience.State) {
		zap.L().Warn("detector: circuit breaker transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}
