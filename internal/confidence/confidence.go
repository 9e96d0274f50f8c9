// Package confidence turns detector observations into confidence values.
//
// Confidence is the only thing that decides how much a signal counts. A
// Defaulted observation, or one with no completeness, always gets exactly 0 so
// "no data" never looks like a measurement.
package confidence

import (
	"time"

	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/detector"
	"github.com/sells-group/lead-qualifier/internal/model"
)

// Params describes how far a signal's source can be trusted.
type Params struct {
	// Reliability is the confidence of a complete, fresh observation.
	Reliability  float64
	HalfLifeDays float64
	Floor        float64
}

// Model assigns confidence per signal.
type Model struct {
	params map[model.SignalType]Params
	now    func() time.Time
}

// Option configures a Model.
type Option func(*Model)

// WithClock sets the time source used to age observations.
func WithClock(now func() time.Time) Option {
	return func(m *Model) {
		m.now = now
	}
}

// New creates a model from per-signal params.
func New(params map[model.SignalType]Params, opts ...Option) *Model {
	m := &Model{params: params, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// FromConfig creates a model from the confidence section of the config.
func FromConfig(cfg map[string]config.SignalConfidence, opts ...Option) *Model {
	params := make(map[model.SignalType]Params, len(cfg))
	for name, sc := range cfg {
		params[model.SignalType(name)] = Params{
			Reliability:  sc.Reliability,
			HalfLifeDays: sc.HalfLifeDays,
			Floor:        sc.Floor,
		}
	}
	return New(params, opts...)
}

// Assess returns the confidence [0,1] for an observation of signal.
func (m *Model) Assess(signal model.SignalType, obs *detector.Observation) float64 {
	if obs == nil || obs.Defaulted || obs.Completeness <= 0 {
		return 0
	}
	p, ok := m.params[signal]
	if !ok || p.Reliability <= 0 {
		return 0
	}

	raw := clamp01(p.Reliability) * clamp01(obs.Completeness)
	return clamp01(Decay(raw, obs.ObservedAt, m.now(), p.HalfLifeDays, p.Floor))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
