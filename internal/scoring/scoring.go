// Package scoring combines signal results into a single 0-100 qualification
// score and a priority tier.
package scoring

import (
	"math"

	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/model"
)

const (
	defaultLowConfidenceMass = 0.35
	defaultLowConfidenceCap  = 50
)

// Tiers holds the lower bound of each priority band.
type Tiers struct {
	Immediate int
	High      int
	Medium    int
}

// DefaultTiers are the standard bands: 85 / 70 / 55.
var DefaultTiers = Tiers{Immediate: 85, High: 70, Medium: 55}

// Aggregator computes confidence-weighted scores.
type Aggregator struct {
	weights map[model.SignalType]float64
	lowMass float64
	lowCap  int
	tiers   Tiers
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLowConfidence sets the effective-weight mass below which a score is
// flagged and capped.
func WithLowConfidence(mass float64, ceiling int) Option {
	return func(a *Aggregator) {
		a.lowMass = mass
		a.lowCap = ceiling
	}
}

// WithTiers overrides the priority bands.
func WithTiers(t Tiers) Option {
	return func(a *Aggregator) {
		a.tiers = t
	}
}

// NewAggregator creates an aggregator with category weights per signal.
// Signals without a weight contribute nothing.
func NewAggregator(weights map[model.SignalType]float64, opts ...Option) *Aggregator {
	a := &Aggregator{
		weights: weights,
		lowMass: defaultLowConfidenceMass,
		lowCap:  defaultLowConfidenceCap,
		tiers:   DefaultTiers,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// FromConfig creates an aggregator from weights, tiers and qualify settings.
func FromConfig(cfg *config.Config) *Aggregator {
	weights := make(map[model.SignalType]float64, len(cfg.Weights))
	for name, w := range cfg.Weights {
		weights[model.SignalType(name)] = w
	}
	return NewAggregator(weights,
		WithLowConfidence(cfg.Qualify.LowConfidenceMass, cfg.Qualify.LowConfidenceCap),
		WithTiers(Tiers{Immediate: cfg.Tiers.Immediate, High: cfg.Tiers.High, Medium: cfg.Tiers.Medium}),
	)
}

// Weight returns the category weight for signal.
func (a *Aggregator) Weight(signal model.SignalType) float64 {
	return a.weights[signal]
}

// Running returns the uncapped raw score and the total effective weight of
// the signals collected so far. The cascade compares the raw score against
// stage thresholds; the low-confidence cap applies only to final scores.
func (a *Aggregator) Running(signals []model.SignalResult) (raw, mass float64) {
	var sum float64
	for _, r := range signals {
		ew := a.effectiveWeight(r)
		sum += r.Normalized * ew
		mass += ew
	}
	if mass == 0 {
		return 0, 0
	}
	return sum / mass, mass
}

// Explain scores signals and reports every contribution. Zero-confidence
// results are listed with zero weight: they neither raise nor lower the
// score.
func (a *Aggregator) Explain(signals []model.SignalResult) model.Breakdown {
	raw, mass := a.Running(signals)

	b := model.Breakdown{
		Contributions: make([]model.Contribution, 0, len(signals)),
		TotalWeight:   mass,
		RawScore:      raw,
	}
	for _, r := range signals {
		ew := a.effectiveWeight(r)
		c := model.Contribution{
			Signal:          r.Signal,
			Value:           r.Value,
			Unit:            r.Unit,
			Normalized:      r.Normalized,
			Confidence:      r.Confidence,
			CategoryWeight:  a.weights[r.Signal],
			EffectiveWeight: ew,
		}
		if mass > 0 {
			c.Points = r.Normalized * ew / mass
		}
		b.Contributions = append(b.Contributions, c)
	}

	score := clampScore(int(math.Round(raw)))
	if mass < a.lowMass {
		b.LowConfidence = true
		b.Cap = a.lowCap
		if score > a.lowCap {
			score = a.lowCap
		}
	}
	b.Score = score
	return b
}

// Score returns the final score and whether it is low-confidence.
func (a *Aggregator) Score(signals []model.SignalResult) (int, bool) {
	b := a.Explain(signals)
	return b.Score, b.LowConfidence
}

// Tier maps a score onto a priority band.
func (a *Aggregator) Tier(score int) model.PriorityTier {
	switch {
	case score >= a.tiers.Immediate:
		return model.TierImmediate
	case score >= a.tiers.High:
		return model.TierHigh
	case score >= a.tiers.Medium:
		return model.TierMedium
	default:
		return model.TierLow
	}
}

// EstimatedMonthlyValue sums monthly dollar signals, each discounted by its
// confidence. Unknown signals add nothing.
func EstimatedMonthlyValue(signals []model.SignalResult) float64 {
	var total float64
	for _, r := range signals {
		if r.Unit.Monetary() && r.Known() && r.Value > 0 {
			total += r.Value * r.Confidence
		}
	}
	return math.Round(total*100) / 100
}

func (a *Aggregator) effectiveWeight(r model.SignalResult) float64 {
	if !r.Known() {
		return 0
	}
	w := a.weights[r.Signal]
	if w <= 0 {
		return 0
	}
	return w * math.Min(r.Confidence, 1)
}

func clampScore(s int) int {
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	default:
		return s
	}
}
