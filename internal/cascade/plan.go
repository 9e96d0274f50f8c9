// Package cascade runs detectors against one candidate in a fixed order,
// eliminating the candidate as soon as its running score falls below a
// stage threshold so expensive detectors only run on promising leads.
package cascade

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/detector"
	"github.com/sells-group/lead-qualifier/internal/model"
)

// Ordering values.
const (
	OrderByCost       = "cost"
	OrderAsConfigured = "configured"
)

const defaultMaxLatency = 5 * time.Second

// Stage is one detector step in the cascade.
type Stage struct {
	Signal model.SignalType
	// Threshold is the minimum running score (0-100) a candidate needs
	// after this stage to stay in the cascade.
	Threshold  float64
	MaxLatency time.Duration
	Detector   detector.Detector
	Cost       float64
}

// BuildPlan orders the registered detectors into stages. With no stages
// configured every registered detector runs with the cascade defaults.
// Listed stages run in ascending cost order, or as written when ordering
// is "configured".
func BuildPlan(reg *detector.Registry, cfg config.CascadeConfig) ([]Stage, error) {
	if reg == nil || reg.Len() == 0 {
		return nil, eris.Wrap(config.ErrInvalid, "cascade: no detectors registered")
	}

	latency := time.Duration(cfg.DefaultMaxLatencyMs) * time.Millisecond
	if latency <= 0 {
		latency = defaultMaxLatency
	}

	stageCfgs := cfg.Stages
	if len(stageCfgs) == 0 {
		for _, s := range reg.Signals() {
			stageCfgs = append(stageCfgs, config.StageConfig{Signal: string(s)})
		}
	}

	stages := make([]Stage, 0, len(stageCfgs))
	seen := make(map[model.SignalType]bool, len(stageCfgs))
	for _, sc := range stageCfgs {
		signal, err := model.ParseSignalType(sc.Signal)
		if err != nil {
			return nil, eris.Wrapf(config.ErrInvalid, "cascade: stage %q: unknown signal", sc.Signal)
		}
		if seen[signal] {
			return nil, eris.Wrapf(config.ErrInvalid, "cascade: stage %q listed twice", signal)
		}
		seen[signal] = true

		d := reg.Get(signal)
		if d == nil {
			return nil, eris.Wrapf(config.ErrInvalid, "cascade: stage %q has no registered detector", signal)
		}

		st := Stage{
			Signal:     signal,
			Threshold:  cfg.DefaultThreshold,
			MaxLatency: latency,
			Detector:   d,
			Cost:       d.CostPerCall(),
		}
		if sc.Threshold != nil {
			st.Threshold = *sc.Threshold
		}
		if sc.MaxLatencyMs > 0 {
			st.MaxLatency = time.Duration(sc.MaxLatencyMs) * time.Millisecond
		}
		stages = append(stages, st)
	}

	if cfg.Ordering != OrderAsConfigured || len(cfg.Stages) == 0 {
		sort.SliceStable(stages, func(i, j int) bool {
			if stages[i].Cost != stages[j].Cost {
				return stages[i].Cost < stages[j].Cost
			}
			return stages[i].Signal < stages[j].Signal
		})
	}
	return stages, nil
}

// Signals returns the stage signals in run order.
func Signals(stages []Stage) []model.SignalType {
	out := make([]model.SignalType, len(stages))
	for i, s := range stages {
		out[i] = s.Signal
	}
	return out
}
