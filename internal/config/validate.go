package config

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalid marks configuration errors. They are fatal before any
// candidate is processed.
var ErrInvalid = eris.New("config: invalid")

var knownSignals = map[string]bool{
	"stack_cost":           true,
	"subscription_revenue": true,
	"performance_loss":     true,
	"ad_spend":             true,
	"domain_authority":     true,
	"social_traction":      true,
}

var knownUnits = map[string]bool{
	"usd_monthly": true,
	"score":       true,
	"count":       true,
}

// signalUnits is the unit each signal's observations are measured in.
var signalUnits = map[string]string{
	"stack_cost":           "usd_monthly",
	"subscription_revenue": "usd_monthly",
	"performance_loss":     "usd_monthly",
	"ad_spend":             "usd_monthly",
	"domain_authority":     "score",
	"social_traction":      "count",
}

// Validate checks the configuration for the given mode ("run", "serve" or
// "validate"). All problems are reported together, wrapped in ErrInvalid.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "validate":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	default:
		return eris.Wrapf(ErrInvalid, "config: unknown mode %q", mode)
	}

	errs = append(errs, c.validateQualify()...)
	errs = append(errs, c.validateWeights()...)
	errs = append(errs, c.validateTiers()...)
	errs = append(errs, c.validateCascade()...)
	errs = append(errs, c.validateConfidence()...)
	errs = append(errs, c.validateDetectors()...)

	if c.Dedupe.FuzzyThreshold <= 0 || c.Dedupe.FuzzyThreshold > 1 {
		errs = append(errs, "dedupe.fuzzy_threshold must be in (0, 1]")
	}
	if c.Dedupe.SkipKnown && !c.Dedupe.UseIndex {
		errs = append(errs, "dedupe.skip_known requires dedupe.use_index")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}

	if len(errs) > 0 {
		return eris.Wrap(ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateQualify() []string {
	var errs []string
	if c.Qualify.Workers < 1 || c.Qualify.Workers > 256 {
		errs = append(errs, "qualify.workers must be between 1 and 256")
	}
	if c.Qualify.DeadlineSecs < 0 {
		errs = append(errs, "qualify.deadline_secs must be >= 0")
	}
	if c.Qualify.LowConfidenceMass < 0 || c.Qualify.LowConfidenceMass > 1 {
		errs = append(errs, "qualify.low_confidence_mass must be between 0 and 1")
	}
	if c.Qualify.LowConfidenceCap < 0 || c.Qualify.LowConfidenceCap > 100 {
		errs = append(errs, "qualify.low_confidence_cap must be between 0 and 100")
	}
	return errs
}

func (c *Config) validateWeights() []string {
	var errs []string
	if len(c.Weights) == 0 {
		return []string{"weights must not be empty"}
	}
	sum := 0.0
	for _, name := range sortedKeys(c.Weights) {
		w := c.Weights[name]
		if !knownSignals[name] {
			errs = append(errs, fmt.Sprintf("weights.%s: unknown signal", name))
			continue
		}
		if w < 0 {
			errs = append(errs, fmt.Sprintf("weights.%s must be >= 0", name))
		}
		sum += w
	}
	if math.Abs(sum-1) > 0.05 {
		errs = append(errs, fmt.Sprintf("weights must sum to 1 (got %.3f)", sum))
	}
	return errs
}

func (c *Config) validateTiers() []string {
	t := c.Tiers
	for _, v := range []int{t.Immediate, t.High, t.Medium} {
		if v < 0 || v > 100 {
			return []string{"tiers must be between 0 and 100"}
		}
	}
	if !(t.Immediate > t.High && t.High > t.Medium) {
		return []string{"tiers must be strictly descending: immediate > high > medium"}
	}
	return nil
}

func (c *Config) validateCascade() []string {
	var errs []string
	switch c.Cascade.Ordering {
	case "cost", "configured":
	default:
		errs = append(errs, fmt.Sprintf("cascade.ordering %q must be cost or configured", c.Cascade.Ordering))
	}
	if c.Cascade.DefaultThreshold < 0 || c.Cascade.DefaultThreshold > 100 {
		errs = append(errs, "cascade.default_threshold must be between 0 and 100")
	}
	if c.Cascade.DefaultMaxLatencyMs <= 0 {
		errs = append(errs, "cascade.default_max_latency_ms must be > 0")
	}

	seen := make(map[string]bool, len(c.Cascade.Stages))
	for i, s := range c.Cascade.Stages {
		switch {
		case !knownSignals[s.Signal]:
			errs = append(errs, fmt.Sprintf("cascade.stages[%d]: unknown signal %q", i, s.Signal))
		case seen[s.Signal]:
			errs = append(errs, fmt.Sprintf("cascade.stages[%d]: duplicate signal %q", i, s.Signal))
		case len(c.Detectors) > 0 && !hasDetector(c.Detectors, s.Signal):
			errs = append(errs, fmt.Sprintf("cascade.stages[%d]: no detector configured for %q", i, s.Signal))
		}
		seen[s.Signal] = true
		if s.Threshold != nil && (*s.Threshold < 0 || *s.Threshold > 100) {
			errs = append(errs, fmt.Sprintf("cascade.stages[%d]: threshold must be between 0 and 100", i))
		}
		if s.MaxLatencyMs < 0 {
			errs = append(errs, fmt.Sprintf("cascade.stages[%d]: max_latency_ms must be >= 0", i))
		}
	}
	return errs
}

func (c *Config) validateConfidence() []string {
	var errs []string
	for _, name := range sortedKeys(c.Confidence) {
		sc := c.Confidence[name]
		if !knownSignals[name] {
			errs = append(errs, fmt.Sprintf("confidence.%s: unknown signal", name))
			continue
		}
		if sc.Reliability < 0 || sc.Reliability > 1 {
			errs = append(errs, fmt.Sprintf("confidence.%s.reliability must be between 0 and 1", name))
		}
		if sc.Floor < 0 || sc.Floor > 1 {
			errs = append(errs, fmt.Sprintf("confidence.%s.floor must be between 0 and 1", name))
		}
		if sc.HalfLifeDays < 0 {
			errs = append(errs, fmt.Sprintf("confidence.%s.half_life_days must be >= 0", name))
		}
	}
	return errs
}

func (c *Config) validateDetectors() []string {
	var errs []string
	for _, name := range sortedKeys(c.Detectors) {
		d := c.Detectors[name]
		if !knownSignals[name] {
			errs = append(errs, fmt.Sprintf("detectors.%s: unknown signal", name))
			continue
		}
		if d.CostPerCall < 0 {
			errs = append(errs, fmt.Sprintf("detectors.%s.cost_per_call must be >= 0", name))
		}
		if d.RatePerSec < 0 || d.Burst < 0 || d.MaxConcurrent < 0 || d.Budget < 0 {
			errs = append(errs, fmt.Sprintf("detectors.%s: rate limits must be >= 0", name))
		}
		switch d.Kind {
		case "http":
			if d.URL == "" {
				errs = append(errs, fmt.Sprintf("detectors.%s.url is required", name))
			}
			if d.ValuePath == "" {
				errs = append(errs, fmt.Sprintf("detectors.%s.value_path is required", name))
			}
			switch {
			case !knownUnits[d.Unit]:
				errs = append(errs, fmt.Sprintf("detectors.%s.unit %q must be usd_monthly, score or count", name, d.Unit))
			case d.Unit != signalUnits[name]:
				errs = append(errs, fmt.Sprintf("detectors.%s.unit %q does not match the signal, which is measured in %s", name, d.Unit, signalUnits[name]))
			}
		case "fixture":
			if d.FixturePath == "" {
				errs = append(errs, fmt.Sprintf("detectors.%s.fixture_path is required", name))
			}
		default:
			errs = append(errs, fmt.Sprintf("detectors.%s.kind %q must be http or fixture", name, d.Kind))
		}
	}
	return errs
}

func hasDetector(detectors map[string]DetectorConfig, signal string) bool {
	_, ok := detectors[signal]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
