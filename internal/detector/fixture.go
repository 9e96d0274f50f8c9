package detector

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-qualifier/internal/dedupe"
	"github.com/sells-group/lead-qualifier/internal/model"
)

// FixtureEntry is one recorded observation. A nil Value means the source
// had no data for the business.
type FixtureEntry struct {
	Value          *float64 `yaml:"value" json:"value"`
	Unit           string   `yaml:"unit" json:"unit"`
	Completeness   *float64 `yaml:"completeness" json:"completeness"`
	ObservedAt     string   `yaml:"observed_at" json:"observed_at"`
	Defaulted      bool     `yaml:"defaulted" json:"defaulted"`
	Evidence       string   `yaml:"evidence" json:"evidence"`
	ResolvedDomain string   `yaml:"resolved_domain" json:"resolved_domain"`
	// Error simulates a failure of the given kind (timeout, network, ...).
	Error string `yaml:"error" json:"error"`
	// DelayMs simulates source latency.
	DelayMs int `yaml:"delay_ms" json:"delay_ms"`
}

// Fixtures maps a business key (normalized domain or name) to entries per
// signal.
type Fixtures map[string]map[model.SignalType]FixtureEntry

// LoadFixtures reads a fixture file. YAML and JSON are both accepted:
//
//	fixtures:
//	  acmeplumbing.com:
//	    stack_cost: {value: 650, observed_at: 2026-09-01}
//	  "Joe's Diner":
//	    ad_spend: {error: timeout}
func LoadFixtures(path string) (Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "detector: read fixtures %s", path)
	}

	var wrapper struct {
		Fixtures map[string]map[string]FixtureEntry `yaml:"fixtures"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrapf(err, "detector: parse fixtures %s", path)
	}

	out := make(Fixtures, len(wrapper.Fixtures))
	for key, bySignal := range wrapper.Fixtures {
		k := fixtureKey(key)
		if k == "" {
			return nil, eris.Errorf("detector: fixture key %q normalizes to nothing", key)
		}
		entries := make(map[model.SignalType]FixtureEntry, len(bySignal))
		for name, e := range bySignal {
			signal, err := model.ParseSignalType(name)
			if err != nil {
				return nil, eris.Wrapf(err, "detector: fixture %q", key)
			}
			entries[signal] = e
		}
		out[k] = entries
	}
	return out, nil
}

func fixtureKey(raw string) string {
	if strings.Contains(raw, ".") && !strings.Contains(raw, " ") {
		if d := dedupe.NormalizeDomain(raw); d != "" {
			return d
		}
	}
	return dedupe.NormalizeName(raw)
}

// Lookup finds the entry for a candidate by domain, then by name.
func (f Fixtures) Lookup(signal model.SignalType, c model.Candidate) (FixtureEntry, bool) {
	for _, k := range []string{dedupe.NormalizeDomain(c.Domain()), dedupe.NormalizeName(c.RawName)} {
		if k == "" {
			continue
		}
		if e, ok := f[k][signal]; ok {
			return e, true
		}
	}
	return FixtureEntry{}, false
}

// FixtureDetector replays recorded observations. It backs offline runs and
// tests.
type FixtureDetector struct {
	signal   model.SignalType
	cost     float64
	fixtures Fixtures
}

// NewFixtureDetector creates a detector for signal over fixtures.
func NewFixtureDetector(signal model.SignalType, cost float64, fixtures Fixtures) *FixtureDetector {
	return &FixtureDetector{signal: signal, cost: cost, fixtures: fixtures}
}

func (d *FixtureDetector) Signal() model.SignalType { return d.signal }

func (d *FixtureDetector) CostPerCall() float64 { return d.cost }

// Detect returns the recorded observation, or a Defaulted one when there is
// no record.
func (d *FixtureDetector) Detect(ctx context.Context, c model.Candidate) (*Observation, error) {
	e, ok := d.fixtures.Lookup(d.signal, c)
	if !ok {
		return &Observation{Unit: ExpectedUnit(d.signal), Defaulted: true, Evidence: "no fixture"}, nil
	}

	if e.DelayMs > 0 {
		t := time.NewTimer(time.Duration(e.DelayMs) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, Classify(d.signal, ctx.Err())
		case <-t.C:
		}
	}
	if e.Error != "" {
		return nil, NewFailure(d.signal, FailureKind(e.Error), eris.New("fixture failure"))
	}

	unit := model.Unit(e.Unit)
	if unit == "" {
		unit = ExpectedUnit(d.signal)
	}
	obs := &Observation{
		Unit:           unit,
		Completeness:   1,
		Defaulted:      e.Defaulted,
		Evidence:       e.Evidence,
		ResolvedDomain: e.ResolvedDomain,
	}
	if e.Value == nil {
		obs.Defaulted = true
		obs.Completeness = 0
		return obs, nil
	}
	obs.Value = *e.Value
	if e.Completeness != nil {
		obs.Completeness = *e.Completeness
	}
	if e.ObservedAt != "" {
		ts, err := parseTimestamp(e.ObservedAt)
		if err != nil {
			return nil, NewFailure(d.signal, FailureMalformed, err)
		}
		obs.ObservedAt = ts
	}
	return obs, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("unparseable timestamp %q", s)
}
