package detector

import (
	"net/http"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/resilience"
)

// FromConfig builds a registry with one guarded detector per configured
// signal. Fixture files shared between detectors are read once. hc may be
// nil.
func FromConfig(cfg *config.Config, hc *http.Client) (*Registry, error) {
	bc := resilience.BreakerConfigFrom(cfg.Circuit)
	bc.Trips = TripsBreaker
	bc.OnChange = LogBreakerChange()
	breakers := resilience.NewBreakers(bc)

	names := make([]string, 0, len(cfg.Detectors))
	for name := range cfg.Detectors {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := NewRegistry()
	fixtures := make(map[string]Fixtures)
	for _, name := range names {
		dc := cfg.Detectors[name]
		signal, err := model.ParseSignalType(name)
		if err != nil {
			return nil, eris.Wrap(config.ErrInvalid, err.Error())
		}

		var d Detector
		switch dc.Kind {
		case "http":
			var opts []HTTPOption
			if hc != nil {
				opts = append(opts, WithHTTPClient(hc))
			}
			d, err = NewHTTPDetector(signal, dc, opts...)
			if err != nil {
				return nil, eris.Wrap(config.ErrInvalid, err.Error())
			}
		case "fixture":
			fx, ok := fixtures[dc.FixturePath]
			if !ok {
				fx, err = LoadFixtures(dc.FixturePath)
				if err != nil {
					return nil, err
				}
				fixtures[dc.FixturePath] = fx
			}
			d = NewFixtureDetector(signal, dc.CostPerCall, fx)
		default:
			return nil, eris.Wrapf(config.ErrInvalid, "detector: %s: unknown kind %q", name, dc.Kind)
		}

		if err := reg.Register(NewGuard(d, breakers)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
