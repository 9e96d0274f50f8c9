package detector

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-qualifier/internal/model"
)

// Curve maps a raw signal value onto 0-100.
type Curve struct {
	Unit model.Unit
	// Cap is the value that normalizes to 100.
	Cap float64
	// Linear selects a capped linear curve instead of log-saturation.
	Linear bool
}

// Apply normalizes v. Negative values normalize to 0.
func (c Curve) Apply(v float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	var n float64
	if c.Linear {
		n = 100 * v / c.Cap
	} else {
		// Log-saturating: early dollars matter more than late ones, so a
		// $200/mo stack already scores well above a tenth of a $2,000/mo one.
		n = 100 * math.Log1p(v) / math.Log1p(c.Cap)
	}
	return clamp(n)
}

// Curves holds the fixed default curve for every signal.
var Curves = map[model.SignalType]Curve{
	model.SignalStackCost:           {Unit: model.UnitUSDMonthly, Cap: 2_000},
	model.SignalSubscriptionRevenue: {Unit: model.UnitUSDMonthly, Cap: 50_000},
	model.SignalPerformanceLoss:     {Unit: model.UnitUSDMonthly, Cap: 10_000},
	model.SignalAdSpend:             {Unit: model.UnitUSDMonthly, Cap: 25_000},
	model.SignalDomainAuthority:     {Unit: model.UnitScore, Cap: 100, Linear: true},
	model.SignalSocialTraction:      {Unit: model.UnitCount, Cap: 100_000},
}

// ErrUnitMismatch is returned when an observation's unit does not match the
// unit its signal is measured in.
var ErrUnitMismatch = eris.New("detector: unit mismatch")

// ExpectedUnit returns the unit a signal is measured in.
func ExpectedUnit(signal model.SignalType) model.Unit {
	return Curves[signal].Unit
}

// Normalize maps value onto 0-100 with the signal's default curve.
func Normalize(signal model.SignalType, value float64, unit model.Unit) (float64, error) {
	c, ok := Curves[signal]
	if !ok {
		return 0, eris.Errorf("detector: no curve for signal %q", signal)
	}
	if unit != c.Unit {
		return 0, eris.Wrapf(ErrUnitMismatch, "detector: %s expects %s, got %s", signal, c.Unit, unit)
	}
	return c.Apply(value), nil
}

// NormalizeWith uses d's own curve when it implements Normalizer and the
// default curve otherwise.
func NormalizeWith(d Detector, value float64, unit model.Unit) (float64, error) {
	if n, ok := d.(Normalizer); ok {
		v, err := n.Normalize(value, unit)
		if err != nil {
			return 0, err
		}
		return clamp(v), nil
	}
	return Normalize(d.Signal(), value, unit)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
