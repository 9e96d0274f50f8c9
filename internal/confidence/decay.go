package confidence

import (
	"math"
	"time"
)

// Decay ages a confidence value by half-life:
//
//	effective = max(min(floor, raw), raw * 2^(-ageDays / halfLifeDays))
//
// The floor never lifts a value above its undecayed level. A zero timestamp,
// a future timestamp or a non-positive half-life leaves raw unchanged.
func Decay(raw float64, observedAt, now time.Time, halfLifeDays, floor float64) float64 {
	if raw <= 0 {
		return 0
	}
	if observedAt.IsZero() || halfLifeDays <= 0 {
		return raw
	}

	ageDays := now.Sub(observedAt).Hours() / 24
	if ageDays <= 0 {
		return raw
	}

	decayed := raw * math.Pow(2, -ageDays/halfLifeDays)
	return math.Max(decayed, math.Min(floor, raw))
}
