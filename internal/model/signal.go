package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// SignalType identifies one independently measurable indicator of commercial opportunity.
type SignalType string

const (
	SignalStackCost           SignalType = "stack_cost"
	SignalSubscriptionRevenue SignalType = "subscription_revenue"
	SignalPerformanceLoss     SignalType = "performance_loss"
	SignalAdSpend             SignalType = "ad_spend"
	SignalDomainAuthority     SignalType = "domain_authority"
	SignalSocialTraction      SignalType = "social_traction"
)

// AllSignalTypes lists every known signal in a stable order.
var AllSignalTypes = []SignalType{
	SignalStackCost,
	SignalSubscriptionRevenue,
	SignalPerformanceLoss,
	SignalAdSpend,
	SignalDomainAuthority,
	SignalSocialTraction,
}

// Valid reports whether s is a known signal type.
func (s SignalType) Valid() bool {
	for _, known := range AllSignalTypes {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSignalType converts a configuration string into a SignalType.
func ParseSignalType(s string) (SignalType, error) {
	st := SignalType(s)
	if !st.Valid() {
		return "", eris.Errorf("model: unknown signal type %q", s)
	}
	return st, nil
}

// Unit tags the magnitude carried by a SignalResult.
type Unit string

const (
	// UnitUSDMonthly is a currency-denominated monthly estimate.
	UnitUSDMonthly Unit = "usd_monthly"
	// UnitScore is a dimensionless 0-100 indicator.
	UnitScore Unit = "score"
	// UnitCount is a dimensionless count (followers, backlinks).
	UnitCount Unit = "count"
)

// Monetary reports whether the unit is currency-denominated.
func (u Unit) Monetary() bool {
	return u == UnitUSDMonthly
}

// SignalResult is the output of one detector for one candidate.
type SignalResult struct {
	Signal     SignalType `json:"signal"`
	Value      float64    `json:"value"`
	Unit       Unit       `json:"unit"`
	Normalized float64    `json:"normalized"` // 0-100, see detector.Normalize
	Confidence float64    `json:"confidence"` // assigned by the confidence model
	Evidence   string     `json:"evidence,omitempty"`

	// Failed marks a zero-confidence placeholder recorded for a detector
	// failure or timeout. It is kept for audit only.
	Failed        bool       `json:"failed,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ObservedAt    *time.Time `json:"observed_at,omitempty"`
}

// Known reports whether the result carries usable evidence. A result with
// zero confidence means "unknown", not "measured as zero".
func (r SignalResult) Known() bool {
	return r.Confidence > 0
}

// FailedResult builds the zero-confidence placeholder for a failed stage.
func FailedResult(signal SignalType, reason string) SignalResult {
	return SignalResult{
		Signal:        signal,
		Failed:        true,
		FailureReason: reason,
	}
}

// CountKnown returns how many results carry non-zero confidence.
func CountKnown(results []SignalResult) int {
	n := 0
	for _, r := range results {
		if r.Known() {
			n++
		}
	}
	return n
}
