package model

// PriorityTier buckets a qualified lead for outreach.
type PriorityTier string

const (
	TierImmediate PriorityTier = "IMMEDIATE"
	TierHigh      PriorityTier = "HIGH"
	TierMedium    PriorityTier = "MEDIUM"
	TierLow       PriorityTier = "LOW"
)

// AllTiers lists tiers from most to least urgent.
var AllTiers = []PriorityTier{TierImmediate, TierHigh, TierMedium, TierLow}

// Contribution is one signal's share of a qualification score.
type Contribution struct {
	Signal          SignalType `json:"signal"`
	Value           float64    `json:"value"`
	Unit            Unit       `json:"unit"`
	Normalized      float64    `json:"normalized"`
	Confidence      float64    `json:"confidence"`
	CategoryWeight  float64    `json:"category_weight"`
	EffectiveWeight float64    `json:"effective_weight"`
	// Points is normalized * effective_weight / total_weight: the amount
	// this signal adds to the raw score.
	Points float64 `json:"points"`
}

// Breakdown explains how a score was composed.
type Breakdown struct {
	Contributions []Contribution `json:"contributions"`
	TotalWeight   float64        `json:"total_weight"`
	RawScore      float64        `json:"raw_score"`
	LowConfidence bool           `json:"low_confidence"`
	Cap           int            `json:"cap,omitempty"`
	Score         int            `json:"score"`
}

// QualifiedLead is the immutable final output for one business.
type QualifiedLead struct {
	IdentityKey           string         `json:"identity_key"`
	Name                  string         `json:"name"`
	Domain                string         `json:"domain,omitempty"`
	Region                string         `json:"region,omitempty"`
	Vertical              string         `json:"vertical,omitempty"`
	DiscoverySource       string         `json:"discovery_source,omitempty"`
	Score                 int            `json:"score"`
	Tier                  PriorityTier   `json:"priority_tier"`
	LowConfidence         bool           `json:"low_confidence"`
	Signals               []SignalResult `json:"signals"`
	EstimatedMonthlyValue float64        `json:"estimated_monthly_value"`
	Breakdown             Breakdown      `json:"breakdown"`
}
