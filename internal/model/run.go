package model

import "time"

// RunStatus represents the current state of a qualification run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Ambiguity records two identities the deduplicator could neither merge nor
// confidently keep apart. They are kept separate and listed for review.
type Ambiguity struct {
	KeyA       string  `json:"key_a"`
	KeyB       string  `json:"key_b"`
	Similarity float64 `json:"similarity"`
	Reason     string  `json:"reason"`
}

// RunStats summarizes one pipeline run for cost accounting and audit.
type RunStats struct {
	Intake              int                  `json:"intake"`
	DroppedUnidentified int                  `json:"dropped_unidentified"`
	PreDedupMerged      int                  `json:"pre_dedup_merged"`
	SkippedKnown        int                  `json:"skipped_known"`
	Cascaded            int                  `json:"cascaded"`
	EliminatedByStage   map[SignalType]int   `json:"eliminated_by_stage"`
	Completed           int                  `json:"completed"`
	Truncated           int                  `json:"truncated"`
	DetectorCalls       int                  `json:"detector_calls"`
	CallsBySignal       map[SignalType]int   `json:"calls_by_signal"`
	DetectorFailures    int                  `json:"detector_failures"`
	FailuresBySignal    map[SignalType]int   `json:"failures_by_signal"`
	EstimatedCostUSD    float64              `json:"estimated_cost_usd"`
	LowConfidence       int                  `json:"low_confidence"`
	PostDedupMerged     int                  `json:"post_dedup_merged"`
	Ambiguities         []Ambiguity          `json:"ambiguities,omitempty"`
	ByTier              map[PriorityTier]int `json:"by_tier"`
	DroppedLow          int                  `json:"dropped_low"`
	Qualified           int                  `json:"qualified"`
	DurationMs          int64                `json:"duration_ms"`
}

// NewRunStats returns stats with initialized maps.
func NewRunStats() RunStats {
	return RunStats{
		EliminatedByStage: make(map[SignalType]int),
		CallsBySignal:     make(map[SignalType]int),
		FailuresBySignal:  make(map[SignalType]int),
		ByTier:            make(map[PriorityTier]int),
	}
}

// Eliminated returns the total number of eliminated candidates.
func (s RunStats) Eliminated() int {
	n := 0
	for _, c := range s.EliminatedByStage {
		n += c
	}
	return n
}

// Run is a persisted record of one qualification run.
type Run struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Status    RunStatus `json:"status"`
	Stats     *RunStats `json:"stats,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
