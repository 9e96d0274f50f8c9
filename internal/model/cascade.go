package model

// CascadeStatus is the state of a candidate inside the cascade.
type CascadeStatus string

const (
	CascadePending    CascadeStatus = "pending"
	CascadeCompleted  CascadeStatus = "completed"
	CascadeEliminated CascadeStatus = "eliminated"
)

// CascadeState accumulates per-candidate results while the cascade runs.
// The engine owns it until Freeze is called.
type CascadeState struct {
	Candidate         Candidate      `json:"candidate"`
	Collected         []SignalResult `json:"collected"`
	RunningScore      float64        `json:"running_score"`
	RunningConfidence float64        `json:"running_confidence"`
	EliminatedAt      *SignalType    `json:"eliminated_at,omitempty"`
	Status            CascadeStatus  `json:"status"`
	// Truncated is set when a global deadline stopped the cascade before
	// all stages ran. The state is still valid aggregator input.
	Truncated bool `json:"truncated,omitempty"`
	// Calls lists the signals whose detector was actually invoked.
	Calls []SignalType `json:"calls,omitempty"`

	frozen bool
}

// NewCascadeState starts a pending state for a candidate.
func NewCascadeState(c Candidate) *CascadeState {
	return &CascadeState{Candidate: c, Status: CascadePending}
}

// Record appends a stage result.
func (s *CascadeState) Record(r SignalResult) {
	s.mustBeOpen()
	s.Collected = append(s.Collected, r)
}

// RecordCall notes a detector invocation for cost accounting.
func (s *CascadeState) RecordCall(signal SignalType) {
	s.mustBeOpen()
	s.Calls = append(s.Calls, signal)
}

// SetRunning stores the running aggregate after a stage.
func (s *CascadeState) SetRunning(score, confidence float64) {
	s.mustBeOpen()
	s.RunningScore = score
	s.RunningConfidence = confidence
}

// Eliminate moves the state to the terminal Eliminated status and freezes it.
func (s *CascadeState) Eliminate(at SignalType) {
	s.mustBeOpen()
	stage := at
	s.EliminatedAt = &stage
	s.Status = CascadeEliminated
	s.frozen = true
}

// Complete moves the state to the terminal Completed status and freezes it.
func (s *CascadeState) Complete(truncated bool) {
	s.mustBeOpen()
	s.Status = CascadeCompleted
	s.Truncated = truncated
	s.frozen = true
}

// Frozen reports whether the state has reached a terminal status.
func (s *CascadeState) Frozen() bool {
	return s.frozen
}

// Eliminated reports whether the candidate was dropped by a stage.
func (s *CascadeState) Eliminated() bool {
	return s.Status == CascadeEliminated
}

func (s *CascadeState) mustBeOpen() {
	if s.frozen {
		panic("model: cascade state mutated after freeze")
	}
}
