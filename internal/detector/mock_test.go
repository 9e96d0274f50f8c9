package detector

import (
	"context"
	"sync/atomic"

	"github.com/sells-group/lead-qualifier/internal/model"
)

// mockDetector implements Detector for testing.
type mockDetector struct {
	signal model.SignalType
	cost   float64
	obs    *Observation
	err    error
	calls  atomic.Int32
}

func (m *mockDetector) Signal() model.SignalType { return m.signal }
func (m *mockDetector) CostPerCall() float64     { return m.cost }
func (m *mockDetector) Detect(_ context.Context, _ model.Candidate) (*Observation, error) {
	m.calls.Add(1)
	return m.obs, m.err
}
