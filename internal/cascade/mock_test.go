package cascade

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sells-group/lead-qualifier/internal/detector"
	"github.com/sells-group/lead-qualifier/internal/model"
)

// mockDetector implements detector.Detector for testing.
type mockDetector struct {
	signal model.SignalType
	cost   float64
	obs    *detector.Observation
	err    error
	// block waits for ctx to end and returns its error.
	block   bool
	panics  bool
	delay   time.Duration
	calls   atomic.Int32
	lastArg atomic.Value
}

func (m *mockDetector) Signal() model.SignalType { return m.signal }
func (m *mockDetector) CostPerCall() float64     { return m.cost }

func (m *mockDetector) Detect(ctx context.Context, c model.Candidate) (*detector.Observation, error) {
	m.calls.Add(1)
	m.lastArg.Store(c)
	if m.panics {
		panic("detector exploded")
	}
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.obs == nil {
		return nil, m.err
	}
	obs := *m.obs
	return &obs, m.err
}

func observed(value float64, unit model.Unit) *detector.Observation {
	return &detector.Observation{Value: value, Unit: unit, Completeness: 1}
}
