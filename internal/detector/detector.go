// Package detector defines the signal detector contract and its built-in
// implementations.
package detector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-qualifier/internal/model"
)

// Observation is what a detector measured for one candidate. Detectors
// never assign confidence; they only report how complete and how fresh the
// measurement is.
type Observation struct {
	Value float64
	Unit  model.Unit
	// Completeness is the fraction [0,1] of the source's expected fields that
	// were present.
	Completeness float64
	// ObservedAt is when the source measured the value. Zero means now.
	ObservedAt time.Time
	// Defaulted marks a value the source filled in because it had no real
	// measurement. Defaulted observations carry no confidence.
	Defaulted      bool
	Evidence       string
	ResolvedDomain string
}

// Detector measures one signal for a candidate.
type Detector interface {
	Signal() model.SignalType
	// CostPerCall orders the cascade. It never affects scoring.
	CostPerCall() float64
	Detect(ctx context.Context, c model.Candidate) (*Observation, error)
}

// Normalizer is implemented by detectors that map their values onto 0-100
// with their own curve instead of the default one for the signal.
type Normalizer interface {
	Normalize(value float64, unit model.Unit) (float64, error)
}

// Registry holds at most one detector per signal.
type Registry struct {
	mu        sync.RWMutex
	detectors map[model.SignalType]Detector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{detectors: make(map[model.SignalType]Detector)}
}

// Register adds d. Registering an unknown signal or a signal twice fails.
func (r *Registry) Register(d Detector) error {
	signal := d.Signal()
	if !signal.Valid() {
		return eris.Errorf("detector: unknown signal %q", signal)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.detectors[signal]; dup {
		return eris.Errorf("detector: %s already registered", signal)
	}
	r.detectors[signal] = d
	return nil
}

// Get returns the detector for signal, or nil.
func (r *Registry) Get(signal model.SignalType) Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detectors[signal]
}

// Signals lists registered signals in name order.
func (r *Registry) Signals() []model.SignalType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SignalType, 0, len(r.detectors))
	for s := range r.detectors {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of registered detectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.detectors)
}
