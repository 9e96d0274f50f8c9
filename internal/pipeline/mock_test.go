package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lead-qualifier/internal/dedupe"
	"github.com/sells-group/lead-qualifier/internal/detector"
	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/store"
)

// --- Detector fake ---

// fakeDetector answers from a table keyed by candidate name. Candidates
// missing from the table get a Defaulted observation.
type fakeDetector struct {
	signal  model.SignalType
	cost    float64
	values  map[string]float64
	resolve map[string]string
	block   bool

	calls atomic.Int32
	mu    sync.Mutex
	seen  map[string]model.Candidate
}

func (f *fakeDetector) Signal() model.SignalType { return f.signal }
func (f *fakeDetector) CostPerCall() float64     { return f.cost }

func (f *fakeDetector) Detect(ctx context.Context, c model.Candidate) (*detector.Observation, error) {
	f.calls.Add(1)
	f.mu.Lock()
	if f.seen == nil {
		f.seen = make(map[string]model.Candidate)
	}
	f.seen[c.RawName] = c
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	unit := detector.ExpectedUnit(f.signal)
	v, ok := f.values[c.RawName]
	if !ok {
		return &detector.Observation{Unit: unit, Defaulted: true}, nil
	}
	return &detector.Observation{
		Value:          v,
		Unit:           unit,
		Completeness:   1,
		ResolvedDomain: f.resolve[c.RawName],
	}, nil
}

func (f *fakeDetector) saw(name string) (model.Candidate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.seen[name]
	return c, ok
}

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

var _ store.Store = (*mockStore)(nil)

func (m *mockStore) CreateRun(ctx context.Context, source string) (*model.Run, error) {
	args := m.Called(ctx, source)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) CompleteRun(ctx context.Context, runID string, stats *model.RunStats) error {
	args := m.Called(ctx, runID, stats)
	return args.Error(0)
}

func (m *mockStore) FailRun(ctx context.Context, runID string, reason string) error {
	args := m.Called(ctx, runID, reason)
	return args.Error(0)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Run), args.Error(1)
}

func (m *mockStore) SaveLeads(ctx context.Context, runID string, leads []model.QualifiedLead) error {
	args := m.Called(ctx, runID, leads)
	return args.Error(0)
}

func (m *mockStore) ListLeads(ctx context.Context, runID string) ([]model.QualifiedLead, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.QualifiedLead), args.Error(1)
}

func (m *mockStore) Lookup(ctx context.Context, keys []string) (map[string]dedupe.IndexEntry, error) {
	args := m.Called(ctx, keys)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]dedupe.IndexEntry), args.Error(1)
}

func (m *mockStore) Upsert(ctx context.Context, entries []dedupe.IndexEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
