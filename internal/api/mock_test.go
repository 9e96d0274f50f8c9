package api

import (
	"context"
	"sync"

	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/pipeline"
	"github.com/sells-group/lead-qualifier/internal/store"
)

type fakeQualifier struct {
	mu     sync.Mutex
	got    []model.Candidate
	result *pipeline.Result
	err    error
}

func (f *fakeQualifier) Run(_ context.Context, candidates []model.Candidate, _ ...pipeline.RunOption) (*pipeline.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = candidates
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeRuns struct {
	runs   map[string]*model.Run
	leads  map[string][]model.QualifiedLead
	filter store.RunFilter
	err    error
}

func (f *fakeRuns) GetRun(_ context.Context, runID string) (*model.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Run
	for _, r := range f.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRuns) ListLeads(_ context.Context, runID string) ([]model.QualifiedLead, error) {
	return f.leads[runID], nil
}
