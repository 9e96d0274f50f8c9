package detector

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/resilience"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(&mockDetector{signal: model.SignalAdSpend}))
	require.NoError(t, r.Register(&mockDetector{signal: model.SignalDomainAuthority}))

	assert.NotNil(t, r.Get(model.SignalAdSpend))
	assert.Nil(t, r.Get(model.SignalStackCost))
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []model.SignalType{model.SignalAdSpend, model.SignalDomainAuthority}, r.Signals())
}

func TestRegistry_RejectsDuplicateAndUnknown(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(&mockDetector{signal: model.SignalAdSpend}))
	assert.Error(t, r.Register(&mockDetector{signal: model.SignalAdSpend}))
	assert.Error(t, r.Register(&mockDetector{signal: "page_rank"}))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var wg sync.WaitGroup
	for _, s := range model.AllSignalTypes {
		wg.Add(2)
		go func(s model.SignalType) {
			defer wg.Done()
			_ = r.Register(&mockDetector{signal: s})
		}(s)
		go func(s model.SignalType) {
			defer wg.Done()
			_ = r.Get(s)
			_ = r.Signals()
		}(s)
	}
	wg.Wait()
	assert.Equal(t, len(model.AllSignalTypes), r.Len())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"canceled", context.Canceled, FailureCanceled},
		{"circuit", resilience.ErrOpen, FailureCircuitOpen},
		{"other", errors.New("connection refused"), FailureNetwork},
		{"already classified", NewFailure(model.SignalAdSpend, FailureMalformed, errors.New("bad")), FailureMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(model.SignalAdSpend, tt.err)
			assert.Equal(t, tt.want, f.Kind)
		})
	}
}

func TestFailure_Reason(t *testing.T) {
	t.Parallel()

	f := NewFailure(model.SignalPerformanceLoss, FailureTimeout, errors.New("5s elapsed"))
	assert.Equal(t, "timeout: 5s elapsed", f.Reason())
	assert.Contains(t, f.Error(), "performance_loss")

	bare := NewFailure(model.SignalPerformanceLoss, FailurePanic, nil)
	assert.Equal(t, "panic", bare.Reason())
}
