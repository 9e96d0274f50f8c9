package cascade

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-qualifier/internal/confidence"
	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/cost"
	"github.com/sells-group/lead-qualifier/internal/detector"
	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/ratelimit"
	"github.com/sells-group/lead-qualifier/internal/scoring"
)

var now = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

// fullTrust makes confidence equal to completeness.
func fullTrust() *confidence.Model {
	params := make(map[model.SignalType]confidence.Params)
	for _, s := range model.AllSignalTypes {
		params[s] = confidence.Params{Reliability: 1}
	}
	return confidence.New(params, confidence.WithClock(func() time.Time { return now }))
}

func aggregator() *scoring.Aggregator {
	weights := make(map[model.SignalType]float64)
	for name, w := range config.DefaultWeights {
		weights[model.SignalType(name)] = w
	}
	return scoring.NewAggregator(weights)
}

func stage(d *mockDetector, threshold float64) Stage {
	return Stage{
		Signal:     d.signal,
		Threshold:  threshold,
		MaxLatency: time.Second,
		Detector:   d,
		Cost:       d.cost,
	}
}

func candidate() model.Candidate {
	return model.Candidate{IdentityKey: "acmeplumbing.com", RawName: "Acme Plumbing", RawDomain: "acmeplumbing.com", Region: "FL"}
}

func TestRun_BelowThresholdSkipsLaterStages(t *testing.T) {
	t.Parallel()

	first := &mockDetector{signal: model.SignalDomainAuthority, obs: observed(10, model.UnitScore)}
	later := &mockDetector{signal: model.SignalStackCost, obs: observed(900, model.UnitUSDMonthly)}
	last := &mockDetector{signal: model.SignalAdSpend, obs: observed(5000, model.UnitUSDMonthly)}

	e := NewEngine([]Stage{stage(first, 40), stage(later, 0), stage(last, 0)}, fullTrust(), aggregator())
	st := e.Run(context.Background(), candidate())

	require.True(t, st.Eliminated())
	require.NotNil(t, st.EliminatedAt)
	assert.Equal(t, model.SignalDomainAuthority, *st.EliminatedAt)
	assert.InDelta(t, 10, st.RunningScore, 1e-9)
	assert.True(t, st.Frozen())

	assert.Equal(t, int32(1), first.calls.Load())
	assert.Zero(t, later.calls.Load())
	assert.Zero(t, last.calls.Load())
	assert.Equal(t, []model.SignalType{model.SignalDomainAuthority}, st.Calls)
}

func TestRun_TimeoutRecordedAndCascadeContinues(t *testing.T) {
	t.Parallel()

	slow := &mockDetector{signal: model.SignalPerformanceLoss, block: true}
	next := &mockDetector{signal: model.SignalAdSpend, obs: observed(5000, model.UnitUSDMonthly)}

	slowStage := stage(slow, 90)
	slowStage.MaxLatency = 20 * time.Millisecond

	e := NewEngine([]Stage{slowStage, stage(next, 0)}, fullTrust(), aggregator())
	st := e.Run(context.Background(), candidate())

	assert.Equal(t, model.CascadeCompleted, st.Status)
	assert.False(t, st.Truncated)
	assert.Nil(t, st.EliminatedAt, "a failed stage never eliminates, even with a high threshold")
	require.Len(t, st.Collected, 2)

	perf := st.Collected[0]
	assert.Equal(t, model.SignalPerformanceLoss, perf.Signal)
	assert.True(t, perf.Failed)
	assert.Zero(t, perf.Confidence)
	assert.Contains(t, perf.FailureReason, string(detector.FailureTimeout))

	assert.Equal(t, int32(1), next.calls.Load())
	assert.True(t, st.Collected[1].Known())
}

func TestRun_NonFiniteValueIsMalformed(t *testing.T) {
	t.Parallel()

	nan := &mockDetector{signal: model.SignalStackCost, obs: observed(math.NaN(), model.UnitUSDMonthly)}
	inf := &mockDetector{signal: model.SignalAdSpend, obs: observed(math.Inf(1), model.UnitUSDMonthly)}
	good := &mockDetector{signal: model.SignalDomainAuthority, obs: observed(70, model.UnitScore)}

	e := NewEngine([]Stage{stage(nan, 90), stage(inf, 90), stage(good, 0)}, fullTrust(), aggregator())
	st := e.Run(context.Background(), candidate())

	assert.Equal(t, model.CascadeCompleted, st.Status)
	assert.Nil(t, st.EliminatedAt)
	require.Len(t, st.Collected, 3)
	for _, sig := range st.Collected[:2] {
		assert.True(t, sig.Failed, sig.Signal)
		assert.Zero(t, sig.Confidence)
		assert.Zero(t, sig.Normalized)
		assert.Contains(t, sig.FailureReason, string(detector.FailureMalformed))
	}
	assert.True(t, st.Collected[2].Known())
	assert.False(t, math.IsNaN(st.RunningScore))
	assert.False(t, math.IsInf(st.RunningScore, 0))
}

func TestRun_PanicRecovered(t *testing.T) {
	t.Parallel()

	bad := &mockDetector{signal: model.SignalSocialTraction, panics: true}
	good := &mockDetector{signal: model.SignalDomainAuthority, obs: observed(70, model.UnitScore)}

	ledger := cost.NewLedger()
	e := NewEngine([]Stage{stage(bad, 0), stage(good, 0)}, fullTrust(), aggregator(), WithLedger(ledger))
	st := e.Run(context.Background(), candidate())

	require.Len(t, st.Collected, 2)
	assert.True(t, st.Collected[0].Failed)
	assert.Contains(t, st.Collected[0].FailureReason, string(detector.FailurePanic))
	assert.Equal(t, model.CascadeCompleted, st.Status)

	s := ledger.Summary()
	assert.Equal(t, 2, s.Calls)
	assert.Equal(t, 1, s.FailuresBySignal[model.SignalSocialTraction])
}

func TestRun_DetectorErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want detector.FailureKind
	}{
		{"network", errors.New("connection reset"), detector.FailureNetwork},
		{"typed", detector.NewFailure(model.SignalAdSpend, detector.FailureMalformed, errors.New("bad json")), detector.FailureMalformed},
		{"no input", detector.NewFailure(model.SignalAdSpend, detector.FailureNoInput, nil), detector.FailureNoInput},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := &mockDetector{signal: model.SignalAdSpend, err: tt.err}
			st := NewEngine([]Stage{stage(d, 50)}, fullTrust(), aggregator()).Run(context.Background(), candidate())

			require.Len(t, st.Collected, 1)
			r := st.Collected[0]
			assert.True(t, r.Failed)
			assert.Zero(t, r.Confidence)
			assert.Contains(t, r.FailureReason, string(tt.want))
			assert.Equal(t, model.CascadeCompleted, st.Status)
		})
	}
}

func TestRun_NilObservationIsMalformed(t *testing.T) {
	t.Parallel()

	d := &mockDetector{signal: model.SignalAdSpend}
	st := NewEngine([]Stage{stage(d, 0)}, fullTrust(), aggregator()).Run(context.Background(), candidate())
	require.Len(t, st.Collected, 1)
	assert.Contains(t, st.Collected[0].FailureReason, string(detector.FailureMalformed))
}

func TestRun_UnitMismatchIsMalformed(t *testing.T) {
	t.Parallel()

	d := &mockDetector{signal: model.SignalStackCost, obs: observed(40, model.UnitScore)}
	st := NewEngine([]Stage{stage(d, 0)}, fullTrust(), aggregator()).Run(context.Background(), candidate())
	require.Len(t, st.Collected, 1)
	assert.True(t, st.Collected[0].Failed)
	assert.Contains(t, st.Collected[0].FailureReason, string(detector.FailureMalformed))
}

func TestRun_DefaultedSkipsEliminationCheck(t *testing.T) {
	t.Parallel()

	d := &mockDetector{signal: model.SignalStackCost, obs: &detector.Observation{
		Value: 0, Unit: model.UnitUSDMonthly, Completeness: 1, Defaulted: true,
	}}
	next := &mockDetector{signal: model.SignalAdSpend, obs: observed(100, model.UnitUSDMonthly)}

	st := NewEngine([]Stage{stage(d, 100), stage(next, 0)}, fullTrust(), aggregator()).Run(context.Background(), candidate())

	assert.Equal(t, model.CascadeCompleted, st.Status)
	require.Len(t, st.Collected, 2)
	assert.False(t, st.Collected[0].Failed)
	assert.Zero(t, st.Collected[0].Confidence)
	assert.Zero(t, st.Collected[0].Normalized)
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestRun_RunningScoreRecomputed(t *testing.T) {
	t.Parallel()

	// 80 at weight .10, then 0 at weight .25: (8 + 0) / .35 = 22.86.
	da := &mockDetector{signal: model.SignalDomainAuthority, obs: observed(80, model.UnitScore)}
	sc := &mockDetector{signal: model.SignalStackCost, obs: observed(0, model.UnitUSDMonthly)}
	ads := &mockDetector{signal: model.SignalAdSpend, obs: observed(100, model.UnitUSDMonthly)}

	st := NewEngine([]Stage{stage(da, 50), stage(sc, 50), stage(ads, 0)}, fullTrust(), aggregator()).
		Run(context.Background(), candidate())

	require.True(t, st.Eliminated())
	assert.Equal(t, model.SignalStackCost, *st.EliminatedAt)
	assert.InDelta(t, 8.0/0.35, st.RunningScore, 1e-9)
	assert.InDelta(t, 0.35, st.RunningConfidence, 1e-9)
	assert.Zero(t, ads.calls.Load())
}

func TestRun_PassingCandidateRunsEveryStage(t *testing.T) {
	t.Parallel()

	var stages []Stage
	var mocks []*mockDetector
	for _, s := range model.AllSignalTypes {
		m := &mockDetector{signal: s, obs: observed(100, detector.ExpectedUnit(s))}
		mocks = append(mocks, m)
		stages = append(stages, stage(m, 10))
	}

	st := NewEngine(stages, fullTrust(), aggregator()).Run(context.Background(), candidate())
	assert.Equal(t, model.CascadeCompleted, st.Status)
	assert.Len(t, st.Collected, len(model.AllSignalTypes))
	for _, m := range mocks {
		assert.Equal(t, int32(1), m.calls.Load(), m.signal)
	}
}

func TestRun_ContextAlreadyDone(t *testing.T) {
	t.Parallel()

	d := &mockDetector{signal: model.SignalAdSpend, obs: observed(100, model.UnitUSDMonthly)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := NewEngine([]Stage{stage(d, 0)}, fullTrust(), aggregator()).Run(ctx, candidate())
	assert.Equal(t, model.CascadeCompleted, st.Status)
	assert.True(t, st.Truncated)
	assert.False(t, st.Eliminated())
	assert.Empty(t, st.Collected)
	assert.Zero(t, d.calls.Load())
}

func TestRun_GlobalDeadlineTruncates(t *testing.T) {
	t.Parallel()

	first := &mockDetector{signal: model.SignalDomainAuthority, obs: observed(90, model.UnitScore)}
	slow := &mockDetector{signal: model.SignalStackCost, block: true}
	never := &mockDetector{signal: model.SignalAdSpend, obs: observed(100, model.UnitUSDMonthly)}

	slowStage := stage(slow, 0)
	slowStage.MaxLatency = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	st := NewEngine([]Stage{stage(first, 0), slowStage, stage(never, 0)}, fullTrust(), aggregator()).Run(ctx, candidate())

	assert.Equal(t, model.CascadeCompleted, st.Status)
	assert.True(t, st.Truncated)
	assert.Nil(t, st.EliminatedAt)
	assert.Zero(t, never.calls.Load())
	require.Len(t, st.Collected, 2)
	assert.True(t, st.Collected[0].Known())
	assert.True(t, st.Collected[1].Failed)
}

func TestRun_BudgetExhausted(t *testing.T) {
	t.Parallel()

	d := &mockDetector{signal: model.SignalAdSpend, obs: observed(100, model.UnitUSDMonthly)}
	limits := ratelimit.NewSet(map[model.SignalType]ratelimit.Limits{model.SignalAdSpend: {Budget: 1}})
	e := NewEngine([]Stage{stage(d, 0)}, fullTrust(), aggregator(), WithLimits(limits))

	first := e.Run(context.Background(), candidate())
	second := e.Run(context.Background(), candidate())

	assert.True(t, first.Collected[0].Known())
	require.Len(t, second.Collected, 1)
	assert.True(t, second.Collected[0].Failed)
	assert.Contains(t, second.Collected[0].FailureReason, string(detector.FailureBudget))
	assert.Empty(t, second.Calls)
	assert.Equal(t, int32(1), d.calls.Load())
}

func TestRun_AttachesResolvedDomain(t *testing.T) {
	t.Parallel()

	resolver := &mockDetector{signal: model.SignalDomainAuthority, obs: &detector.Observation{
		Value: 30, Unit: model.UnitScore, Completeness: 1, ResolvedDomain: "joesdiner.com",
	}}
	next := &mockDetector{signal: model.SignalStackCost, obs: observed(100, model.UnitUSDMonthly)}

	c := model.Candidate{IdentityKey: "name:joes diner|TX", RawName: "Joe's Diner", Region: "TX"}
	st := NewEngine([]Stage{stage(resolver, 0), stage(next, 0)}, fullTrust(), aggregator()).Run(context.Background(), c)

	assert.Equal(t, "joesdiner.com", st.Candidate.ResolvedDomain)
	assert.Equal(t, "", st.Candidate.RawDomain)
	seen, ok := next.lastArg.Load().(model.Candidate)
	require.True(t, ok)
	assert.Equal(t, "joesdiner.com", seen.Domain(), "later stages see the resolved domain")
}

func TestRun_ConcurrentCandidates(t *testing.T) {
	t.Parallel()

	d := &mockDetector{signal: model.SignalDomainAuthority, obs: observed(60, model.UnitScore)}
	e := NewEngine([]Stage{stage(d, 50)}, fullTrust(), aggregator())

	done := make(chan *model.CascadeState, 20)
	for i := 0; i < 20; i++ {
		go func() { done <- e.Run(context.Background(), candidate()) }()
	}
	for i := 0; i < 20; i++ {
		st := <-done
		assert.Equal(t, model.CascadeCompleted, st.Status)
		assert.InDelta(t, 60, st.RunningScore, 1e-9)
	}
	assert.Equal(t, int32(20), d.calls.Load())
}
