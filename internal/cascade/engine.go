package cascade

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-qualifier/internal/confidence"
	"github.com/sells-group/lead-qualifier/internal/cost"
	"github.com/sells-group/lead-qualifier/internal/detector"
	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/ratelimit"
	"github.com/sells-group/lead-qualifier/internal/scoring"
)

// Engine runs the staged plan for one candidate at a time. It is safe for
// concurrent use; all per-candidate state lives in the returned
// CascadeState.
type Engine struct {
	stages []Stage
	conf   *confidence.Model
	agg    *scoring.Aggregator
	limits *ratelimit.Set
	ledger *cost.Ledger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits applies per-signal rate, concurrency and budget limits.
func WithLimits(s *ratelimit.Set) Option {
	return func(e *Engine) {
		e.limits = s
	}
}

// WithLedger records every detector call and failure.
func WithLedger(l *cost.Ledger) Option {
	return func(e *Engine) {
		e.ledger = l
	}
}

// NewEngine creates an engine for a plan built by BuildPlan.
func NewEngine(stages []Stage, conf *confidence.Model, agg *scoring.Aggregator, opts ...Option) *Engine {
	e := &Engine{stages: stages, conf: conf, agg: agg}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Stages returns the plan in run order.
func (e *Engine) Stages() []Stage {
	return e.stages
}

// Run drives one candidate through the plan and returns its frozen state.
//
// A detector failure records a zero-confidence result and the cascade moves
// on without an elimination check. When ctx ends (the run deadline), the
// candidate is completed with what was collected and marked Truncated.
func (e *Engine) Run(ctx context.Context, c model.Candidate) *model.CascadeState {
	st := model.NewCascadeState(c)
	log := zap.L().With(zap.String("candidate", c.IdentityKey))

	for _, stage := range e.stages {
		if ctx.Err() != nil {
			log.Debug("cascade: run deadline reached, finalizing",
				zap.String("stage", string(stage.Signal)),
				zap.Int("collected", len(st.Collected)),
			)
			st.Complete(true)
			return st
		}

		res, called := e.runStage(ctx, stage, &st.Candidate, log)
		if called {
			st.RecordCall(stage.Signal)
		}
		st.Record(res)

		if !res.Known() {
			continue
		}

		raw, mass := e.agg.Running(st.Collected)
		st.SetRunning(raw, mass)
		if raw < stage.Threshold {
			log.Debug("cascade: candidate eliminated",
				zap.String("stage", string(stage.Signal)),
				zap.Float64("running_score", raw),
				zap.Float64("threshold", stage.Threshold),
			)
			st.Eliminate(stage.Signal)
			return st
		}
	}

	st.Complete(ctx.Err() != nil)
	return st
}

// runStage acquires capacity, calls the detector and converts the outcome
// into a SignalResult. called reports whether the detector was invoked.
func (e *Engine) runStage(ctx context.Context, stage Stage, c *model.Candidate, log *zap.Logger) (res model.SignalResult, called bool) {
	release, err := e.limits.Acquire(ctx, stage.Signal)
	if err != nil {
		kind := detector.Classify(stage.Signal, err)
		if eris.Is(err, ratelimit.ErrBudgetExhausted) {
			kind = detector.NewFailure(stage.Signal, detector.FailureBudget, err)
		}
		return e.failed(stage, kind, log), false
	}
	defer release()

	if e.ledger != nil {
		e.ledger.Call(stage.Signal, stage.Cost)
	}

	obs, err := detect(ctx, stage, *c)
	if err != nil {
		return e.failed(stage, detector.Classify(stage.Signal, err), log), true
	}
	if obs == nil {
		return e.failed(stage, detector.NewFailure(stage.Signal, detector.FailureMalformed,
			eris.New("detector returned no observation")), log), true
	}
	if math.IsNaN(obs.Value) || math.IsInf(obs.Value, 0) {
		return e.failed(stage, detector.NewFailure(stage.Signal, detector.FailureMalformed,
			eris.Errorf("detector returned non-finite value %v", obs.Value)), log), true
	}

	res = model.SignalResult{
		Signal:   stage.Signal,
		Value:    obs.Value,
		Unit:     obs.Unit,
		Evidence: obs.Evidence,
	}
	if !obs.ObservedAt.IsZero() {
		at := obs.ObservedAt
		res.ObservedAt = &at
	}
	if obs.ResolvedDomain != "" && c.AttachResolvedDomain(obs.ResolvedDomain) {
		log.Debug("cascade: resolved domain attached",
			zap.String("stage", string(stage.Signal)),
			zap.String("domain", obs.ResolvedDomain),
		)
	}

	conf := e.conf.Assess(stage.Signal, obs)
	if conf == 0 {
		return res, true
	}

	norm, err := detector.NormalizeWith(stage.Detector, obs.Value, obs.Unit)
	if err != nil {
		return e.failed(stage, detector.NewFailure(stage.Signal, detector.FailureMalformed, err), log), true
	}
	res.Normalized = norm
	res.Confidence = conf
	return res, true
}

// detect calls the stage detector under its latency bound and turns a
// panic into a failure.
func detect(ctx context.Context, stage Stage, c model.Candidate) (obs *detector.Observation, err error) {
	bound := stage.MaxLatency
	if bound <= 0 {
		bound = defaultMaxLatency
	}
	ctx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			obs = nil
			err = detector.NewFailure(stage.Signal, detector.FailurePanic, eris.Errorf("cascade: detector panic: %v", r))
		}
	}()

	obs, err = stage.Detector.Detect(ctx, c)
	if err == nil && ctx.Err() != nil {
		// An answer that arrives after the bound counts as a timeout.
		return nil, detector.Classify(stage.Signal, ctx.Err())
	}
	return obs, err
}

func (e *Engine) failed(stage Stage, f *detector.Failure, log *zap.Logger) model.SignalResult {
	if e.ledger != nil {
		e.ledger.Failure(stage.Signal)
	}
	log.Warn("cascade: detector failed",
		zap.String("stage", string(stage.Signal)),
		zap.String("kind", string(f.Kind)),
		zap.Error(f.Err),
	)
	return model.FailedResult(stage.Signal, f.Reason())
}
