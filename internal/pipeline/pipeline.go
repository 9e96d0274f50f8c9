// Package pipeline qualifies a batch of candidates end to end: intake,
// pre-pass dedupe, the detector cascade, scoring, post-pass dedupe and
// ranking.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-qualifier/internal/cascade"
	"github.com/sells-group/lead-qualifier/internal/confidence"
	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/cost"
	"github.com/sells-group/lead-qualifier/internal/dedupe"
	"github.com/sells-group/lead-qualifier/internal/detector"
	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/ratelimit"
	"github.com/sells-group/lead-qualifier/internal/scoring"
	"github.com/sells-group/lead-qualifier/internal/store"
)

// ErrNilInput is returned when Run is called without a candidate list.
var ErrNilInput = eris.New("pipeline: nil candidate list")

// Result is the output of one run.
type Result struct {
	RunID string                `json:"run_id"`
	Leads []model.QualifiedLead `json:"leads"`
	Stats model.RunStats        `json:"stats"`
}

// Pipeline qualifies candidate batches. A Pipeline is safe to reuse across
// runs; each run gets its own limits and cost ledger.
type Pipeline struct {
	cfg    *config.Config
	stages []cascade.Stage
	conf   *confidence.Model
	agg    *scoring.Aggregator
	pre    *dedupe.Deduplicator
	post   *dedupe.Deduplicator
	store  store.Store
	index  dedupe.Index
	limits *ratelimit.Set
	now    func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore records runs and leads. When dedupe.use_index is set and no
// index was given, the store also serves as the identity index.
func WithStore(s store.Store) Option {
	return func(p *Pipeline) {
		p.store = s
	}
}

// WithIndex sets the prior-run identity index.
func WithIndex(idx dedupe.Index) Option {
	return func(p *Pipeline) {
		p.index = idx
	}
}

// WithLimits shares one set's rate and concurrency limits across runs.
// Call budgets still reset at the start of every run.
func WithLimits(s *ratelimit.Set) Option {
	return func(p *Pipeline) {
		p.limits = s
	}
}

// WithClock sets the time source used to age observations.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New validates cfg and builds the cascade plan from reg.
func New(cfg *config.Config, reg *detector.Registry, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		return nil, eris.Wrap(config.ErrInvalid, "pipeline: nil config")
	}
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}
	stages, err := cascade.BuildPlan(reg, cfg.Cascade)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:    cfg,
		stages: stages,
		agg:    scoring.FromConfig(cfg),
		pre:    dedupe.New(cfg.Dedupe.FuzzyThreshold, dedupe.WithStage("pre")),
		post:   dedupe.New(cfg.Dedupe.FuzzyThreshold, dedupe.WithStage("post")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.conf = confidence.FromConfig(cfg.Confidence, confidence.WithClock(p.now))
	if p.index == nil && p.store != nil && cfg.Dedupe.UseIndex {
		p.index = p.store
	}
	return p, nil
}

// Stages returns the cascade plan in run order.
func (p *Pipeline) Stages() []cascade.Stage {
	return p.stages
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	source string
}

// WithSource labels the run, e.g. with the input file name.
func WithSource(source string) RunOption {
	return func(o *runOptions) {
		o.source = source
	}
}

// Run qualifies candidates. Individual candidate failures never fail the
// run; only a nil input does.
func (p *Pipeline) Run(ctx context.Context, candidates []model.Candidate, opts ...RunOption) (*Result, error) {
	if candidates == nil {
		return nil, ErrNilInput
	}
	var ro runOptions
	for _, o := range opts {
		o(&ro)
	}

	start := time.Now()
	stats := model.NewRunStats()
	stats.Intake = len(candidates)

	runID := p.createRun(ctx, ro.source)
	log := zap.L().With(zap.String("run_id", runID))
	log.Info("pipeline: starting run",
		zap.Int("candidates", len(candidates)),
		zap.Int("stages", len(p.stages)),
	)

	cands := intake(candidates, &stats)
	cands = p.applyIndex(ctx, cands, &stats, log)

	pre := dedupe.Dedupe(p.pre, cands)
	cands = pre.Records
	stats.PreDedupMerged = len(pre.Merges)
	stats.Ambiguities = append(stats.Ambiguities, pre.Ambiguities...)

	ledger := cost.NewLedger()
	states := p.cascade(ctx, cands, ledger)
	stats.Cascaded = len(cands)

	leads := make([]model.QualifiedLead, 0, len(states))
	for _, st := range states {
		if st.Eliminated() {
			stats.EliminatedByStage[*st.EliminatedAt]++
			continue
		}
		stats.Completed++
		if st.Truncated {
			stats.Truncated++
		}
		leads = append(leads, p.qualify(st))
	}

	sort.SliceStable(leads, func(i, j int) bool {
		return leads[i].IdentityKey < leads[j].IdentityKey
	})
	post := dedupe.Dedupe(p.post, leads)
	stats.PostDedupMerged = len(post.Merges)
	stats.Ambiguities = append(stats.Ambiguities, post.Ambiguities...)

	final := make([]model.QualifiedLead, 0, len(post.Records))
	for _, l := range post.Records {
		stats.ByTier[l.Tier]++
		if l.LowConfidence {
			stats.LowConfidence++
		}
		if l.Tier == model.TierLow && !p.cfg.Qualify.IncludeLow {
			stats.DroppedLow++
			continue
		}
		final = append(final, l)
	}
	sort.SliceStable(final, func(i, j int) bool {
		if final[i].Score != final[j].Score {
			return final[i].Score > final[j].Score
		}
		return final[i].IdentityKey < final[j].IdentityKey
	})

	summary := ledger.Summary()
	stats.DetectorCalls = summary.Calls
	stats.CallsBySignal = summary.CallsBySignal
	stats.DetectorFailures = summary.Failures
	stats.FailuresBySignal = summary.FailuresBySignal
	stats.EstimatedCostUSD = summary.EstimatedUSD
	stats.Qualified = len(final)
	stats.DurationMs = time.Since(start).Milliseconds()

	p.updateIndex(ctx, runID, final, log)
	p.finishRun(ctx, runID, final, &stats, log)

	log.Info("pipeline: run complete",
		zap.Int("qualified", stats.Qualified),
		zap.Int("eliminated", stats.Eliminated()),
		zap.Int("detector_calls", stats.DetectorCalls),
		zap.Float64("estimated_cost_usd", stats.EstimatedCostUSD),
		zap.Int64("duration_ms", stats.DurationMs),
	)
	return &Result{RunID: runID, Leads: final, Stats: stats}, nil
}

// intake assigns identity keys and drops candidates with neither a usable
// domain nor a usable name.
func intake(candidates []model.Candidate, stats *model.RunStats) []model.Candidate {
	out := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := dedupe.Key(c.Domain(), c.RawName, c.Region)
		if key == "" {
			stats.DroppedUnidentified++
			zap.L().Debug("pipeline: dropping unidentifiable candidate",
				zap.String("name", c.RawName),
				zap.String("domain", c.RawDomain),
			)
			continue
		}
		c.IdentityKey = key
		out = append(out, c)
	}
	return out
}

// applyIndex reuses canonical identities from earlier runs: a name-only
// candidate whose key an earlier run resolved to a domain gets that domain.
// With skip_known, indexed candidates are dropped instead.
func (p *Pipeline) applyIndex(ctx context.Context, cands []model.Candidate, stats *model.RunStats, log *zap.Logger) []model.Candidate {
	if p.index == nil || len(cands) == 0 {
		return cands
	}

	keys := make([]string, len(cands))
	for i, c := range cands {
		keys[i] = c.IdentityKey
	}
	known, err := p.index.Lookup(ctx, keys)
	if err != nil {
		log.Warn("pipeline: identity index lookup failed", zap.Error(err))
		return cands
	}

	out := make([]model.Candidate, 0, len(cands))
	for _, c := range cands {
		e, ok := known[c.IdentityKey]
		if !ok {
			out = append(out, c)
			continue
		}
		if p.cfg.Dedupe.SkipKnown {
			stats.SkippedKnown++
			log.Debug("pipeline: skipping known candidate",
				zap.String("candidate", c.IdentityKey),
				zap.String("last_run_id", e.LastRunID),
			)
			continue
		}
		if e.Domain != "" && c.AttachResolvedDomain(e.Domain) {
			c.IdentityKey = dedupe.Key(c.Domain(), c.RawName, c.Region)
		}
		out = append(out, c)
	}
	return out
}

// cascade runs every candidate through the engine on a bounded pool.
// Results keep the input order.
func (p *Pipeline) cascade(ctx context.Context, cands []model.Candidate, ledger *cost.Ledger) []*model.CascadeState {
	runCtx := ctx
	if secs := p.cfg.Qualify.DeadlineSecs; secs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
		defer cancel()
	}

	limits := p.limits.ForRun()
	if limits == nil {
		limits = ratelimit.FromConfig(p.cfg)
	}
	engine := cascade.NewEngine(p.stages, p.conf, p.agg,
		cascade.WithLimits(limits),
		cascade.WithLedger(ledger),
	)

	workers := p.cfg.Qualify.Workers
	if workers <= 0 {
		workers = 1
	}

	states := make([]*model.CascadeState, len(cands))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, c := range cands {
		i, c := i, c
		g.Go(func() error {
			states[i] = engine.Run(runCtx, c)
			return nil
		})
	}
	_ = g.Wait()
	return states
}

// qualify turns a finished cascade state into a scored lead. A candidate
// whose domain was resolved during the cascade is re-keyed by that domain.
func (p *Pipeline) qualify(st *model.CascadeState) model.QualifiedLead {
	c := st.Candidate
	b := p.agg.Explain(st.Collected)

	key := c.IdentityKey
	if k := dedupe.Key(c.Domain(), c.RawName, c.Region); k != "" {
		key = k
	}

	return model.QualifiedLead{
		IdentityKey:           key,
		Name:                  c.RawName,
		Domain:                dedupe.NormalizeDomain(c.Domain()),
		Region:                c.Region,
		Vertical:              c.Vertical,
		DiscoverySource:       c.DiscoverySource,
		Score:                 b.Score,
		Tier:                  p.agg.Tier(b.Score),
		LowConfidence:         b.LowConfidence,
		Signals:               st.Collected,
		EstimatedMonthlyValue: scoring.EstimatedMonthlyValue(st.Collected),
		Breakdown:             b,
	}
}

// updateIndex records surviving leads under their identity key, plus their
// name key when they carry a domain, so later name-only candidates find it.
func (p *Pipeline) updateIndex(ctx context.Context, runID string, leads []model.QualifiedLead, log *zap.Logger) {
	if p.index == nil || len(leads) == 0 {
		return
	}

	seenAt := p.now().UTC()
	entries := make([]dedupe.IndexEntry, 0, len(leads)*2)
	for _, l := range leads {
		e := dedupe.IndexEntry{
			Key:       l.IdentityKey,
			Domain:    l.Domain,
			Name:      l.Name,
			Region:    l.Region,
			Score:     l.Score,
			Tier:      l.Tier,
			LastRunID: runID,
			SeenAt:    seenAt,
		}
		entries = append(entries, e)
		if l.Domain == "" {
			continue
		}
		if nk := dedupe.NameKey(l.Name, l.Region); nk != "" && nk != l.IdentityKey {
			alias := e
			alias.Key = nk
			entries = append(entries, alias)
		}
	}
	if err := p.index.Upsert(ctx, entries); err != nil {
		log.Warn("pipeline: identity index upsert failed", zap.Error(err))
	}
}

func (p *Pipeline) createRun(ctx context.Context, source string) string {
	if p.store == nil {
		return uuid.NewString()
	}
	run, err := p.store.CreateRun(ctx, source)
	if err != nil {
		zap.L().Warn("pipeline: failed to create run record", zap.Error(err))
		return uuid.NewString()
	}
	return run.ID
}

func (p *Pipeline) finishRun(ctx context.Context, runID string, leads []model.QualifiedLead, stats *model.RunStats, log *zap.Logger) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveLeads(ctx, runID, leads); err != nil {
		log.Warn("pipeline: failed to save leads", zap.Error(err))
		if failErr := p.store.FailRun(ctx, runID, err.Error()); failErr != nil {
			log.Warn("pipeline: failed to mark run failed", zap.Error(failErr))
		}
		return
	}
	if err := p.store.CompleteRun(ctx, runID, stats); err != nil {
		log.Warn("pipeline: failed to complete run record", zap.Error(err))
	}
}
