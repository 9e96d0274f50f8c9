package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-qualifier/internal/cascade"
	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/detector"
	"github.com/sells-group/lead-qualifier/internal/pipeline"
	"github.com/sells-group/lead-qualifier/internal/ratelimit"
	"github.com/sells-group/lead-qualifier/internal/store"
)

// pipelineEnv holds the store and pipeline used by the run and serve
// commands.
type pipelineEnv struct {
	Store    store.Store // nil when persistence is off
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates c for mode, builds the detector registry and, when
// persist is set, opens and migrates the store. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, c *config.Config, mode string, persist bool) (*pipelineEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := detector.FromConfig(c, nil)
	if err != nil {
		return nil, eris.Wrap(err, "build detectors")
	}

	env := &pipelineEnv{}
	opts := []pipeline.Option{pipeline.WithLimits(ratelimit.FromConfig(c))}
	if persist {
		st, err := store.Open(ctx, c.Store)
		if err != nil {
			return nil, eris.Wrap(err, "open store")
		}
		env.Store = st
		opts = append(opts, pipeline.WithStore(st))
	}

	p, err := pipeline.New(c, reg, opts...)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = p

	zap.L().Info("pipeline ready",
		zap.Strings("stages", stageNames(p.Stages())),
		zap.Bool("persist", persist),
		zap.Bool("use_index", c.Dedupe.UseIndex),
	)
	return env, nil
}

func stageNames(stages []cascade.Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range cascade.Signals(stages) {
		out = append(out, string(s))
	}
	return out
}
