package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-qualifier/internal/intake"
	"github.com/sells-group/lead-qualifier/internal/model"
	"github.com/sells-group/lead-qualifier/internal/pipeline"
)

var (
	runOut        string
	runSource     string
	runNoStore    bool
	runIncludeLow bool
)

var runCmd = &cobra.Command{
	Use:   "run <input>",
	Short: "Qualify a CSV, XLSX or JSON file of discovered businesses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runIncludeLow {
			cfg.Qualify.IncludeLow = true
		}

		env, err := initPipeline(ctx, cfg, "run", !runNoStore)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := qualifyFile(ctx, env.Pipeline, args[0], runOut, runSource, os.Stdout)
		if err != nil {
			return err
		}

		formatRunSummary(os.Stderr, res)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOut, "out", "o", "", "output file (.json, .csv or .xlsx); JSON to stdout when empty")
	runCmd.Flags().StringVar(&runSource, "source", "", "run label (default: input file name)")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "do not persist the run or use the identity index")
	runCmd.Flags().BoolVar(&runIncludeLow, "include-low", false, "keep LOW tier leads in the output")
	rootCmd.AddCommand(runCmd)
}

// qualifyFile reads candidates from in, runs them through p and writes the
// qualified leads to out, or the full result as JSON to stdout when out is
// empty.
func qualifyFile(ctx context.Context, p *pipeline.Pipeline, in, out, source string, stdout io.Writer) (*pipeline.Result, error) {
	candidates, err := intake.ReadFile(ctx, in)
	if err != nil {
		return nil, eris.Wrap(err, "read input")
	}
	if source == "" {
		source = filepath.Base(in)
	}

	zap.L().Info("qualifying candidates",
		zap.String("input", in),
		zap.Int("candidates", len(candidates)),
	)

	res, err := p.Run(ctx, candidates, pipeline.WithSource(source))
	if err != nil {
		return nil, eris.Wrap(err, "qualify")
	}

	if out == "" {
		if err := writeIndentedJSON(stdout, res); err != nil {
			return nil, err
		}
		return res, nil
	}
	if err := intake.WriteFile(out, res.Leads); err != nil {
		return nil, eris.Wrap(err, "write output")
	}
	return res, nil
}

// formatRunSummary writes the run's accounting to w.
func formatRunSummary(out io.Writer, res *pipeline.Result) {
	s := res.Stats
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "Intake:\t%d\n", s.Intake)
	_, _ = fmt.Fprintf(w, "  Unidentifiable:\t%d\n", s.DroppedUnidentified)
	_, _ = fmt.Fprintf(w, "  Merged (pre):\t%d\n", s.PreDedupMerged)
	if s.SkippedKnown > 0 {
		_, _ = fmt.Fprintf(w, "  Skipped known:\t%d\n", s.SkippedKnown)
	}
	_, _ = fmt.Fprintf(w, "Cascaded:\t%d\n", s.Cascaded)
	for _, sig := range model.AllSignalTypes {
		if n := s.EliminatedByStage[sig]; n > 0 {
			_, _ = fmt.Fprintf(w, "  Eliminated at %s:\t%d\n", sig, n)
		}
	}
	if s.Truncated > 0 {
		_, _ = fmt.Fprintf(w, "  Truncated:\t%d\n", s.Truncated)
	}
	_, _ = fmt.Fprintf(w, "Detector calls:\t%d (%d failed)\n", s.DetectorCalls, s.DetectorFailures)
	_, _ = fmt.Fprintf(w, "Estimated cost:\t$%.4f\n", s.EstimatedCostUSD)
	_, _ = fmt.Fprintf(w, "Merged (post):\t%d\n", s.PostDedupMerged)
	if len(s.Ambiguities) > 0 {
		_, _ = fmt.Fprintf(w, "Ambiguous pairs:\t%d\n", len(s.Ambiguities))
	}
	for _, tier := range model.AllTiers {
		_, _ = fmt.Fprintf(w, "%s:\t%d\n", tier, s.ByTier[tier])
	}
	_, _ = fmt.Fprintf(w, "Low confidence:\t%d\n", s.LowConfidence)
	_, _ = fmt.Fprintf(w, "Qualified:\t%d\n", s.Qualified)
	_, _ = fmt.Fprintf(w, "Duration:\t%s\n", (time.Duration(s.DurationMs) * time.Millisecond).String())
	_ = w.Flush()
}
