package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-qualifier/internal/cascade"
	"github.com/sells-group/lead-qualifier/internal/config"
	"github.com/sells-group/lead-qualifier/internal/detector"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and print the cascade plan",
	RunE: func(cmd *cobra.Command, _ []string) error {
		stages, err := planFor(cfg)
		if err != nil {
			return err
		}
		formatPlan(os.Stdout, stages)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// planFor validates c and builds the cascade plan without touching the
// store or any detector source.
func planFor(c *config.Config) ([]cascade.Stage, error) {
	if err := c.Validate("validate"); err != nil {
		return nil, err
	}
	reg, err := detector.FromConfig(c, nil)
	if err != nil {
		return nil, err
	}
	return cascade.BuildPlan(reg, c.Cascade)
}

func formatPlan(out io.Writer, stages []cascade.Stage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "#\tSIGNAL\tCOST/CALL\tTHRESHOLD\tMAX LATENCY")
	for i, s := range stages {
		_, _ = fmt.Fprintf(w, "%d\t%s\t$%.4f\t%.0f\t%s\n", i+1, s.Signal, s.Cost, s.Threshold, s.MaxLatency)
	}
	_ = w.Flush()
}
