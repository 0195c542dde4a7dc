package main

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"relmap/examples/foodorder"
	"relmap/logging"
)

var (
	demoAll     bool
	demoMetrics bool
)

var demoCmd = &cobra.Command{
	Use:   "demo [scenario...]",
	Short: "Run food-order scenarios",
	Long: `Run one or more food-order scenarios against the configured store.
Without arguments the available scenarios are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		var selected []foodorder.Scenario
		switch {
		case demoAll:
			selected = foodorder.Scenarios()
		case len(args) == 0:
			listScenarios(out)
			return nil
		default:
			for _, name := range args {
				s, ok := foodorder.Lookup(name)
				if !ok {
					return fmt.Errorf("unknown scenario %q", name)
				}
				selected = append(selected, s)
			}
		}

		ctx := cmd.Context()
		env := foodorder.Env{Factory: rt.factory, Logger: rt.logger}
		for _, s := range selected {
			start := time.Now()
			if err := s.Run(ctx, env); err != nil {
				rt.logger.Error(ctx, "[demo] scenario failed", logging.String("scenario", s.Name), logging.Error(err))
				return fmt.Errorf("scenario %s: %w", s.Name, err)
			}
			fmt.Fprintf(out, "ok   %-16s %s (%s)\n", s.Name, s.Description, time.Since(start).Round(time.Microsecond))
		}
		if demoMetrics {
			return writeMetrics(out, rt.registry)
		}
		return nil
	},
}

func init() {
	demoCmd.Flags().BoolVar(&demoAll, "all", false, "run every scenario")
	demoCmd.Flags().BoolVar(&demoMetrics, "metrics", false, "print unit-of-work metrics after the run")
}

func listScenarios(w io.Writer) {
	fmt.Fprintln(w, "available scenarios:")
	for _, s := range foodorder.Scenarios() {
		fmt.Fprintf(w, "  %-16s %s\n", s.Name, s.Description)
	}
}

// writeMetrics 以 Prometheus 文本格式输出注册表内容。
func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
