package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cpapsync/internal/analysis"
	"cpapsync/internal/config"
)

func loadFile(path string) ([]analysis.Point, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return analysis.LoadWaveform(f)
}

func analyzeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze FILE",
		Short: "Analyse an acquisition CSV locally and print the breathing metrics",
		Long: `Reads a comma-separated acquisition file (time, constriction,
inspiration and expiration ADC channels, one header line), converts it to
flow and prints breathing rate, apnea count and leak. Thresholds come from
the same CPAP_* environment variables the server reads.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			points, skipped, err := loadFile(args[0])
			if err != nil {
				return err
			}
			if skipped > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: skipped %d malformed rows\n", skipped)
			}
			a, err := analysis.NewAnalyzer(config.Load().Analysis)
			if err != nil {
				return err
			}
			m, err := a.Analyze(points)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
}
