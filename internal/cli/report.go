package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/autotune/internal/report"
)

var (
	reportOut  string
	reportDays int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the performance report (metrics, optimizations, recommendations)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := context.Background()
		plan, err := rt.engine.Preview(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		r, err := report.Build(ctx, rt.store, time.Duration(reportDays)*24*time.Hour, now, plan.Advisory)
		if err != nil {
			return err
		}
		out := reportOut
		if out == "" {
			out = filepath.Join(cfg.Paths.ReportDir, report.FileName(now))
		}
		if err := report.Write(out, r); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s (%d recommendations)\n", out, len(r.Recommendations))
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportOut, "out", "", "Output path (default: <reportDir>/report-<timestamp>.json)")
	reportCmd.Flags().IntVar(&reportDays, "days", 30, "Report period in days")
	rootCmd.AddCommand(reportCmd)
}
