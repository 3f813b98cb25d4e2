package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/autotune/internal/config"
	"github.com/KafClaw/autotune/internal/engine"
	"github.com/KafClaw/autotune/internal/scheduler"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one optimization cycle and print its summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var sum engine.CycleSummary
		cycleErr := withCycleLock(cfg, func() error {
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			sum, err = rt.engine.RunCycle(ctx)
			return err
		})
		if runJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(sum); err != nil {
				return err
			}
		} else {
			printSummary(sum)
		}
		return cycleErr
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Resolve records left mid-flight by an interrupted process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return withCycleLock(cfg, func() error {
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			n, err := rt.engine.Reconcile(context.Background())
			fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d record(s)\n", n)
			return err
		})
	},
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the summary as JSON")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reconcileCmd)
}

// withCycleLock runs fn while holding the cycle lock shared with the daemon.
func withCycleLock(cfg *config.Config, fn func() error) error {
	if err := config.EnsureDir(filepath.Dir(cfg.Cycle.LockPath)); err != nil {
		return err
	}
	lock := scheduler.NewFileLock(cfg.Cycle.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("another cycle is running (pid %d)", lock.Holder())
	}
	defer lock.Unlock()
	return fn()
}

func printSummary(s engine.CycleSummary) {
	printHeader("Cycle summary")
	fmt.Printf("Duration:        %s\n", s.Duration.Round(1e6))
	fmt.Printf("Reconciled:      %d\n", s.Reconciled)
	fmt.Printf("Samples:         %d (%d probe failures)\n", s.Samples, s.ProbeFailures)
	fmt.Printf("Patterns:        %d (%d analysis errors)\n", s.Patterns, s.AnalysisErrors)
	fmt.Printf("Applied:         %s\n", color.GreenString("%d", s.Applied))
	fmt.Printf("Confirmed:       %s\n", color.GreenString("%d", s.Confirmed))
	fmt.Printf("Rolled back:     %s\n", color.YellowString("%d", s.RolledBack))
	fmt.Printf("Skipped:         %d\n", s.Skipped)
	fmt.Printf("Advisory:        %d\n", s.Advisory)
	for _, c := range s.Plan.Advisory {
		fmt.Printf("  - %-14s %-24s p=%.2f %s\n", c.Type, c.Target, c.SuccessProbability, c.Reason)
	}
	if s.Fatal != "" {
		fmt.Printf("Fatal:           %s\n", color.RedString(s.Fatal))
	}
}
