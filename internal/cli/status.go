package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/autotune/internal/config"
	"github.com/KafClaw/autotune/internal/scheduler"
	"github.com/KafClaw/autotune/internal/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("autotune version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, ledger and scheduler status",
	RunE: func(cmd *cobra.Command, args []string) error {
		printHeader("autotune status")
		fmt.Printf("Version: %s\n", version)

		ok := color.GreenString("✓")
		bad := color.RedString("✗")

		cfgPath, _ := config.ConfigPath()
		if _, err := os.Stat(cfgPath); err == nil {
			fmt.Printf("Config:  %s %s\n", ok, cfgPath)
		} else {
			fmt.Printf("Config:  %s not found, using defaults (%s)\n", bad, cfgPath)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("Project: %s\n", cfg.Paths.ProjectRoot)

		if pid := scheduler.NewFileLock(cfg.Cycle.LockPath).Holder(); pid != 0 {
			fmt.Printf("Cycle:   running (pid %d)\n", pid)
		} else {
			fmt.Println("Cycle:   idle")
		}

		s, err := openStore(cfg)
		if err != nil {
			fmt.Printf("Store:   %s %v\n", bad, err)
			return nil
		}
		defer s.Close()
		fmt.Printf("Store:   %s %s\n", ok, cfg.Store.DBPath)

		counts, err := s.CountByState(context.Background())
		if err != nil {
			return err
		}
		for _, st := range []store.State{store.StateMonitoring, store.StateConfirmed, store.StateRolledBack} {
			fmt.Printf("  %-12s %d\n", st, counts[st])
		}
		return nil
	},
}
