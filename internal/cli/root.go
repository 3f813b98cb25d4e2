package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/autotune/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/autotune/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"              _        _\n" +
		"   __ _ _   _| |_ ___ | |_ _   _ _ __   ___\n" +
		"  / _` | | | | __/ _ \\| __| | | | '_ \\ / _ \\\n" +
		" | (_| | |_| | || (_) | |_| |_| | | | |  __/\n" +
		"  \\__,_|\\__,_|\\__\\___/ \\__|\\__,_|_| |_|\\___|\n"
)

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:           "autotune",
	Short:         "autotune - adaptive performance optimization loop",
	Long:          color.CyanString(logo) + "\nMeasures a web application, applies guarded optimizations and keeps only the ones that pay off.",
	SilenceUsage:  true,
	SilenceErrors: false,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override logging.level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig loads the effective config and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(lc config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func printHeader(title string) {
	fmt.Println(color.New(color.Bold, color.FgCyan).Sprint(title))
	fmt.Println(strings.Repeat("─", 40))
}
