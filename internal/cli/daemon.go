package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/autotune/internal/collector"
	"github.com/KafClaw/autotune/internal/config"
	"github.com/KafClaw/autotune/internal/metrics"
	"github.com/KafClaw/autotune/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run cycles on a schedule, ingest telemetry and expose metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	if err := config.EnsureDir(filepath.Dir(cfg.Cycle.LockPath)); err != nil {
		return err
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := withCycleLock(cfg, func() error {
		n, err := rt.engine.Reconcile(ctx)
		if n > 0 {
			slog.Info("Daemon: reconciled interrupted records", "count", n)
		}
		return err
	}); err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Config{
		Interval:   cfg.Cycle.Interval,
		Schedule:   cfg.Cycle.Schedule,
		RunOnStart: cfg.Cycle.RunOnStart,
		LockPath:   cfg.Cycle.LockPath,
	}, func(ctx context.Context) error {
		_, err := rt.engine.RunCycle(ctx)
		return err
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr) })
	}
	if cfg.Kafka.Enabled && cfg.Kafka.Brokers != "" {
		src := collector.NewKafkaSource(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.TelemetryTopic)
		ing := collector.NewIngestor(src, rt.collector, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
		g.Go(func() error {
			defer src.Close()
			slog.Info("Daemon: consuming telemetry", "topic", cfg.Kafka.TelemetryTopic)
			return ing.Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		slog.Info("Daemon: shutdown complete")
		return nil
	}
	return err
}
