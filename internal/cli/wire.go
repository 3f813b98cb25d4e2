package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/KafClaw/autotune/internal/analyzer"
	"github.com/KafClaw/autotune/internal/applier"
	"github.com/KafClaw/autotune/internal/collector"
	"github.com/KafClaw/autotune/internal/config"
	"github.com/KafClaw/autotune/internal/engine"
	"github.com/KafClaw/autotune/internal/harness"
	"github.com/KafClaw/autotune/internal/metrics"
	"github.com/KafClaw/autotune/internal/monitor"
	"github.com/KafClaw/autotune/internal/oracle"
	"github.com/KafClaw/autotune/internal/planner"
	"github.com/KafClaw/autotune/internal/predictor"
	"github.com/KafClaw/autotune/internal/publish"
	"github.com/KafClaw/autotune/internal/source"
	"github.com/KafClaw/autotune/internal/store"
	"github.com/KafClaw/autotune/internal/transform"
)

// runtime is the fully wired process state.
type runtime struct {
	cfg       *config.Config
	store     *store.Store
	collector *collector.Collector
	engine    *engine.Engine
	publisher publish.Publisher
}

func (r *runtime) Close() {
	if r.publisher != nil {
		if err := r.publisher.Close(); err != nil {
			slog.Warn("CLI: closing publisher", "error", err)
		}
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("CLI: closing store", "error", err)
	}
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := config.EnsureDir(filepath.Dir(cfg.Store.DBPath)); err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.DBPath)
}

func loadSuite(cfg *config.Config) (*harness.Suite, error) {
	if cfg.Harness.TasksFile == "" {
		return harness.DefaultSuite(), nil
	}
	suite, err := harness.LoadSuite(cfg.Harness.TasksFile)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("CLI: harness tasks file missing, using defaults", "path", cfg.Harness.TasksFile)
		return harness.DefaultSuite(), nil
	}
	return suite, err
}

func targetsFromConfig(tcs []config.TargetConfig) []collector.Target {
	out := make([]collector.Target, 0, len(tcs))
	for _, t := range tcs {
		out = append(out, collector.Target{Name: t.Name, Kind: collector.TargetKind(t.Kind)})
	}
	return out
}

// buildRuntime wires every component from cfg.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, store: s}

	suite, err := loadSuite(cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("load harness tasks: %w", err)
	}
	runner := harness.NewRunner(suite, cfg.Paths.ProjectRoot, cfg.Harness.Timeout, cfg.Harness.CacheTTL)
	resolver := source.NewResolver(cfg.Paths.ProjectRoot, cfg.Paths.SourceDirs, cfg.Applier.TargetFiles)

	col := collector.New(s, collector.Options{
		ProbeTimeout:   cfg.Collector.ProbeTimeout,
		MaxConcurrency: cfg.Collector.MaxConcurrency,
		OnProbeError:   func(probe string) { metrics.ProbeFailures.WithLabelValues(probe).Inc() },
		OnInteractions: func(n int) { metrics.InteractionsIngested.Add(float64(n)) },
	})
	col.Register(collector.NewTimingProbe(s, cfg.Analyzer.Window, cfg.Collector.MinTimingSamples), collector.KindComponent)
	col.Register(collector.NewComplexityProbe(resolver), collector.KindComponent)
	if runner.Has(harness.TaskBuild) {
		col.Register(collector.NewBundleProbe(runner), collector.KindApp)
		col.Register(collector.NewBuildTimeProbe(runner), collector.KindApp)
		col.Register(collector.NewChunkProbe(runner), collector.KindChunk)
	}
	if runner.Has(harness.TaskTest) {
		col.Register(collector.NewCoverageProbe(runner), collector.KindApp)
	}
	if runner.Has("lighthouse") {
		col.Register(collector.NewLighthouseProbe(runner, "lighthouse"), collector.KindApp)
	}
	if cfg.Collector.HealthURL != "" {
		col.Register(collector.NewHealthProbe(cfg.Collector.HealthURL, nil), collector.KindApp)
	}
	rt.collector = col

	registry := transform.DefaultRegistry()
	var orc oracle.Oracle
	if cfg.Oracle.Dir != "" {
		orc = oracle.Dir{Path: cfg.Oracle.Dir}
	}
	an := analyzer.New(s, s, analyzer.Options{
		SlowThresholdMs: cfg.Analyzer.SlowThresholdMs,
		MinSupport:      cfg.Analyzer.MinSupport,
		TopActions:      cfg.Analyzer.TopActions,
		ChunkLimitKB:    cfg.Analyzer.ChunkLimitKB,
		CacheTTL:        cfg.Analyzer.CacheTTL,
	})
	pred := predictor.New(s, predictor.Options{
		PriorRate:  cfg.Predictor.PriorRate,
		PriorRates: cfg.Predictor.PriorRates,
		MinSamples: cfg.Predictor.MinSamples,
	})
	pl := planner.New(pred, registry, s, orc, planner.Options{
		TopN:           cfg.Planner.TopN,
		MinProbability: cfg.Planner.MinProbability,
		HighConfidence: cfg.Planner.HighConfidence,
		SettleWindow:   cfg.Analyzer.Window,
	})
	ap := applier.New(s, resolver, registry, applier.Options{
		Cooldown:    cfg.Monitor.Cooldown,
		MaxParallel: cfg.Applier.MaxParallel,
	})
	mon := monitor.New(col, s, ap, monitor.Options{
		MaxAttempts:    cfg.Monitor.MaxAttempts,
		MinScore:       cfg.Monitor.MinScore,
		MinImprovement: cfg.Monitor.MinImprovement,
	})

	var pub publish.Publisher = publish.LogPublisher{}
	if cfg.Kafka.Enabled && cfg.Kafka.Brokers != "" && cfg.Kafka.ConfirmedTopic != "" {
		pub = publish.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ConfirmedTopic)
	}
	rt.publisher = pub
	var notifier publish.Notifier = publish.NopNotifier{}
	if cfg.Slack.WebhookURL != "" {
		notifier = publish.SlackNotifier{URL: cfg.Slack.WebhookURL, Channel: cfg.Slack.Channel}
	}

	rt.engine = engine.New(engine.Deps{
		Store:     s,
		Collector: col,
		Analyzer:  an,
		Planner:   pl,
		Applier:   ap,
		Monitor:   mon,
		Publisher: pub,
		Notifier:  notifier,
		Harness:   runner,
	}, engine.Options{
		Window:          cfg.Analyzer.Window,
		Targets:         targetsFromConfig(cfg.Collector.Targets),
		Cooldown:        cfg.Monitor.Cooldown,
		BackupRetention: cfg.Applier.BackupRetention,
	})
	return rt, nil
}

func fmtFloatPtr(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func fmtAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
