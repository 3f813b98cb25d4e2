// Package config provides configuration types and loading for autotune.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Store     StoreConfig     `json:"store"`
	Cycle     CycleConfig     `json:"cycle"`
	Collector CollectorConfig `json:"collector"`
	Analyzer  AnalyzerConfig  `json:"analyzer"`
	Predictor PredictorConfig `json:"predictor"`
	Planner   PlannerConfig   `json:"planner"`
	Applier   ApplierConfig   `json:"applier"`
	Monitor   MonitorConfig   `json:"monitor"`
	Harness   HarnessConfig   `json:"harness"`
	Oracle    OracleConfig    `json:"oracle"`
	Kafka     KafkaConfig     `json:"kafka"`
	Slack     SlackConfig     `json:"slack"`
	Metrics   MetricsConfig   `json:"metrics"`
	Logging   LoggingConfig   `json:"logging"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	Home        string   `json:"home" envconfig:"STATE_DIR"`            // state directory
	ProjectRoot string   `json:"projectRoot" envconfig:"PROJECT_ROOT"` // optimized application
	SourceDirs  []string `json:"sourceDirs" envconfig:"SOURCE_DIRS"`   // relative to ProjectRoot
	ReportDir   string   `json:"reportDir" envconfig:"REPORT_DIR"`
}

// ---------------------------------------------------------------------------
// Store – SQLite persistence
// ---------------------------------------------------------------------------

// StoreConfig configures the durable store.
type StoreConfig struct {
	DBPath string `json:"dbPath" envconfig:"DB_PATH"`
}

// ---------------------------------------------------------------------------
// Cycle – scheduling of the control loop
// ---------------------------------------------------------------------------

// CycleConfig configures the cycle scheduler.
type CycleConfig struct {
	Interval   time.Duration `json:"interval" envconfig:"INTERVAL"`
	Schedule   string        `json:"schedule" envconfig:"SCHEDULE"` // cron expression, overrides interval
	RunOnStart bool          `json:"runOnStart" envconfig:"RUN_ON_START"`
	LockPath   string        `json:"lockPath" envconfig:"LOCK_PATH"`
}

// ---------------------------------------------------------------------------
// Collector – probes
// ---------------------------------------------------------------------------

// TargetConfig declares a statically known measurement target.
type TargetConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // app, component, chunk
}

// CollectorConfig configures metric collection.
type CollectorConfig struct {
	ProbeTimeout     time.Duration  `json:"probeTimeout" envconfig:"PROBE_TIMEOUT"`
	MaxConcurrency   int            `json:"maxConcurrency" envconfig:"MAX_CONCURRENCY"`
	MinTimingSamples int            `json:"minTimingSamples" envconfig:"MIN_TIMING_SAMPLES"`
	HealthURL        string         `json:"healthUrl" envconfig:"HEALTH_URL"`
	Targets          []TargetConfig `json:"targets"`
}

// ---------------------------------------------------------------------------
// Analyzer / Predictor / Planner – decision pipeline
// ---------------------------------------------------------------------------

// AnalyzerConfig configures pattern mining.
type AnalyzerConfig struct {
	Window          time.Duration `json:"window" envconfig:"WINDOW"`
	SlowThresholdMs float64       `json:"slowThresholdMs" envconfig:"SLOW_THRESHOLD_MS"`
	MinSupport      int           `json:"minSupport" envconfig:"MIN_SUPPORT"`
	TopActions      int           `json:"topActions" envconfig:"TOP_ACTIONS"`
	ChunkLimitKB    float64       `json:"chunkLimitKb" envconfig:"CHUNK_LIMIT_KB"`
	CacheTTL        time.Duration `json:"cacheTtl" envconfig:"CACHE_TTL"`
}

// PredictorConfig configures success prediction.
type PredictorConfig struct {
	PriorRate  float64            `json:"priorRate" envconfig:"PRIOR_RATE"`
	PriorRates map[string]float64 `json:"priorRates" envconfig:"PRIOR_RATES"` // per optimization type
	MinSamples int                `json:"minSamples" envconfig:"MIN_SAMPLES"`
}

// PlannerConfig configures candidate selection.
type PlannerConfig struct {
	TopN           int     `json:"topN" envconfig:"TOP_N"`
	MinProbability float64 `json:"minProbability" envconfig:"MIN_PROBABILITY"`
	HighConfidence float64 `json:"highConfidence" envconfig:"HIGH_CONFIDENCE"`
}

// ---------------------------------------------------------------------------
// Applier / Monitor – safety envelope
// ---------------------------------------------------------------------------

// ApplierConfig configures guarded application of transforms.
type ApplierConfig struct {
	MaxParallel     int               `json:"maxParallel" envconfig:"MAX_PARALLEL"`
	BackupRetention time.Duration     `json:"backupRetention" envconfig:"BACKUP_RETENTION"`
	TargetFiles     map[string]string `json:"targetFiles" envconfig:"TARGET_FILES"` // target -> source file
}

// MonitorConfig configures outcome verification.
type MonitorConfig struct {
	Cooldown       time.Duration `json:"cooldown" envconfig:"COOLDOWN"`
	MaxAttempts    int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	MinScore       float64       `json:"minScore" envconfig:"MIN_SCORE"`
	MinImprovement float64       `json:"minImprovement" envconfig:"MIN_IMPROVEMENT"`
}

// ---------------------------------------------------------------------------
// Harness / Oracle – external collaborators
// ---------------------------------------------------------------------------

// HarnessConfig configures the build/verification task runner.
type HarnessConfig struct {
	TasksFile string        `json:"tasksFile" envconfig:"TASKS_FILE"`
	Timeout   time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	CacheTTL  time.Duration `json:"cacheTtl" envconfig:"CACHE_TTL"`
}

// OracleConfig configures the structured planning oracle.
type OracleConfig struct {
	Dir string `json:"dir" envconfig:"DIR"`
}

// ---------------------------------------------------------------------------
// Kafka / Slack – integrations
// ---------------------------------------------------------------------------

// KafkaConfig configures telemetry ingest and confirmed-record publishing.
type KafkaConfig struct {
	Enabled        bool          `json:"enabled" envconfig:"ENABLED"`
	Brokers        string        `json:"brokers" envconfig:"BROKERS"`
	TelemetryTopic string        `json:"telemetryTopic" envconfig:"TELEMETRY_TOPIC"`
	ConsumerGroup  string        `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	ConfirmedTopic string        `json:"confirmedTopic" envconfig:"CONFIRMED_TOPIC"`
	FlushInterval  time.Duration `json:"flushInterval" envconfig:"FLUSH_INTERVAL"`
	BatchSize      int           `json:"batchSize" envconfig:"BATCH_SIZE"`
}

// SlackConfig configures cycle summary notifications.
type SlackConfig struct {
	WebhookURL string `json:"webhookUrl" envconfig:"WEBHOOK_URL"`
	Channel    string `json:"channel" envconfig:"CHANNEL"`
}

// ---------------------------------------------------------------------------
// Metrics / Logging – observability
// ---------------------------------------------------------------------------

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `json:"addr" envconfig:"ADDR"` // empty disables the listener
}

// LoggingConfig configures the slog default handler.
type LoggingConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `json:"format" envconfig:"FORMAT"` // text, json
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Home:        "~/.autotune",
			ProjectRoot: ".",
			SourceDirs:  []string{"src", "components", "app"},
			ReportDir:   "~/.autotune/reports",
		},
		Store: StoreConfig{
			DBPath: "~/.autotune/autotune.db",
		},
		Cycle: CycleConfig{
			Interval:   time.Hour,
			RunOnStart: true,
			LockPath:   "~/.autotune/cycle.lock",
		},
		Collector: CollectorConfig{
			ProbeTimeout:     30 * time.Second,
			MaxConcurrency:   4,
			MinTimingSamples: 5,
			Targets: []TargetConfig{
				{Name: "app", Kind: "app"},
			},
		},
		Analyzer: AnalyzerConfig{
			Window:          7 * 24 * time.Hour,
			SlowThresholdMs: 100,
			MinSupport:      10,
			TopActions:      10,
			ChunkLimitKB:    500,
			CacheTTL:        10 * time.Minute,
		},
		Predictor: PredictorConfig{
			PriorRate:  0.7,
			MinSamples: 5,
		},
		Planner: PlannerConfig{
			TopN:           3,
			MinProbability: 0.7,
			HighConfidence: 0.8,
		},
		Applier: ApplierConfig{
			MaxParallel:     2,
			BackupRetention: 30 * 24 * time.Hour,
		},
		Monitor: MonitorConfig{
			Cooldown:       15 * time.Minute,
			MaxAttempts:    3,
			MinScore:       0.5,
			MinImprovement: 0.3,
		},
		Harness: HarnessConfig{
			Timeout:  10 * time.Minute,
			CacheTTL: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			TelemetryTopic: "autotune.telemetry",
			ConsumerGroup:  "autotune",
			ConfirmedTopic: "autotune.confirmed",
			FlushInterval:  5 * time.Second,
			BatchSize:      200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
