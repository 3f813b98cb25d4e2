package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".autotune"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("AUTOTUNE_CONFIG")); explicit != "" {
		return ExpandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("AUTOTUNE_HOME_DIR")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load process env vars from ~/.config/autotune/env (and fallbacks) first.
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	groups := []struct {
		prefix string
		dst    any
	}{
		{"AUTOTUNE_PATHS", &cfg.Paths},
		{"AUTOTUNE_STORE", &cfg.Store},
		{"AUTOTUNE_CYCLE", &cfg.Cycle},
		{"AUTOTUNE_COLLECTOR", &cfg.Collector},
		{"AUTOTUNE_ANALYZER", &cfg.Analyzer},
		{"AUTOTUNE_PREDICTOR", &cfg.Predictor},
		{"AUTOTUNE_PLANNER", &cfg.Planner},
		{"AUTOTUNE_APPLIER", &cfg.Applier},
		{"AUTOTUNE_MONITOR", &cfg.Monitor},
		{"AUTOTUNE_HARNESS", &cfg.Harness},
		{"AUTOTUNE_ORACLE", &cfg.Oracle},
		{"AUTOTUNE_KAFKA", &cfg.Kafka},
		{"AUTOTUNE_SLACK", &cfg.Slack},
		{"AUTOTUNE_METRICS", &cfg.Metrics},
		{"AUTOTUNE_LOGGING", &cfg.Logging},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.dst); err != nil {
			return nil, fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills zero values with defaults and expands "~" in paths.
func (c *Config) normalize() error {
	d := DefaultConfig()
	if c.Cycle.Interval <= 0 {
		c.Cycle.Interval = d.Cycle.Interval
	}
	if c.Collector.ProbeTimeout <= 0 {
		c.Collector.ProbeTimeout = d.Collector.ProbeTimeout
	}
	if c.Collector.MaxConcurrency <= 0 {
		c.Collector.MaxConcurrency = d.Collector.MaxConcurrency
	}
	if c.Analyzer.Window <= 0 {
		c.Analyzer.Window = d.Analyzer.Window
	}
	if c.Analyzer.MinSupport <= 0 {
		c.Analyzer.MinSupport = d.Analyzer.MinSupport
	}
	if c.Predictor.PriorRate <= 0 || c.Predictor.PriorRate > 1 {
		c.Predictor.PriorRate = d.Predictor.PriorRate
	}
	if c.Planner.TopN <= 0 {
		c.Planner.TopN = d.Planner.TopN
	}
	if c.Applier.MaxParallel <= 0 {
		c.Applier.MaxParallel = d.Applier.MaxParallel
	}
	if c.Monitor.MaxAttempts <= 0 {
		c.Monitor.MaxAttempts = d.Monitor.MaxAttempts
	}
	if c.Harness.Timeout <= 0 {
		c.Harness.Timeout = d.Harness.Timeout
	}

	for _, p := range []*string{
		&c.Paths.Home, &c.Paths.ProjectRoot, &c.Paths.ReportDir,
		&c.Store.DBPath, &c.Cycle.LockPath, &c.Harness.TasksFile, &c.Oracle.Dir,
	} {
		expanded, err := ExpandHome(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Save saves the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadResolvedConfig reads the JSON config, substituting ${VAR} references
// in string values from the environment.
func loadResolvedConfig(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return json.Marshal(substituteEnvValues(raw))
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(m string) string {
			name := envPattern.FindStringSubmatch(m)[1]
			return os.Getenv(name)
		})
	default:
		return v
	}
}
