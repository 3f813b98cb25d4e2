package cliconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/autotune/internal/config"
	"github.com/KafClaw/autotune/internal/harness"
	"github.com/KafClaw/autotune/internal/scheduler"
	"github.com/KafClaw/autotune/internal/store"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string       `json:"name"`
	Status  DoctorStatus `json:"status"`
	Message string       `json:"message"`
}

type DoctorReport struct {
	Checks []DoctorCheck `json:"checks"`
}

// DoctorOptions controls RunDoctorWithOptions. Fix creates missing state
// directories.
type DoctorOptions struct {
	Fix bool
}

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

func RunDoctor() (DoctorReport, error) {
	return RunDoctorWithOptions(DoctorOptions{})
}

func RunDoctorWithOptions(opts DoctorOptions) (DoctorReport, error) {
	var report DoctorReport

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report, nil
	}
	switch _, err := os.Stat(cfgPath); {
	case err == nil:
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	case os.IsNotExist(err):
		report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
	default:
		report.add("config_file", DoctorFail, "cannot access config file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", DoctorPass, "config loaded successfully")

	if opts.Fix {
		for _, dir := range []string{cfg.Paths.Home, cfg.Paths.ReportDir, filepath.Dir(cfg.Store.DBPath), filepath.Dir(cfg.Cycle.LockPath)} {
			if err := config.EnsureDir(dir); err != nil {
				report.add("state_dirs", DoctorFail, "create %s: %v", dir, err)
			}
		}
	}

	checkProject(cfg, &report)
	checkStore(cfg, &report)
	checkHarness(cfg, &report)
	checkIntegrations(cfg, &report)

	if cfg.Cycle.Schedule != "" {
		if _, err := scheduler.ParseCron(cfg.Cycle.Schedule); err != nil {
			report.add("cycle_schedule", DoctorFail, "invalid cycle.schedule: %v", err)
		} else {
			report.add("cycle_schedule", DoctorPass, "cron schedule %q", cfg.Cycle.Schedule)
		}
	}
	if pid := scheduler.NewFileLock(cfg.Cycle.LockPath).Holder(); pid != 0 {
		report.add("cycle_lock", DoctorWarn, "cycle lock held by pid %d", pid)
	}
	return report, nil
}

func checkProject(cfg *config.Config, report *DoctorReport) {
	info, err := os.Stat(cfg.Paths.ProjectRoot)
	if err != nil || !info.IsDir() {
		report.add("project_root", DoctorFail, "paths.projectRoot %q is not a directory", cfg.Paths.ProjectRoot)
		return
	}
	report.add("project_root", DoctorPass, "project root: %s", cfg.Paths.ProjectRoot)

	var found []string
	for _, d := range cfg.Paths.SourceDirs {
		if info, err := os.Stat(filepath.Join(cfg.Paths.ProjectRoot, d)); err == nil && info.IsDir() {
			found = append(found, d)
		}
	}
	if len(found) == 0 {
		report.add("source_dirs", DoctorWarn, "none of paths.sourceDirs %v exist under the project root", cfg.Paths.SourceDirs)
	} else {
		report.add("source_dirs", DoctorPass, "source dirs: %s", strings.Join(found, ", "))
	}
	for target, file := range cfg.Applier.TargetFiles {
		p := file
		if !filepath.IsAbs(p) {
			p = filepath.Join(cfg.Paths.ProjectRoot, p)
		}
		if _, err := os.Stat(p); err != nil {
			report.add("target_files", DoctorFail, "applier.targetFiles[%s]: %v", target, err)
		}
	}
}

func checkStore(cfg *config.Config, report *DoctorReport) {
	if _, err := os.Stat(filepath.Dir(cfg.Store.DBPath)); err != nil {
		report.add("store", DoctorWarn, "store directory missing (run with --fix): %s", filepath.Dir(cfg.Store.DBPath))
		return
	}
	s, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		report.add("store", DoctorFail, "open %s: %v", cfg.Store.DBPath, err)
		return
	}
	defer s.Close()
	report.add("store", DoctorPass, "store opened and migrated: %s", cfg.Store.DBPath)
}

func checkHarness(cfg *config.Config, report *DoctorReport) {
	if cfg.Harness.TasksFile == "" {
		report.add("harness_tasks", DoctorWarn, "harness.tasksFile not set; default npm tasks will be used")
		return
	}
	suite, err := harness.LoadSuite(cfg.Harness.TasksFile)
	if err != nil {
		report.add("harness_tasks", DoctorFail, "load %s: %v", cfg.Harness.TasksFile, err)
		return
	}
	ids := make([]string, 0, len(suite.Tasks))
	for _, t := range suite.Tasks {
		ids = append(ids, t.ID)
	}
	report.add("harness_tasks", DoctorPass, "tasks: %s", strings.Join(ids, ", "))
}

func checkIntegrations(cfg *config.Config, report *DoctorReport) {
	if cfg.Oracle.Dir != "" {
		if info, err := os.Stat(cfg.Oracle.Dir); err != nil || !info.IsDir() {
			report.add("oracle_dir", DoctorFail, "oracle.dir %q is not a directory", cfg.Oracle.Dir)
		} else {
			report.add("oracle_dir", DoctorPass, "oracle plans: %s", cfg.Oracle.Dir)
		}
	}
	if cfg.Kafka.Enabled {
		if strings.TrimSpace(cfg.Kafka.Brokers) == "" || cfg.Kafka.TelemetryTopic == "" {
			report.add("kafka", DoctorFail, "kafka.enabled requires kafka.brokers and kafka.telemetryTopic")
		} else {
			report.add("kafka", DoctorPass, "kafka brokers: %s", cfg.Kafka.Brokers)
		}
	}
	if cfg.Slack.WebhookURL != "" {
		u, err := url.Parse(cfg.Slack.WebhookURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			report.add("slack_webhook", DoctorFail, "slack.webhookUrl must be an https URL")
		} else {
			report.add("slack_webhook", DoctorPass, "slack notifications enabled (%s)", u.Host)
		}
	}
}
