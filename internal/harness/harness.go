// Package harness runs the build/verification tasks of the optimized
// application. Tasks are YAML-defined shell commands; their output is
// consumed by probes as an opaque pass/fail plus text.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// Well-known task IDs.
const (
	TaskBuild = "build"
	TaskTest  = "test"
)

// Suite is a collection of tasks.
type Suite struct {
	Version int    `yaml:"version"`
	Tasks   []Task `yaml:"tasks"`
}

// Task is a single shell task.
type Task struct {
	ID         string `yaml:"id"`
	Command    string `yaml:"command"`
	TimeoutSec int    `yaml:"timeout_sec,omitempty"`
}

// Result captures execution outcome for a task.
type Result struct {
	TaskID   string
	Success  bool
	Output   string
	Error    string
	Duration time.Duration
	Finished time.Time
}

// DefaultSuite returns the tasks used when no suite file is configured.
func DefaultSuite() *Suite {
	return &Suite{
		Version: 1,
		Tasks: []Task{
			{ID: TaskBuild, Command: "npm run build"},
			{ID: TaskTest, Command: "npm test -- --coverage --watchAll=false"},
		},
	}
}

// LoadSuite reads a YAML suite file from disk.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse suite YAML: %w", err)
	}
	return &s, nil
}

// Runner executes suite tasks. Concurrent requests for the same task share
// one execution, and results are reused for cacheTTL.
type Runner struct {
	tasks    map[string]Task
	workdir  string
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]Result
}

// NewRunner creates a Runner for suite, executing in workdir.
func NewRunner(suite *Suite, workdir string, timeout, cacheTTL time.Duration) *Runner {
	if suite == nil {
		suite = DefaultSuite()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	tasks := make(map[string]Task, len(suite.Tasks))
	for _, t := range suite.Tasks {
		tasks[t.ID] = t
	}
	return &Runner{
		tasks:    tasks,
		workdir:  workdir,
		timeout:  timeout,
		cacheTTL: cacheTTL,
		now:      time.Now,
		cache:    make(map[string]Result),
	}
}

// Has reports whether the suite defines taskID.
func (r *Runner) Has(taskID string) bool {
	_, ok := r.tasks[taskID]
	return ok
}

// Run executes taskID, or returns a recent cached result. A failing command
// is reported through Result.Success; the error is reserved for unknown
// tasks and cancellation.
func (r *Runner) Run(ctx context.Context, taskID string) (Result, error) {
	task, ok := r.tasks[taskID]
	if !ok {
		return Result{}, fmt.Errorf("unknown harness task: %s", taskID)
	}
	if res, ok := r.cached(taskID); ok {
		return res, nil
	}

	v, err, shared := r.group.Do(taskID, func() (any, error) {
		res := r.execute(ctx, task)
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r.mu.Lock()
		r.cache[taskID] = res
		r.mu.Unlock()
		return res, nil
	})
	if shared {
		slog.Debug("Harness: shared task run", "task", taskID)
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Invalidate drops cached results, e.g. after the source tree changed.
func (r *Runner) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Result)
}

func (r *Runner) cached(taskID string) (Result, bool) {
	if r.cacheTTL <= 0 {
		return Result{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.cache[taskID]
	if !ok || r.now().Sub(res.Finished) > r.cacheTTL {
		return Result{}, false
	}
	return res, true
}

func (r *Runner) execute(ctx context.Context, task Task) Result {
	start := time.Now()
	timeout := r.timeout
	if task.TimeoutSec > 0 {
		timeout = time.Duration(task.TimeoutSec) * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := runShell(tctx, task.Command, r.workdir)
	res := Result{TaskID: task.ID, Output: out, Success: err == nil, Duration: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		slog.Warn("Harness: task failed", "task", task.ID, "duration", res.Duration, "error", err)
	} else {
		slog.Debug("Harness: task finished", "task", task.ID, "duration", res.Duration)
	}
	res.Finished = r.now()
	return res
}

func runShell(ctx context.Context, command string, workdir string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("empty command")
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	if workdir != "" {
		cmd.Dir = workdir
	}
	// Grandchildren may keep the output pipe open past cancellation.
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	if err != nil {
		return string(out), fmt.Errorf("command failed (%s): %w", command, err)
	}
	return string(out), nil
}
