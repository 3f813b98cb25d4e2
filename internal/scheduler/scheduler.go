package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Cycle is one unit of scheduled work.
type Cycle func(ctx context.Context) error

// Config holds scheduler settings.
type Config struct {
	Interval time.Duration
	// Schedule, when set, is a cron expression used instead of Interval.
	Schedule   string
	RunOnStart bool
	LockPath   string
}

// Status is a snapshot of scheduler activity.
type Status struct {
	Runs      int
	Skipped   int
	LastStart time.Time
	LastError error
	Next      time.Time
}

// Scheduler runs a Cycle sequentially: a tick that arrives while a cycle is
// running is dropped, and a tick is skipped while another process holds the
// lock.
type Scheduler struct {
	cfg   Config
	cycle Cycle
	cron  *CronExpr
	lock  *FileLock
	now   func() time.Time

	mu     sync.Mutex
	status Status
}

// New creates a Scheduler.
func New(cfg Config, cycle Cycle) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.LockPath == "" {
		return nil, fmt.Errorf("scheduler: lock path required")
	}
	s := &Scheduler{cfg: cfg, cycle: cycle, lock: NewFileLock(cfg.LockPath), now: time.Now}
	if cfg.Schedule != "" {
		c, err := ParseCron(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		s.cron = c
	}
	return s, nil
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) nextDelay() time.Duration {
	now := s.now()
	next := now.Add(s.cfg.Interval)
	if s.cron != nil {
		if n := s.cron.Next(now); !n.IsZero() {
			next = n
		}
	}
	s.mu.Lock()
	s.status.Next = next
	s.mu.Unlock()
	return next.Sub(now)
}

// Run executes cycles until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "interval", s.cfg.Interval, "schedule", s.cfg.Schedule, "lock", s.lock)
	if s.cfg.RunOnStart {
		s.tick(ctx)
	}
	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.nextDelay())
		}
	}
}

// tick runs one cycle under the file lock. It reports whether the cycle ran.
func (s *Scheduler) tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "error", err)
		return false
	}
	if !acquired {
		slog.Info("Scheduler tick skipped: lock held by another process", "pid", s.lock.Holder())
		s.mu.Lock()
		s.status.Skipped++
		s.mu.Unlock()
		return false
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			slog.Warn("Scheduler unlock error", "error", err)
		}
	}()

	start := s.now()
	err = s.cycle(ctx)
	s.mu.Lock()
	s.status.Runs++
	s.status.LastStart = start
	s.status.LastError = err
	s.mu.Unlock()
	if err != nil {
		slog.Error("Scheduler cycle failed", "error", err, "duration", time.Since(start))
	} else {
		slog.Info("Scheduler cycle finished", "duration", time.Since(start))
	}
	return true
}
