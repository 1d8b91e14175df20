// Package cron runs the bridge's periodic maintenance jobs, such as pruning
// the event log and purging old audit rows, on cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow)
// and descriptors such as "@hourly" or "@every 10m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named maintenance task.
type Job struct {
	Name string
	Spec string
	// RunOnStart fires the job once when the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
	runs     int
}

// Scheduler checks its jobs every tick and runs the ones that are due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job's schedule and returns a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{logger: logger.With("component", "cron"), interval: interval}
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			return nil, fmt.Errorf("cron job %q has no run function", job.Name)
		}
		sched, err := cronParser.Parse(job.Spec)
		if err != nil {
			return nil, fmt.Errorf("cron job %q: parse %q: %w", job.Name, job.Spec, err)
		}
		s.entries = append(s.entries, &entry{job: job, schedule: sched})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	for _, e := range s.entries {
		if e.job.RunOnStart {
			e.next = now
		} else {
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Runs reports how many times the named job has run.
func (s *Scheduler) Runs(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Name == name {
			return e.runs
		}
	}
	return 0
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	var due []*entry
	s.mu.Lock()
	for _, e := range s.entries {
		if !now.Before(e.next) {
			due = append(due, e)
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	started := time.Now()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.runs++
	next := e.next
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err, "next_run_at", next)
		return
	}
	s.logger.Debug("cron: job ran", "job", e.job.Name, "duration", time.Since(started), "next_run_at", next)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
