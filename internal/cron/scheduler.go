// Package cron runs the engine's periodic maintenance jobs on cron
// expressions: the retention sweep and the sub-task reconciliation sweep.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/clawtask/internal/persistence"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@daily" or "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named periodic function.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
}

// Scheduler ticks at a fixed interval and runs each job whose next fire
// time has passed. A job never overlaps with itself.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{logger: logger, interval: interval, now: now}
}

// Add registers a job. An empty spec disables it.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.logger.Info("cron: job disabled", "job", job.Name)
		return nil
	}
	sched, err := cronParser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("cron: job %s: parse %q: %w", job.Name, job.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{job: job, schedule: sched, next: sched.Next(s.now())})
	return nil
}

// Jobs lists registered job names with their next fire time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for _, e := range s.entries {
		out[e.job.Name] = e.next
	}
	return out
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the loop and waits for it and any running job to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every due job once and advances its next fire time.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.next) {
			e.next = e.schedule.Next(now)
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry) {
	started := time.Now()
	if err := e.job.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err)
		return
	}
	s.logger.Debug("cron: job ran", "job", e.job.Name, "duration_ms", time.Since(started).Milliseconds())
}

// NextRunTime returns the next fire time of expr after the given time.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// RetentionJob deletes terminal tasks older than the current retention
// window. A zero window keeps everything.
func RetentionJob(spec string, store *persistence.Store, retention func() time.Duration, logger *slog.Logger) Job {
	return Job{
		Name: "retention",
		Spec: spec,
		Run: func(ctx context.Context) error {
			window := retention()
			if window <= 0 {
				return nil
			}
			res, err := store.DeleteOlderThan(ctx, time.Now().Add(-window))
			if err != nil {
				return err
			}
			if res.PurgedTasks > 0 && logger != nil {
				logger.Info("retention sweep purged tasks", "tasks", res.PurgedTasks, "steps", res.PurgedSteps, "events", res.PurgedEvents)
			}
			return nil
		},
	}
}

// Reconciler resumes waiting parents missed by completion events.
type Reconciler interface {
	ReconcileOnce(ctx context.Context) (int, error)
}

func ReconcileJob(spec string, r Reconciler) Job {
	return Job{
		Name: "reconcile",
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := r.ReconcileOnce(ctx)
			return err
		},
	}
}
