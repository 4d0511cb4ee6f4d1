package cron_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/cron"
	"github.com/basket/clawtask/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_TickRunsDueJobsOnce(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := cron.NewScheduler(cron.Config{Logger: quietLogger(), Now: c.Now})
	var runs atomic.Int32
	if err := s.Add(cron.Job{Name: "sweep", Spec: "@every 1m", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx := context.Background()

	s.Tick(ctx)
	if runs.Load() != 0 {
		t.Fatalf("job ran before it was due")
	}
	c.Advance(time.Minute)
	s.Tick(ctx)
	s.Tick(ctx)
	if runs.Load() != 1 {
		t.Fatalf("expected one run, got %d", runs.Load())
	}
	if next := s.Jobs()["sweep"]; !next.Equal(c.Now().Add(time.Minute)) {
		t.Fatalf("unexpected next fire time %s", next)
	}
}

func TestScheduler_FailingJobKeepsSchedule(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s := cron.NewScheduler(cron.Config{Logger: quietLogger(), Now: c.Now})
	var runs atomic.Int32
	_ = s.Add(cron.Job{Name: "bad", Spec: "*/5 * * * *", Run: func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}})
	for i := 0; i < 3; i++ {
		c.Advance(5 * time.Minute)
		s.Tick(context.Background())
	}
	if runs.Load() != 3 {
		t.Fatalf("expected the failing job to keep firing, got %d runs", runs.Load())
	}
}

func TestScheduler_AddValidation(t *testing.T) {
	s := cron.NewScheduler(cron.Config{Logger: quietLogger()})
	if err := s.Add(cron.Job{Name: "broken", Spec: "not a cron", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := s.Add(cron.Job{Name: "off", Spec: "", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("empty spec should disable, got %v", err)
	}
	if len(s.Jobs()) != 0 {
		t.Fatalf("no job should be registered, got %v", s.Jobs())
	}
}

func TestScheduler_StartStop(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	s := cron.NewScheduler(cron.Config{Logger: quietLogger(), Interval: 10 * time.Millisecond, Now: c.Now})
	var runs atomic.Int32
	_ = s.Add(cron.Job{Name: "tick", Spec: "@daily", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	s.Start(context.Background())
	c.Advance(25 * time.Hour)
	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
	s.Stop()
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", base)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %s, got %s", want, next)
	}
	if _, err := cron.NextRunTime("61 * * * *", base); err == nil {
		t.Fatalf("expected invalid minute error")
	}
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawtask.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRetentionJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id, err := store.InsertTask(ctx, persistence.NewTask{
		AgentID: "orchestrator", Priority: 5,
		Payload: persistence.TaskPayload{Goal: "old news"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.ClaimNext(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteTask(ctx, id, "w1", "done", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	keep := cron.RetentionJob("@daily", store, func() time.Duration { return 0 }, nil)
	if err := keep.Run(ctx); err != nil {
		t.Fatalf("zero retention run: %v", err)
	}
	if _, err := store.GetTask(ctx, id); err != nil {
		t.Fatalf("zero retention must keep tasks: %v", err)
	}

	purge := cron.RetentionJob("@daily", store, func() time.Duration { return 5 * time.Millisecond }, quietLogger())
	if err := purge.Run(ctx); err != nil {
		t.Fatalf("retention run: %v", err)
	}
	if _, err := store.GetTask(ctx, id); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected purged task, got %v", err)
	}
}

type fakeReconciler struct {
	calls atomic.Int32
	err   error
}

func (f *fakeReconciler) ReconcileOnce(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, f.err
}

func TestReconcileJob(t *testing.T) {
	r := &fakeReconciler{err: errors.New("db gone")}
	job := cron.ReconcileJob("@every 1m", r)
	if job.Name != "reconcile" || job.Spec != "@every 1m" {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := job.Run(context.Background()); err == nil || r.calls.Load() != 1 {
		t.Fatalf("expected the reconciler error to surface, got %v after %d calls", err, r.calls.Load())
	}
}
