package coordinator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/checkpoint"
	"github.com/basket/clawtask/internal/coordinator"
	"github.com/basket/clawtask/internal/persistence"
)

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawtask.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func insert(t *testing.T, store *persistence.Store, goal, parentID string) string {
	t.Helper()
	id, err := store.InsertTask(context.Background(), persistence.NewTask{
		ParentID: parentID,
		AgentID:  "orchestrator",
		Priority: persistence.DefaultPriority,
		Payload:  persistence.TaskPayload{Goal: goal, MaxSteps: 3},
	})
	if err != nil {
		t.Fatalf("insert %s: %v", goal, err)
	}
	return id
}

func claim(t *testing.T, store *persistence.Store, worker string) *persistence.Task {
	t.Helper()
	task, err := store.ClaimNext(context.Background(), worker, time.Minute)
	if err != nil || task == nil {
		t.Fatalf("claim as %s: %+v %v", worker, task, err)
	}
	return task
}

// parentWithChildren returns a waiting parent and its two claimed children.
func parentWithChildren(t *testing.T, store *persistence.Store) (string, *persistence.Task, *persistence.Task) {
	t.Helper()
	parent := insert(t, store, "parent", "")
	claim(t, store, "wp")
	insert(t, store, "child one", parent)
	insert(t, store, "child two", parent)
	if _, err := store.ReleaseLease(context.Background(), parent, "wp"); err != nil {
		t.Fatalf("release parent: %v", err)
	}
	return parent, claim(t, store, "w1"), claim(t, store, "w2")
}

func waitForStatus(t *testing.T, store *persistence.Store, id string, want persistence.TaskStatus) *persistence.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		task, err := store.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s stayed %s, want %s", id, task.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCoordinator_ResumesParentAfterAllChildren(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator.New(store, b, nil, nil).Start(ctx)

	parent, c1, c2 := parentWithChildren(t, store)
	if err := store.CompleteTask(ctx, c1.ID, "w1", "first answer", ""); err != nil {
		t.Fatalf("complete c1: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if task, _ := store.GetTask(ctx, parent); task.Status != persistence.TaskStatusWaitingSubtasks {
		t.Fatalf("parent resumed early: %s", task.Status)
	}

	_, err := store.HandleTaskFailure(ctx, c2.ID, "w2", "boom", "", false, persistence.RetryPolicy{})
	if err != nil {
		t.Fatalf("fail c2: %v", err)
	}
	task := waitForStatus(t, store, parent, persistence.TaskStatusPending)
	st, err := task.State()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	results := st.Outcomes(checkpoint.KeySubtaskResults)
	failures := st.Outcomes(checkpoint.KeySubtaskFailures)
	if len(results) != 1 || results[0].TaskID != c1.ID || results[0].Result != "first answer" {
		t.Fatalf("unexpected results %+v", results)
	}
	if len(failures) != 1 || failures[0].TaskID != c2.ID || failures[0].Error != "boom" {
		t.Fatalf("unexpected failures %+v", failures)
	}
	if len(st.PendingSubtasks) != 0 {
		t.Fatalf("pending_subtasks should be cleared, got %v", st.PendingSubtasks)
	}
}

func TestCoordinator_CancelledChildStillResumesParent(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	coordinator.New(store, b, nil, nil).Start(ctx)

	parent := insert(t, store, "parent", "")
	claim(t, store, "wp")
	child := insert(t, store, "only child", parent)
	if _, err := store.CancelTask(ctx, child, "not needed"); err != nil {
		t.Fatalf("cancel child: %v", err)
	}
	task := waitForStatus(t, store, parent, persistence.TaskStatusPending)
	st, _ := task.State()
	if failures := st.Outcomes(checkpoint.KeySubtaskFailures); len(failures) != 1 || failures[0].Status != "cancelled" {
		t.Fatalf("expected cancelled child in failures, got %+v", failures)
	}
}

func TestCoordinator_IgnoresTopLevelCompletions(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	c := coordinator.New(store, b, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	id := insert(t, store, "solo", "")
	claim(t, store, "w1")
	if err := store.CompleteTask(ctx, id, "w1", "ok", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Nothing to resume; the sweep agrees.
	if n, err := c.ReconcileOnce(ctx); err != nil || n != 0 {
		t.Fatalf("expected no resumable parents, got %d %v", n, err)
	}
}

func TestReconcileOnce_RecoversDroppedEvents(t *testing.T) {
	// No bus: completions are never delivered.
	store := openTestStore(t, nil)
	c := coordinator.New(store, bus.New(), nil, nil)
	ctx := context.Background()

	parent, c1, c2 := parentWithChildren(t, store)
	if n, err := c.ReconcileOnce(ctx); err != nil || n != 0 {
		t.Fatalf("children still running: got %d %v", n, err)
	}
	for _, child := range []*persistence.Task{c1, c2} {
		if err := store.CompleteTask(ctx, child.ID, child.LeasedBy, "done "+child.ID, ""); err != nil {
			t.Fatalf("complete child: %v", err)
		}
	}
	n, err := c.ReconcileOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one reconciled parent, got %d %v", n, err)
	}
	if task, _ := store.GetTask(ctx, parent); task.Status != persistence.TaskStatusPending {
		t.Fatalf("expected pending parent, got %s", task.Status)
	}
	if n, err := c.ReconcileOnce(ctx); err != nil || n != 0 {
		t.Fatalf("reconcile should be idempotent, got %d %v", n, err)
	}
}
