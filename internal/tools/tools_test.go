package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/tools"
)

func newCatalog(t *testing.T) (*tools.Catalog, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawtask.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	helper := engine.AgentFunc(func(context.Context, string) (engine.InvokeResult, error) {
		return engine.InvokeResult{Status: engine.InvokeSuccess, Content: "FINAL: ok"}, nil
	})
	eng, err := engine.New(engine.Options{
		Store:  store,
		Agents: map[string]engine.Agent{"helper": helper},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cat, err := tools.NewCatalog(engine.NewService(eng), "test")
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	return cat, store
}

func call[T any](t *testing.T, cat *tools.Catalog, name, args string) T {
	t.Helper()
	out, err := cat.Call(context.Background(), name, json.RawMessage(args))
	if err != nil {
		t.Fatalf("%s(%s): %v", name, args, err)
	}
	v, ok := out.(T)
	if !ok {
		t.Fatalf("%s returned %T", name, out)
	}
	return v
}

func TestDefinitions(t *testing.T) {
	cat, _ := newCatalog(t)
	defs := cat.Definitions()
	want := []string{
		tools.ToolCancelTask, tools.ToolGetTaskStatus, tools.ToolListActiveTasks,
		tools.ToolRequestHumanReview, tools.ToolRespondToReview, tools.ToolSubmitTask,
	}
	if len(defs) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(defs))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Fatalf("tool %d = %s, want %s", i, d.Name, want[i])
		}
		if d.Description == "" || !json.Valid(d.InputSchema) {
			t.Fatalf("tool %s has an incomplete definition", d.Name)
		}
	}
}

func TestCall_ArgumentValidation(t *testing.T) {
	cat, _ := newCatalog(t)
	cases := []struct {
		tool string
		args string
	}{
		{tools.ToolSubmitTask, `{}`},
		{tools.ToolSubmitTask, `{"goal": ""}`},
		{tools.ToolSubmitTask, `{"goal": "x", "priority": "high"}`},
		{tools.ToolSubmitTask, `{"goal": "x", "extra": true}`},
		{tools.ToolGetTaskStatus, `{"task_id": 7}`},
		{tools.ToolRequestHumanReview, `{"task_id": "a"}`},
		{tools.ToolRespondToReview, `not json`},
		{tools.ToolListActiveTasks, `{"filter": "x"}`},
	}
	for _, tc := range cases {
		_, err := cat.Call(context.Background(), tc.tool, json.RawMessage(tc.args))
		var argErr *tools.ArgumentError
		if !errors.As(err, &argErr) {
			t.Fatalf("%s(%s): expected argument error, got %v", tc.tool, tc.args, err)
		}
	}

	if _, err := cat.Call(context.Background(), "drop_tables", nil); !errors.Is(err, tools.ErrUnknownTool) {
		t.Fatalf("expected unknown tool, got %v", err)
	}
}

func TestCall_TaskLifecycle(t *testing.T) {
	cat, store := newCatalog(t)
	ctx := context.Background()

	sub := call[engine.SubmitResult](t, cat, tools.ToolSubmitTask, `{"goal": "summarise", "agent_id": "helper", "priority": 7}`)
	if sub.TaskID == "" || sub.Status != persistence.TaskStatusPending {
		t.Fatalf("unexpected submit result %+v", sub)
	}
	task, err := store.GetTask(ctx, sub.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Payload.Source != "test" || task.Priority != 7 {
		t.Fatalf("submission defaults not applied: %+v", task)
	}

	// Empty args behave like an empty object.
	list := call[tools.ListActiveOutput](t, cat, tools.ToolListActiveTasks, ``)
	if list.Count != 1 || list.Tasks[0].ID != sub.TaskID {
		t.Fatalf("unexpected active list %+v", list)
	}

	if _, err := store.ClaimNext(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	paused := call[tools.ReviewOutput](t, cat, tools.ToolRequestHumanReview,
		`{"task_id": "`+sub.TaskID+`", "question": "Formal or casual?"}`)
	if paused.Status != persistence.TaskStatusHumanReview {
		t.Fatalf("expected human_review, got %+v", paused)
	}

	status := call[engine.TaskStatusReport](t, cat, tools.ToolGetTaskStatus, `{"task_id": "`+sub.TaskID+`"}`)
	if status.Checkpoint == nil || status.Checkpoint.ReviewQuestion != "Formal or casual?" {
		t.Fatalf("review question missing from status: %+v", status.Checkpoint)
	}

	resumed := call[tools.ReviewOutput](t, cat, tools.ToolRespondToReview,
		`{"task_id": "`+sub.TaskID+`", "response": "casual"}`)
	if resumed.Status != persistence.TaskStatusPending {
		t.Fatalf("expected pending after answer, got %+v", resumed)
	}

	cancelled := call[engine.CancelResult](t, cat, tools.ToolCancelTask, `{"task_id": "`+sub.TaskID+`"}`)
	if len(cancelled.Cancelled) != 1 {
		t.Fatalf("unexpected cancel result %+v", cancelled)
	}
	task, _ = store.GetTask(ctx, sub.TaskID)
	if task.Status != persistence.TaskStatusCancelled || !strings.Contains(task.Error, "test") {
		t.Fatalf("expected cancelled with default reason, got %s %q", task.Status, task.Error)
	}
}

func TestCall_ServiceErrorsPassThrough(t *testing.T) {
	cat, _ := newCatalog(t)
	_, err := cat.Call(context.Background(), tools.ToolSubmitTask, json.RawMessage(`{"goal": "x", "agent_id": "ghost"}`))
	if !errors.Is(err, engine.ErrUnknownAgent) {
		t.Fatalf("expected unknown agent, got %v", err)
	}
	_, err = cat.Call(context.Background(), tools.ToolGetTaskStatus, json.RawMessage(`{"task_id": "nope"}`))
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCall_SubmitKeepsExplicitLowPriority(t *testing.T) {
	cat, store := newCatalog(t)
	ctx := context.Background()

	for args, want := range map[string]int{
		`{"goal": "background sweep", "priority": -2}`: -2,
		`{"goal": "idle", "priority": 0}`:              0,
		`{"goal": "defaulted"}`:                        persistence.DefaultPriority,
	} {
		sub := call[engine.SubmitResult](t, cat, tools.ToolSubmitTask, args)
		task, err := store.GetTask(ctx, sub.TaskID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if task.Priority != want {
			t.Fatalf("%s: priority = %d, want %d", args, task.Priority, want)
		}
	}
}
