package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/persistence"
)

// TaskResult is the outcome of a finished task.
type TaskResult struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Steps      int    `json:"steps"`
	TokensUsed int    `json:"tokens_used"`
	DurationMS int64  `json:"duration_ms"`
}

// Waiter blocks until a task finishes. With a bus it wakes on
// task.completed; it always polls as well, since a CLI process does not
// see a daemon's in-process events.
type Waiter struct {
	eventBus *bus.Bus
	store    *persistence.Store
	poll     time.Duration
}

// NewWaiter creates a waiter. eventBus may be nil for polling only.
func NewWaiter(eventBus *bus.Bus, store *persistence.Store) *Waiter {
	poll := time.Second
	if eventBus == nil {
		poll = 200 * time.Millisecond
	}
	return &Waiter{eventBus: eventBus, store: store, poll: poll}
}

// WaitForTask returns once taskID is done, failed or cancelled, or fails
// when timeout elapses.
func (w *Waiter) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the first check so a completion in between is seen.
	var events <-chan bus.Event
	if w.eventBus != nil {
		sub := w.eventBus.Subscribe(bus.TopicTaskCompleted)
		defer w.eventBus.Unsubscribe(sub)
		events = sub.Ch()
	}

	if res, err := w.checkTerminal(ctx, taskID); err != nil || res != nil {
		return res, err
	}

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if done, ok := ev.Payload.(bus.TaskCompletedEvent); !ok || done.TaskID != taskID {
				continue
			}
		}
		if res, err := w.checkTerminal(ctx, taskID); err != nil || res != nil {
			return res, err
		}
	}
}

func (w *Waiter) checkTerminal(ctx context.Context, taskID string) (*TaskResult, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if !task.Status.Terminal() {
		return nil, nil
	}
	stats, err := w.store.StepStats(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskResult{
		TaskID:     task.ID,
		Status:     string(task.Status),
		Output:     task.Result,
		Error:      task.Error,
		ErrorCode:  task.LastErrorCode,
		Steps:      stats.Count,
		TokensUsed: stats.TokensUsed,
		DurationMS: stats.DurationMS,
	}, nil
}
