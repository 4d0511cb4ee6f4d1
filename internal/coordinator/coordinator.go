package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
)

// Coordinator resumes parent tasks once all of their sub-tasks have
// finished. It reacts to task.completed events and can also sweep the
// store for parents whose wakeup event was dropped.
type Coordinator struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
}

func New(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, bus: eventBus, logger: logger, metrics: metrics}
}

// Start subscribes to completions and returns once the subscription is in
// place. The listener stops when ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	sub := c.bus.Subscribe(bus.TopicTaskCompleted)
	go func() {
		defer c.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				c.handle(ctx, ev)
			}
		}
	}()
}

func (c *Coordinator) handle(ctx context.Context, ev bus.Event) {
	done, ok := ev.Payload.(bus.TaskCompletedEvent)
	if !ok || done.ParentID == "" {
		return
	}
	if _, err := c.resume(ctx, done.ParentID); err != nil {
		c.logger.Error("resume parent failed", "parent_id", done.ParentID, "child_id", done.TaskID, "error", err)
	}
}

func (c *Coordinator) resume(ctx context.Context, parentID string) (bool, error) {
	resumed, err := c.store.ResumeParentIfReady(ctx, parentID)
	if err != nil {
		return false, err
	}
	if resumed {
		c.metrics.RecordResume(ctx)
		c.logger.Info("parent resumed", "task_id", parentID)
	}
	return resumed, nil
}

// ReconcileOnce resumes every waiting parent whose children are all
// finished and returns how many it resumed.
func (c *Coordinator) ReconcileOnce(ctx context.Context) (int, error) {
	ids, err := c.store.ListResumableParents(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resumable parents: %w", err)
	}
	n := 0
	for _, id := range ids {
		ok, err := c.resume(ctx, id)
		if err != nil {
			return n, fmt.Errorf("resume %s: %w", id, err)
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		c.logger.Warn("reconciled parents missed by events", "count", n)
	}
	return n, nil
}
