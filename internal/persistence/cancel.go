package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CancellableStatuses lists where CancelTask is accepted. Running tasks are
// refused because steps are never preempted.
var CancellableStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusRetryScheduled,
	TaskStatusWaitingSubtasks,
	TaskStatusHumanReview,
}

// CancelTask cancels a task and its claimable (pending or retry_scheduled)
// children. It returns every task it cancelled, the requested one first.
// A task.completed event with status cancelled is published for each so
// waiting parents still resume.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) ([]Task, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by request"
	}
	code := ReasonCanceled
	var ids []string

	err := s.inTx(ctx, "cancel task", func(tx *sql.Tx) error {
		ids = nil
		current, ok, err := s.transitionTaskTx(ctx, tx, taskID, transition{
			allowedFrom: CancellableStatuses,
			to:          TaskStatusCancelled,
			eventType:   "task.cancelled",
			payload:     fmt.Sprintf(`{"reason":%q}`, reason),
			errMsg:      &reason,
			errCode:     &code,
		})
		if err != nil {
			return err
		}
		if !ok {
			return &StateError{TaskID: taskID, Status: current, Op: "cancel"}
		}
		ids = append(ids, taskID)

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id FROM tasks
			WHERE parent_id = ? AND status IN (?, ?)
			ORDER BY created_at ASC;
		`, taskID, TaskStatusPending, TaskStatusRetryScheduled)
		if err != nil {
			return fmt.Errorf("query claimable children: %w", err)
		}
		var children []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan child: %w", err)
			}
			children = append(children, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate children: %w", err)
		}

		childReason := "parent " + taskID + " cancelled"
		for _, id := range children {
			_, ok, err := s.transitionTaskTx(ctx, tx, id, transition{
				allowedFrom: []TaskStatus{TaskStatusPending, TaskStatusRetryScheduled},
				to:          TaskStatusCancelled,
				eventType:   "task.cancelled",
				payload:     `{"reason":"parent_cancelled"}`,
				errMsg:      &childReason,
				errCode:     &code,
			})
			if err != nil {
				return err
			}
			if ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cancelled := make([]Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, *task)
		s.publishCompleted(task, false)
	}
	return cancelled, nil
}
