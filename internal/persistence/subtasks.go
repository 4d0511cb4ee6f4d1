package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/checkpoint"
)

// ResumeParentIfReady moves a waiting_subtasks parent back to pending once
// none of its children is still active. Child outcomes are written into the
// parent checkpoint under subtask_results and subtask_failures, replacing
// earlier lists so each child appears once. Calling it again is a no-op.
func (s *Store) ResumeParentIfReady(ctx context.Context, parentID string) (bool, error) {
	var resumed bool
	err := s.inTx(ctx, "resume parent", func(tx *sql.Tx) error {
		resumed = false
		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, parentID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select parent: %w", err)
		}
		if status != TaskStatusWaitingSubtasks {
			return nil
		}

		var unfinished int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM tasks
			WHERE parent_id = ? AND status NOT IN (?, ?, ?);
		`, parentID, TaskStatusDone, TaskStatusFailed, TaskStatusCancelled).Scan(&unfinished); err != nil {
			return fmt.Errorf("count unfinished children: %w", err)
		}
		if unfinished > 0 {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT task_id, status, COALESCE(result, ''), COALESCE(error, '')
			FROM tasks
			WHERE parent_id = ?
			ORDER BY created_at ASC, task_id ASC;
		`, parentID)
		if err != nil {
			return fmt.Errorf("query children: %w", err)
		}
		var results, failures []checkpoint.SubtaskOutcome
		for rows.Next() {
			var o checkpoint.SubtaskOutcome
			if err := rows.Scan(&o.TaskID, &o.Status, &o.Result, &o.Error); err != nil {
				rows.Close()
				return fmt.Errorf("scan child: %w", err)
			}
			if TaskStatus(o.Status) == TaskStatusDone {
				results = append(results, o)
			} else {
				failures = append(failures, o)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate children: %w", err)
		}

		now := s.now()
		_, ok, err := s.transitionTaskTx(ctx, tx, parentID, transition{
			allowedFrom: []TaskStatus{TaskStatusWaitingSubtasks},
			to:          TaskStatusPending,
			eventType:   "task.resumed",
			payload:     fmt.Sprintf(`{"reason":"subtasks_finished","results":%d,"failures":%d}`, len(results), len(failures)),
			scheduleAt:  &now,
			mutate: func(st *checkpoint.State) {
				st.Set(checkpoint.KeySubtaskResults, outcomesOrNil(results))
				st.Set(checkpoint.KeySubtaskFailures, outcomesOrNil(failures))
				st.PendingSubtasks = nil
			},
		})
		if err != nil {
			return err
		}
		resumed = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	if resumed {
		s.publish(bus.TopicTaskResumed, bus.TaskResumedEvent{
			TaskID: parentID,
			From:   string(TaskStatusWaitingSubtasks),
			Reason: "subtasks_finished",
		})
	}
	return resumed, nil
}

// outcomesOrNil keeps an empty list out of the context map.
func outcomesOrNil(o []checkpoint.SubtaskOutcome) any {
	if len(o) == 0 {
		return nil
	}
	return o
}

// ListResumableParents returns parents stuck in waiting_subtasks whose
// children have all finished. It backs the reconciliation sweep.
func (s *Store) ListResumableParents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.task_id
		FROM tasks p
		WHERE p.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM tasks c
			WHERE c.parent_id = p.task_id AND c.status NOT IN (?, ?, ?)
		  )
		ORDER BY p.updated_at ASC;
	`, TaskStatusWaitingSubtasks, TaskStatusDone, TaskStatusFailed, TaskStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("query resumable parents: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan resumable parent: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
