package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/checkpoint"
)

const DefaultPriority = 5

// NewTask is the input to InsertTask.
type NewTask struct {
	ParentID string
	AgentID  string
	Priority int
	Payload  TaskPayload
	// MaxDepth bounds the tree depth counted from the root (depth 1). Zero
	// disables the check.
	MaxDepth int
}

func decodePayload(raw string, p *TaskPayload) error {
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return fmt.Errorf("decode task payload: %w", err)
	}
	return nil
}

// InsertTask stores a new pending task. With a parent, the child inherits
// the parent's run_id, the parent flips running -> waiting_subtasks and the
// child id is appended to the parent's pending_subtasks, all in one
// transaction.
func (s *Store) InsertTask(ctx context.Context, nt NewTask) (string, error) {
	if strings.TrimSpace(nt.Payload.Goal) == "" {
		return "", errors.New("task goal is required")
	}
	if nt.AgentID == "" {
		return "", errors.New("task agent_id is required")
	}
	payload, err := json.Marshal(nt.Payload)
	if err != nil {
		return "", fmt.Errorf("encode task payload: %w", err)
	}
	taskID := uuid.NewString()
	var runID string

	err = s.inTx(ctx, "insert task", func(tx *sql.Tx) error {
		runID = uuid.NewString()
		if nt.ParentID != "" {
			var parentStatus TaskStatus
			if err := tx.QueryRowContext(ctx, `SELECT status, run_id FROM tasks WHERE task_id = ?;`, nt.ParentID).
				Scan(&parentStatus, &runID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("parent %s: %w", nt.ParentID, ErrNotFound)
				}
				return fmt.Errorf("select parent task: %w", err)
			}
			if parentStatus != TaskStatusRunning && parentStatus != TaskStatusWaitingSubtasks {
				return &StateError{TaskID: nt.ParentID, Status: parentStatus, Op: "add sub-task"}
			}
			if nt.MaxDepth > 0 {
				depth, err := taskDepthTx(ctx, tx, nt.ParentID)
				if err != nil {
					return err
				}
				if depth >= nt.MaxDepth {
					return fmt.Errorf("parent %s is at depth %d (max %d): %w", nt.ParentID, depth, nt.MaxDepth, ErrDepthExceeded)
				}
			}
		}

		now := millis(s.now())
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				task_id, parent_id, run_id, agent_id, status, priority, payload,
				attempt_no, schedule_at, created_at, updated_at
			)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, 0, ?, ?, ?);
		`, taskID, nt.ParentID, runID, nt.AgentID, TaskStatusPending, nt.Priority, string(payload), now, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, runID, "", TaskStatusPending, "task.submitted", ""); err != nil {
			return err
		}
		if nt.ParentID == "" {
			return nil
		}

		addChild := func(st *checkpoint.State) { st.AddPendingSubtask(taskID) }
		_, ok, err := s.transitionTaskTx(ctx, tx, nt.ParentID, transition{
			allowedFrom: []TaskStatus{TaskStatusRunning},
			to:          TaskStatusWaitingSubtasks,
			eventType:   "task.waiting_subtasks",
			payload:     fmt.Sprintf(`{"child":%q}`, taskID),
			mutate:      addChild,
		})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// Already waiting on earlier children: only record the new one.
		return s.mutateCheckpointTx(ctx, tx, nt.ParentID, addChild)
	})
	if err != nil {
		return "", err
	}

	s.publish(bus.TopicTaskSubmitted, bus.TaskSubmittedEvent{
		TaskID:   taskID,
		ParentID: nt.ParentID,
		RunID:    runID,
		AgentID:  nt.AgentID,
		Priority: nt.Priority,
	})
	return taskID, nil
}

func (s *Store) mutateCheckpointTx(ctx context.Context, tx *sql.Tx, taskID string, mutate func(*checkpoint.State)) error {
	var raw, payload string
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(checkpoint, ''), payload FROM tasks WHERE task_id = ?;
	`, taskID).Scan(&raw, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select checkpoint: %w", err)
	}
	st, err := checkpoint.Decode(raw)
	if err != nil {
		return err
	}
	if st == nil {
		var p TaskPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		st = checkpoint.New(p.Goal)
	}
	mutate(st)
	encoded, err := st.Encode()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET checkpoint = ?, updated_at = ? WHERE task_id = ?;
	`, encoded, millis(s.now()), taskID); err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}
	return nil
}

// taskDepthTx walks parent_id links; a root task has depth 1.
func taskDepthTx(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	depth := 0
	seen := map[string]bool{}
	for id := taskID; id != ""; {
		if seen[id] {
			return 0, fmt.Errorf("parent cycle at task %s", id)
		}
		seen[id] = true
		var parent sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT parent_id FROM tasks WHERE task_id = ?;`, id).Scan(&parent); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// A retained child can outlive its parent row.
				break
			}
			return 0, fmt.Errorf("walk task depth: %w", err)
		}
		depth++
		id = parent.String
	}
	return depth, nil
}

// TaskDepth returns the depth of a task in its tree (root = 1).
func (s *Store) TaskDepth(ctx context.Context, taskID string) (int, error) {
	var depth int
	err := s.inTx(ctx, "task depth", func(tx *sql.Tx) error {
		var err error
		depth, err = taskDepthTx(ctx, tx, taskID)
		return err
	})
	return depth, err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?;`, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListActive returns non-terminal tasks, highest priority first.
func (s *Store) ListActive(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN (?, ?, ?, ?, ?)
		ORDER BY priority DESC, created_at ASC, task_id ASC;
	`, TaskStatusPending, TaskStatusRunning, TaskStatusRetryScheduled, TaskStatusWaitingSubtasks, TaskStatusHumanReview)
}

// ListChildren returns the direct sub-tasks of a parent in creation order.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE parent_id = ?
		ORDER BY created_at ASC, task_id ASC;
	`, parentID)
}

// UpdateStatus is an unfenced conditional status change for operator tooling.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus) (bool, error) {
	var changed bool
	err := s.inTx(ctx, "update status", func(tx *sql.Tx) error {
		var err error
		_, changed, err = s.transitionTaskTx(ctx, tx, taskID, transition{
			allowedFrom: from,
			to:          to,
			eventType:   "task.status_updated",
		})
		return err
	})
	return changed, err
}

// UpdateResult overwrites the stored result of a task.
func (s *Store) UpdateResult(ctx context.Context, taskID, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET result = ?, updated_at = ? WHERE task_id = ?;
	`, result, millis(s.now()), taskID)
	if err != nil {
		return fmt.Errorf("update result: %w", err)
	}
	return expectOneRow(res)
}

// UpdateCheckpoint replaces the checkpoint of a non-terminal task.
func (s *Store) UpdateCheckpoint(ctx context.Context, taskID string, st *checkpoint.State) error {
	encoded, err := st.Encode()
	if err != nil {
		return err
	}
	return s.inTx(ctx, "update checkpoint", func(tx *sql.Tx) error {
		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?;`, taskID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task status: %w", err)
		}
		if status.Terminal() {
			return &StateError{TaskID: taskID, Status: status, Op: "update checkpoint"}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE tasks SET checkpoint = ?, updated_at = ? WHERE task_id = ?;
		`, encoded, millis(s.now()), taskID)
		if err != nil {
			return fmt.Errorf("update checkpoint: %w", err)
		}
		return nil
	})
}

// UpdateLease sets or clears (empty owner) the lease fields directly.
func (s *Store) UpdateLease(ctx context.Context, taskID, owner string, expires time.Time) error {
	var res sql.Result
	var err error
	if owner == "" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET leased_by = NULL, lease_exp = NULL, updated_at = ? WHERE task_id = ?;
		`, millis(s.now()), taskID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET leased_by = ?, lease_exp = ?, updated_at = ? WHERE task_id = ?;
		`, owner, millis(expires), millis(s.now()), taskID)
	}
	if err != nil {
		return fmt.Errorf("update lease: %w", err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	counts := map[TaskStatus]int{}
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// TaskEvent is one row of the per-task transition history.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	RunID     string     `json:"run_id,omitempty"`
	TraceID   string     `json:"trace_id,omitempty"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// ListTaskEvents returns the transition history of a task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(run_id, ''), COALESCE(trace_id, ''), event_type,
			COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var created int64
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.RunID, &ev.TraceID, &ev.EventType,
			&ev.StateFrom, &ev.StateTo, &ev.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.CreatedAt = fromMillis(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}
