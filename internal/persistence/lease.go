package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/checkpoint"
)

// claimablePredicate selects rows a worker may lease at :now. Running rows
// whose lease has lapsed are included so a dead holder's task is reclaimed.
const claimablePredicate = `(
	(status IN ('pending', 'retry_scheduled')
		AND schedule_at <= ?
		AND (lease_exp IS NULL OR lease_exp < ?))
	OR (status = 'running' AND lease_exp IS NOT NULL AND lease_exp < ?)
)`

// ClaimNext leases the highest-priority claimable task to workerID for ttl.
// It returns nil when nothing is claimable or another worker won the row.
func (s *Store) ClaimNext(ctx context.Context, workerID string, ttl time.Duration) (*Task, error) {
	if workerID == "" {
		return nil, errors.New("claim requires a worker id")
	}
	var claimed *Task
	var prevStatus TaskStatus
	err := s.inTx(ctx, "claim", func(tx *sql.Tx) error {
		claimed = nil
		now := s.now()
		nowMs := millis(now)

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE `+claimablePredicate+`
			ORDER BY priority DESC, created_at ASC, task_id ASC
			LIMIT 1;
		`, nowMs, nowMs, nowMs)
		if err := scanTask(row.Scan, &task); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select claimable task: %w", err)
		}
		prevStatus = task.Status

		leaseExp := now.Add(ttl)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, leased_by = ?, lease_exp = ?, updated_at = ?
			WHERE task_id = ? AND `+claimablePredicate+`;
		`, TaskStatusRunning, workerID, millis(leaseExp), nowMs, task.ID, nowMs, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		eventType := "task.claimed"
		if prevStatus == TaskStatusRunning {
			eventType = "task.reclaimed"
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, task.RunID, prevStatus, TaskStatusRunning, eventType,
			fmt.Sprintf(`{"worker":%q}`, workerID)); err != nil {
			return err
		}
		task.Status = TaskStatusRunning
		task.LeasedBy = workerID
		task.LeaseExpiresAt = &leaseExp
		task.UpdatedAt = now
		task.Reclaimed = prevStatus == TaskStatusRunning
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publish(bus.TopicTaskClaimed, bus.TaskClaimedEvent{
			TaskID:   claimed.ID,
			WorkerID: workerID,
			Attempt:  claimed.Attempt,
			Reclaim:  prevStatus == TaskStatusRunning,
		})
	}
	return claimed, nil
}

// RenewLease extends the lease if workerID still holds it. A false return
// means the lease was revoked.
func (s *Store) RenewLease(ctx context.Context, taskID, workerID string, ttl time.Duration) (bool, error) {
	if workerID == "" {
		return false, nil
	}
	now := s.now()
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lease_exp = ?, updated_at = ?
			WHERE task_id = ? AND leased_by = ?;
		`, millis(now.Add(ttl)), millis(now), taskID, workerID)
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("renew lease rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease clears a lease still held by workerID. It is used when a
// task is parked without a terminal write.
func (s *Store) ReleaseLease(ctx context.Context, taskID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET leased_by = NULL, lease_exp = NULL, updated_at = ?
		WHERE task_id = ? AND leased_by = ?;
	`, millis(s.now()), taskID, workerID)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lease rows affected: %w", err)
	}
	return n == 1, nil
}

// RecoverStaleLeases returns running tasks whose lease is missing or
// expired to pending. It runs once at startup before workers claim.
func (s *Store) RecoverStaleLeases(ctx context.Context) (int64, error) {
	var recovered int64
	err := s.inTx(ctx, "recover", func(tx *sql.Tx) error {
		recovered = 0
		rows, err := tx.QueryContext(ctx, `
			SELECT task_id
			FROM tasks
			WHERE status = ? AND (lease_exp IS NULL OR lease_exp < ?);
		`, TaskStatusRunning, millis(s.now()))
		if err != nil {
			return fmt.Errorf("query stale leases: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stale lease: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate stale leases: %w", err)
		}

		now := s.now()
		for _, id := range ids {
			_, ok, err := s.transitionTaskTx(ctx, tx, id, transition{
				allowedFrom: []TaskStatus{TaskStatusRunning},
				to:          TaskStatusPending,
				eventType:   "task.recovered",
				payload:     `{"reason":"startup_recovery"}`,
				clearLease:  true,
				scheduleAt:  &now,
			})
			if err != nil {
				return fmt.Errorf("recover task %s: %w", id, err)
			}
			if ok {
				recovered++
			}
		}
		return nil
	})
	return recovered, err
}

// PersistStep applies mutate to the checkpoint of a task leased by
// workerID and returns the task status after the write. The read and write
// share one transaction so context injected by the coordinator or a review
// operation is preserved. Terminal tasks are not written.
func (s *Store) PersistStep(ctx context.Context, taskID, workerID string, mutate func(*checkpoint.State)) (TaskStatus, error) {
	var status TaskStatus
	err := s.inTx(ctx, "persist step", func(tx *sql.Tx) error {
		var (
			leasedBy string
			leaseExp sql.NullInt64
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT status, COALESCE(leased_by, ''), lease_exp FROM tasks WHERE task_id = ?;
		`, taskID).Scan(&status, &leasedBy, &leaseExp); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task for step: %w", err)
		}
		if leasedBy != workerID || !leaseExp.Valid || leaseExp.Int64 <= millis(s.now()) {
			return ErrLeaseLost
		}
		if status.Terminal() {
			return nil
		}
		return s.mutateCheckpointTx(ctx, tx, taskID, func(st *checkpoint.State) {
			mutate(st)
			st.Status = string(status)
		})
	})
	return status, err
}

// CompleteTask marks a running task done. A non-empty warning is stored in
// the checkpoint context and flags the completion as under-completed.
func (s *Store) CompleteTask(ctx context.Context, taskID, workerID, result, warning string) error {
	var task *Task
	err := s.inTx(ctx, "complete task", func(tx *sql.Tx) error {
		empty := ""
		_, ok, err := s.transitionTaskTx(ctx, tx, taskID, transition{
			allowedFrom: []TaskStatus{TaskStatusRunning},
			to:          TaskStatusDone,
			leaseOwner:  workerID,
			eventType:   "task.done",
			result:      &result,
			errMsg:      &empty,
			errCode:     &empty,
			clearLease:  true,
			mutate: func(st *checkpoint.State) {
				st.PartialResult = result
				if warning != "" {
					st.Set(checkpoint.KeyWarning, warning)
				}
			},
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return err
	}
	if task, err = s.GetTask(ctx, taskID); err == nil {
		s.publishCompleted(task, warning != "")
	}
	return nil
}

func (s *Store) publishCompleted(task *Task, underCompleted bool) {
	s.publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
		TaskID:         task.ID,
		ParentID:       task.ParentID,
		RunID:          task.RunID,
		Status:         string(task.Status),
		Result:         task.Result,
		Error:          task.Error,
		UnderCompleted: underCompleted,
	})
}

// RetryPolicy governs HandleTaskFailure.
type RetryPolicy struct {
	MaxRetries int
	// Backoff returns the delay before the retry that follows attempt.
	Backoff func(attempt int) time.Duration
}

type FailureOutcome string

const (
	FailureOutcomeRetried    FailureOutcome = "retried"
	FailureOutcomeDeadLetter FailureOutcome = "dead_letter"
	FailureOutcomeFailed     FailureOutcome = "failed"
)

type FailureDecision struct {
	Outcome    FailureOutcome `json:"outcome"`
	Attempt    int            `json:"attempt_no"`
	MaxRetries int            `json:"max_retries"`
	ScheduleAt *time.Time     `json:"schedule_at,omitempty"`
	ReasonCode string         `json:"reason_code"`
}

// HandleTaskFailure records a failed attempt of a task leased by workerID.
// Retryable failures below MaxRetries are rescheduled with backoff; all
// others move the task to failed. ErrLeaseLost means nothing was written.
func (s *Store) HandleTaskFailure(ctx context.Context, taskID, workerID, errMsg, errCode string, retryable bool, policy RetryPolicy) (FailureDecision, error) {
	var decision FailureDecision
	err := s.inTx(ctx, "handle failure", func(tx *sql.Tx) error {
		var attempt int
		if err := tx.QueryRowContext(ctx, `SELECT attempt_no FROM tasks WHERE task_id = ?;`, taskID).Scan(&attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task for failure handling: %w", err)
		}
		decision = FailureDecision{Attempt: attempt, MaxRetries: policy.MaxRetries}

		tr := transition{
			allowedFrom: []TaskStatus{TaskStatusRunning},
			leaseOwner:  workerID,
			errMsg:      &errMsg,
			clearLease:  true,
		}
		switch {
		case !retryable:
			decision.Outcome = FailureOutcomeFailed
			decision.ReasonCode = errCode
			if decision.ReasonCode == "" {
				decision.ReasonCode = ReasonNonRetryable
			}
			tr.to = TaskStatusFailed
			tr.eventType = "task.failed"
		case attempt >= policy.MaxRetries:
			decision.Outcome = FailureOutcomeDeadLetter
			decision.ReasonCode = ReasonDeadLetterMaxAttempts
			tr.to = TaskStatusFailed
			tr.eventType = "task.dead_letter"
		default:
			var delay time.Duration
			if policy.Backoff != nil {
				delay = policy.Backoff(attempt)
			}
			at := s.now().Add(delay)
			decision.Outcome = FailureOutcomeRetried
			decision.ReasonCode = ReasonRetryStepError
			decision.Attempt = attempt + 1
			decision.ScheduleAt = &at
			tr.to = TaskStatusRetryScheduled
			tr.eventType = "task.retry_scheduled"
			tr.scheduleAt = &at
		}
		tr.errCode = &decision.ReasonCode
		tr.payload = fmt.Sprintf(`{"reason_code":%q,"attempt_no":%d,"max_retries":%d}`,
			decision.ReasonCode, decision.Attempt, policy.MaxRetries)

		_, ok, err := s.transitionTaskTx(ctx, tx, taskID, tr)
		if err != nil {
			return err
		}
		if !ok {
			return ErrLeaseLost
		}
		if decision.Outcome == FailureOutcomeRetried {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET attempt_no = ? WHERE task_id = ?;`, decision.Attempt, taskID); err != nil {
				return fmt.Errorf("bump attempt: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return FailureDecision{}, err
	}

	if decision.Outcome == FailureOutcomeRetried {
		s.publish(bus.TopicTaskRetrying, bus.TaskRetryingEvent{
			TaskID:     taskID,
			Attempt:    decision.Attempt,
			ScheduleAt: decision.ScheduleAt.Format(time.RFC3339),
			Reason:     errMsg,
		})
	} else if task, err := s.GetTask(ctx, taskID); err == nil {
		s.publishCompleted(task, false)
	}
	return decision, nil
}
