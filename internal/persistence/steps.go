package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	StepTypeOrchestrator = "orchestrator"
	StepTypeAgent        = "agent"

	StepStatusDone   = "done"
	StepStatusFailed = "failed"
)

// StepRecord is an append-only audit row for one executed step.
type StepRecord struct {
	StepID         string    `json:"step_id"`
	TaskID         string    `json:"task_id"`
	StepNo         int       `json:"step_no"`
	StepType       string    `json:"step_type"`
	Status         string    `json:"status"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	TokensUsed     int       `json:"tokens_used"`
	DurationMS     int64     `json:"duration_ms"`
	ErrorCode      string    `json:"error_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StepIdempotencyKey identifies one step of one attempt.
func StepIdempotencyKey(taskID string, attempt, stepNo int) string {
	return fmt.Sprintf("%s:%d:%d", taskID, attempt, stepNo)
}

// InsertStep appends a step record. A record whose idempotency key already
// exists is skipped and reported as not inserted.
func (s *Store) InsertStep(ctx context.Context, rec StepRecord) (bool, error) {
	if rec.StepID == "" {
		rec.StepID = uuid.NewString()
	}
	var inserted bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO task_steps (
				step_id, task_id, step_no, step_type, status, idempotency_key,
				tokens_used, duration_ms, error_code, created_at
			)
			VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?)
			ON CONFLICT(idempotency_key) DO NOTHING;
		`, rec.StepID, rec.TaskID, rec.StepNo, rec.StepType, rec.Status, rec.IdempotencyKey,
			rec.TokensUsed, rec.DurationMS, rec.ErrorCode, millis(s.now()))
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert step rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

// ListSteps returns the steps of a task in execution order.
func (s *Store) ListSteps(ctx context.Context, taskID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, task_id, step_no, step_type, status, COALESCE(idempotency_key, ''),
			tokens_used, duration_ms, COALESCE(error_code, ''), created_at
		FROM task_steps
		WHERE task_id = ?
		ORDER BY created_at ASC, step_no ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var created int64
		if err := rows.Scan(&rec.StepID, &rec.TaskID, &rec.StepNo, &rec.StepType, &rec.Status,
			&rec.IdempotencyKey, &rec.TokensUsed, &rec.DurationMS, &rec.ErrorCode, &created); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StepStats summarizes the steps of a task.
type StepStats struct {
	Count      int   `json:"count"`
	Failed     int   `json:"failed"`
	TokensUsed int   `json:"tokens_used"`
	DurationMS int64 `json:"duration_ms"`
}

func (s *Store) StepStats(ctx context.Context, taskID string) (StepStats, error) {
	var st StepStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tokens_used), 0),
			COALESCE(SUM(duration_ms), 0)
		FROM task_steps
		WHERE task_id = ?;
	`, taskID).Scan(&st.Count, &st.Failed, &st.TokensUsed, &st.DurationMS)
	if err != nil {
		return st, fmt.Errorf("step stats: %w", err)
	}
	return st, nil
}
