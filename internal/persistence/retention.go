package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTasks  int64 `json:"purged_tasks"`
	PurgedSteps  int64 `json:"purged_steps"`
	PurgedEvents int64 `json:"purged_events"`
	PurgedAudit  int64 `json:"purged_audit"`
}

// DeleteOlderThan removes terminal tasks last updated before cutoff, with
// their steps and events. A terminal parent whose children are still active
// is kept. The job is idempotent.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (RetentionResult, error) {
	var result RetentionResult
	err := s.inTx(ctx, "retention", func(tx *sql.Tx) error {
		result = RetentionResult{}
		const victims = `
			SELECT t.task_id FROM tasks t
			WHERE t.status IN ('done', 'failed', 'cancelled')
			  AND t.updated_at < ?
			  AND NOT EXISTS (
				SELECT 1 FROM tasks c
				WHERE c.parent_id = t.task_id AND c.status NOT IN ('done', 'failed', 'cancelled')
			  )`
		cut := millis(cutoff)

		res, err := tx.ExecContext(ctx, `DELETE FROM task_steps WHERE task_id IN (`+victims+`);`, cut)
		if err != nil {
			return fmt.Errorf("purge task_steps: %w", err)
		}
		result.PurgedSteps, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id IN (`+victims+`);`, cut)
		if err != nil {
			return fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedEvents, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id IN (`+victims+`);`, cut)
		if err != nil {
			return fmt.Errorf("purge tasks: %w", err)
		}
		result.PurgedTasks, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.UTC().Format("2006-01-02 15:04:05"))
		if err != nil {
			return fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAudit, _ = res.RowsAffected()
		return nil
	})
	return result, err
}
