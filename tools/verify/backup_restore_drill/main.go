// backup_restore_drill runs tasks to completion, snapshots the database with
// VACUUM INTO, opens the copy and checks that tasks, steps and the event
// journal survived.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/clawtask/internal/checkpoint"
	"github.com/basket/clawtask/internal/persistence"
)

const taskCount = 40

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Printf("error=%v\n", err)
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	baseDir, err := os.MkdirTemp("", "clawtask-backup-drill-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "clawtask.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	const worker = "drill-worker"
	for i := 0; i < taskCount; i++ {
		taskID, err := store.InsertTask(ctx, persistence.NewTask{
			AgentID:  "orchestrator",
			Priority: persistence.DefaultPriority,
			Payload:  persistence.TaskPayload{Goal: fmt.Sprintf("backup-%d", i), MaxSteps: 1, Source: "drill"},
		})
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		task, err := store.ClaimNext(ctx, worker, time.Minute)
		if err != nil || task == nil {
			return fmt.Errorf("claim task: %v (claimed=%v)", err, task != nil)
		}
		if _, err := store.InsertStep(ctx, persistence.StepRecord{
			TaskID:         taskID,
			StepNo:         1,
			StepType:       persistence.StepTypeOrchestrator,
			Status:         persistence.StepStatusDone,
			IdempotencyKey: persistence.StepIdempotencyKey(taskID, task.Attempt, 1),
		}); err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
		if _, err := store.PersistStep(ctx, taskID, worker, func(st *checkpoint.State) { st.Step = 1 }); err != nil {
			return fmt.Errorf("persist step: %w", err)
		}
		if err := store.CompleteTask(ctx, taskID, worker, "ok", ""); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath, nil)
	if err != nil {
		return fmt.Errorf("open restore: %w", err)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	counts, err := restored.TaskCounts(ctx)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	var stepCount, eventCount int
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM task_steps;`).Scan(&stepCount); err != nil {
		return fmt.Errorf("count steps: %w", err)
	}
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&eventCount); err != nil {
		return fmt.Errorf("count events: %w", err)
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_done_tasks=%d\n", counts[persistence.TaskStatusDone])
	fmt.Printf("restored_task_steps=%d\n", stepCount)
	fmt.Printf("restored_task_events=%d\n", eventCount)

	if counts[persistence.TaskStatusDone] < taskCount || stepCount < taskCount || eventCount == 0 {
		return fmt.Errorf("restored copy is missing rows")
	}
	fmt.Println("VERDICT PASS")
	return nil
}
