// lease_recovery_crash is a two-process crash drill for lease recovery:
//
//	go run ./tools/verify/lease_recovery_crash -mode prepare -db /tmp/drill.db
//	go run ./tools/verify/lease_recovery_crash -mode claim-sleep -db /tmp/drill.db -ttl 2s &
//	kill -9 $!
//	sleep 3
//	go run ./tools/verify/lease_recovery_crash -mode recover -db /tmp/drill.db
//
// The killed worker never releases its lease, so recovery must put the task
// back to pending once the lease has expired.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/clawtask/internal/persistence"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	ttl := flag.Duration("ttl", 2*time.Second, "lease ttl taken by claim-sleep")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	switch *mode {
	case "prepare":
		err = prepare(ctx, store)
	case "claim-sleep":
		err = claimAndHang(ctx, store, *ttl)
	case "recover":
		err = recoverAndCheck(ctx, store)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", *mode, err)
		os.Exit(1)
	}
}

func prepare(ctx context.Context, store *persistence.Store) error {
	taskID, err := store.InsertTask(ctx, persistence.NewTask{
		AgentID:  "orchestrator",
		Priority: persistence.DefaultPriority,
		Payload:  persistence.TaskPayload{Goal: "lease-crash drill", MaxSteps: 1, Source: "drill"},
	})
	if err != nil {
		return err
	}
	fmt.Printf("PREPARED_TASK_ID=%s\n", taskID)
	return nil
}

// claimAndHang takes the lease and never heartbeats; the caller kills it.
func claimAndHang(ctx context.Context, store *persistence.Store, ttl time.Duration) error {
	workerID := fmt.Sprintf("drill-%d", os.Getpid())
	task, err := store.ClaimNext(ctx, workerID, ttl)
	if err != nil {
		return err
	}
	if task == nil {
		return errors.New("no claimable task")
	}
	fmt.Printf("CLAIMED_TASK_ID=%s LEASE_OWNER=%s\n", task.ID, workerID)
	for {
		time.Sleep(time.Minute)
	}
}

func recoverAndCheck(ctx context.Context, store *persistence.Store) error {
	recovered, err := store.RecoverStaleLeases(ctx)
	if err != nil {
		return fmt.Errorf("recover stale leases: %w", err)
	}
	fmt.Printf("RECOVERED=%d\n", recovered)
	if recovered == 0 {
		fmt.Println("VERDICT FAIL: nothing was recovered")
		return errors.New("no stale lease found")
	}
	tasks, err := store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}
	for _, task := range tasks {
		fmt.Printf("TASK_STATUS id=%s status=%s leased_by=%q\n", task.ID, task.Status, task.LeasedBy)
		if task.Status == persistence.TaskStatusRunning || task.LeasedBy != "" {
			fmt.Println("VERDICT FAIL: a task is still leased")
			return fmt.Errorf("task %s still leased by %q", task.ID, task.LeasedBy)
		}
	}
	fmt.Println("VERDICT PASS")
	return nil
}
