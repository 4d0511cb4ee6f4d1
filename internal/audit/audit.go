// Package audit keeps an append-only record of operator decisions: task
// cancellations, review answers, rejected submissions and schema
// migrations. Entries go to logs/audit.jsonl and, once a database is
// attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawtask/internal/shared"
)

// Decisions recorded by callers.
const (
	Allow = "allow"
	Deny  = "deny"
	Fatal = "fatal"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record writes one entry. It never fails the caller.
func Record(decision, action, reason, subject string) {
	RecordCtx(context.Background(), decision, action, reason, subject)
}

// RecordCtx is Record with the correlation ids of ctx attached.
func RecordCtx(ctx context.Context, decision, action, reason, subject string) {
	if decision == Deny {
		denyCount.Add(1)
	}
	sc := shared.ScopeOf(ctx)
	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   sc.TraceID,
		TaskID:    sc.TaskID,
		WorkerID:  sc.WorkerID,
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
	}

	mu.Lock()
	defer mu.Unlock()
	writeFile(e)
	writeDB(e)
}

func writeFile(e entry) {
	if file == nil {
		return
	}
	if b, err := json.Marshal(e); err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// writeDB stores the row without the task and worker ids; they live in the
// task_events table for task-scoped actions.
func writeDB(e entry) {
	if db == nil {
		return
	}
	_, _ = db.ExecContext(context.Background(), `
		INSERT INTO audit_log (trace_id, subject, action, decision, reason)
		VALUES (NULLIF(?, ''), ?, ?, ?, ?);
	`, e.TraceID, e.Subject, e.Action, e.Decision, e.Reason)
}
