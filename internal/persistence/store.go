package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/checkpoint"
	"github.com/basket/clawtask/internal/shared"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ct-v1-2026-10-19-task-engine"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1

	busyRetries = 5
)

// Deterministic reason codes for retry and terminal states.
const (
	ReasonRetryStepError        = "RETRY_STEP_ERROR"
	ReasonDeadLetterMaxAttempts = "DEAD_LETTER_MAX_ATTEMPTS"
	ReasonNonRetryable          = "NON_RETRYABLE"
	ReasonAgentRefused          = "AGENT_REFUSED"
	ReasonPanic                 = "PANIC"
	ReasonCanceled              = "CANCELED"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrLeaseLost is returned by fenced writes when the caller no longer
	// holds an unexpired lease on the task.
	ErrLeaseLost = errors.New("task lease lost")
	// ErrDepthExceeded is returned when a sub-task would exceed the depth limit.
	ErrDepthExceeded = errors.New("sub-task depth limit exceeded")
)

// StateError reports an operation attempted from a status that does not
// allow it.
type StateError struct {
	TaskID string
	Status TaskStatus
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %s is %s: cannot %s", e.TaskID, e.Status, e.Op)
}

type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusRetryScheduled  TaskStatus = "retry_scheduled"
	TaskStatusWaitingSubtasks TaskStatus = "waiting_subtasks"
	TaskStatusHumanReview     TaskStatus = "human_review"
	TaskStatusDone            TaskStatus = "done"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ActiveStatuses are the statuses listed by ListActive.
var ActiveStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusRunning,
	TaskStatusRetryScheduled,
	TaskStatusWaitingSubtasks,
	TaskStatusHumanReview,
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusRunning:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusRunning: {
		TaskStatusRunning:         {}, // Reclaim after lease expiry.
		TaskStatusDone:            {},
		TaskStatusFailed:          {},
		TaskStatusRetryScheduled:  {},
		TaskStatusWaitingSubtasks: {},
		TaskStatusHumanReview:     {},
		TaskStatusPending:         {}, // Startup recovery.
	},
	TaskStatusRetryScheduled: {
		TaskStatusRunning:   {},
		TaskStatusFailed:    {},
		TaskStatusCancelled: {},
	},
	TaskStatusWaitingSubtasks: {
		TaskStatusPending:   {},
		TaskStatusCancelled: {},
	},
	TaskStatusHumanReview: {
		TaskStatusPending:   {},
		TaskStatusCancelled: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TaskPayload is the immutable submission payload.
type TaskPayload struct {
	Goal     string `json:"goal"`
	MaxSteps int    `json:"max_steps"`
	Source   string `json:"source,omitempty"`
}

type Task struct {
	ID             string      `json:"task_id"`
	ParentID       string      `json:"parent_id,omitempty"`
	RunID          string      `json:"run_id"`
	AgentID        string      `json:"agent_id"`
	Status         TaskStatus  `json:"status"`
	Priority       int         `json:"priority"`
	Payload        TaskPayload `json:"payload"`
	Result         string      `json:"result,omitempty"`
	Checkpoint     string      `json:"checkpoint,omitempty"`
	Error          string      `json:"error,omitempty"`
	LastErrorCode  string      `json:"last_error_code,omitempty"`
	Attempt        int         `json:"attempt_no"`
	ScheduleAt     time.Time   `json:"schedule_at"`
	LeasedBy       string      `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time  `json:"lease_exp,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`

	// Reclaimed is set by ClaimNext when the previous holder's lease had
	// expired while the task was running.
	Reclaimed bool `json:"-"`
}

// State decodes the task checkpoint, returning a fresh state when none
// has been written yet.
func (t *Task) State() (*checkpoint.State, error) {
	st, err := checkpoint.Decode(t.Checkpoint)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = checkpoint.New(t.Payload.Goal)
	}
	return st, nil
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests

	clockMu sync.RWMutex
	clock   func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawtask", "clawtask.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN so that the
	// select-then-update claim cannot interleave with another process.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, clock: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for schedule and lease arithmetic.
func (s *Store) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.clock = now
}

func (s *Store) now() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.clock().UTC()
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy runs f up to maxRetries+1 times while it keeps failing with
// lock contention. The driver's busy_timeout has already waited by then, so
// the extra delay here is short.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		t := time.NewTimer(busyDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// busyDelay doubles from 50ms up to 500ms, then takes 75-125% of that.
func busyDelay(attempt int) time.Duration {
	d := min(50*time.Millisecond<<uint(attempt), 500*time.Millisecond)
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)+1))
}

// isSQLiteBusy reports SQLITE_BUSY / SQLITE_LOCKED, either as a driver error
// or as its message after the error was flattened by a wrapper.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// inTx runs f in a committed transaction, retrying lock contention.
func (s *Store) inTx(ctx context.Context, name string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", name, err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", name, err)
		}
		return nil
	})
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			parent_id TEXT,
			run_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'retry_scheduled', 'waiting_subtasks', 'human_review', 'done', 'failed', 'cancelled')),
			priority INTEGER NOT NULL DEFAULT 5,
			payload TEXT NOT NULL,
			result TEXT,
			checkpoint TEXT,
			error TEXT,
			last_error_code TEXT,
			attempt_no INTEGER NOT NULL DEFAULT 0,
			schedule_at INTEGER NOT NULL,
			leased_by TEXT,
			lease_exp INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_steps (
			step_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			step_no INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('done', 'failed')),
			idempotency_key TEXT UNIQUE,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error_code TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(task_id) ON DELETE CASCADE,
			run_id TEXT,
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, schedule_at, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(lease_exp);`,
		`CREATE INDEX IF NOT EXISTS idx_task_steps_task ON task_steps(task_id, step_no);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record(audit.Allow, "data.migration", "migration_applied",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest))
	return nil
}

const taskColumns = `
	task_id, COALESCE(parent_id, ''), run_id, agent_id, status, priority, payload,
	COALESCE(result, ''), COALESCE(checkpoint, ''), COALESCE(error, ''),
	COALESCE(last_error_code, ''), attempt_no, schedule_at,
	COALESCE(leased_by, ''), lease_exp, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		payload                          string
		scheduleAt, createdAt, updatedAt int64
		leaseExp                         sql.NullInt64
	)
	if err := scanFn(
		&task.ID,
		&task.ParentID,
		&task.RunID,
		&task.AgentID,
		&task.Status,
		&task.Priority,
		&payload,
		&task.Result,
		&task.Checkpoint,
		&task.Error,
		&task.LastErrorCode,
		&task.Attempt,
		&scheduleAt,
		&task.LeasedBy,
		&leaseExp,
		&createdAt,
		&updatedAt,
	); err != nil {
		return err
	}
	if err := decodePayload(payload, &task.Payload); err != nil {
		return err
	}
	task.ScheduleAt = fromMillis(scheduleAt)
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	if leaseExp.Valid {
		t := fromMillis(leaseExp.Int64)
		task.LeaseExpiresAt = &t
	} else {
		task.LeaseExpiresAt = nil
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID, runID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	if ctxRun := shared.ScopeOf(ctx).RunID; ctxRun != "" {
		runID = ctxRun
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, run_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, taskID, runID, shared.TraceID(ctx), eventType, string(from), string(to), payload, millis(s.now()))
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transition describes a conditional status change applied by transitionTaskTx.
type transition struct {
	allowedFrom []TaskStatus
	to          TaskStatus
	// leaseOwner, when set, fences the write on an unexpired lease held by
	// this owner.
	leaseOwner string
	eventType  string
	payload    string
	result     *string
	errMsg     *string
	errCode    *string
	clearLease bool
	scheduleAt *time.Time
	// mutate edits the checkpoint in the same transaction. The checkpoint
	// status field is always synced to the new status.
	mutate func(*checkpoint.State)
}

// transitionTaskTx applies tr if the task's current status is allowed. It
// returns the previous status and whether the row changed.
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, tr transition) (TaskStatus, bool, error) {
	var (
		current  TaskStatus
		runID    string
		leasedBy string
		leaseExp sql.NullInt64
		raw      string
		payload  string
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT status, run_id, COALESCE(leased_by, ''), lease_exp, COALESCE(checkpoint, ''), payload
		FROM tasks
		WHERE task_id = ?;
	`, taskID).Scan(&current, &runID, &leasedBy, &leaseExp, &raw, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, ErrNotFound
		}
		return "", false, fmt.Errorf("select task for transition: %w", err)
	}
	now := s.now()
	if tr.leaseOwner != "" {
		if leasedBy != tr.leaseOwner || !leaseExp.Valid || leaseExp.Int64 <= millis(now) {
			return current, false, nil
		}
	}
	if !slices.Contains(tr.allowedFrom, current) {
		return current, false, nil
	}
	if !canTransition(current, tr.to) {
		return current, false, fmt.Errorf("illegal transition %s -> %s", current, tr.to)
	}

	st, err := checkpoint.Decode(raw)
	if err != nil {
		return current, false, err
	}
	if st == nil {
		var p TaskPayload
		if err := decodePayload(payload, &p); err != nil {
			return current, false, err
		}
		st = checkpoint.New(p.Goal)
	}
	if tr.mutate != nil {
		tr.mutate(st)
	}
	st.Status = string(tr.to)
	encoded, err := st.Encode()
	if err != nil {
		return current, false, err
	}

	sets := []string{"status = ?", "checkpoint = ?", "updated_at = ?"}
	args := []any{tr.to, encoded, millis(now)}
	if tr.result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *tr.result)
	}
	if tr.errMsg != nil {
		sets = append(sets, "error = NULLIF(?, '')")
		args = append(args, shared.Redact(*tr.errMsg))
	}
	if tr.errCode != nil {
		sets = append(sets, "last_error_code = NULLIF(?, '')")
		args = append(args, *tr.errCode)
	}
	if tr.clearLease {
		sets = append(sets, "leased_by = NULL", "lease_exp = NULL")
	}
	if tr.scheduleAt != nil {
		sets = append(sets, "schedule_at = ?")
		args = append(args, millis(*tr.scheduleAt))
	}
	args = append(args, taskID, current)

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET `+strings.Join(sets, ", ")+`
		WHERE task_id = ? AND status = ?;
	`, args...)
	if err != nil {
		return current, false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, runID, current, tr.to, tr.eventType, tr.payload); err != nil {
		return current, false, err
	}
	return current, true, nil
}
