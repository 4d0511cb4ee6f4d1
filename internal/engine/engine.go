package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
)

type Options struct {
	Store *persistence.Store
	// Agents maps agent_id to a named capability. The map is copied.
	Agents       map[string]Agent
	Orchestrator Orchestrator
	Emitter      Emitter
	Notifier     Notifier
	Settings     Settings
	Workers      int
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *otel.Metrics
	// Jitter feeds the backoff; nil uses math/rand.
	Jitter func() float64
}

type Status struct {
	Workers     int    `json:"workers"`
	ActiveTasks int32  `json:"active_tasks"`
	Processed   int64  `json:"processed"`
	LastError   string `json:"last_error,omitempty"`
}

// Engine runs worker loops that claim tasks and drive them through the
// step protocol.
type Engine struct {
	store        *persistence.Store
	agents       map[string]Agent
	orchestrator Orchestrator
	emitter      Emitter
	notifier     Notifier
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otel.Metrics
	jitter       func() float64
	workers      int

	settings atomic.Pointer[Settings]

	once sync.Once
	wg   sync.WaitGroup

	activeTasks atomic.Int32
	processed   atomic.Int64
	lastError   atomic.Pointer[string]
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine requires a store")
	}
	e := &Engine{
		store:        opts.Store,
		agents:       maps.Clone(opts.Agents),
		orchestrator: opts.Orchestrator,
		emitter:      opts.Emitter,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
		jitter:       opts.Jitter,
		workers:      opts.Workers,
	}
	if e.agents == nil {
		e.agents = map[string]Agent{}
	}
	if e.emitter == nil {
		e.emitter = nopEmitter{}
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	s := opts.Settings
	if s == (Settings{}) {
		s = DefaultSettings()
	}
	e.UpdateSettings(s)
	return e, nil
}

// Settings returns the current settings snapshot.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// UpdateSettings swaps the settings used from the next task on.
func (e *Engine) UpdateSettings(s Settings) {
	s = s.normalized()
	e.settings.Store(&s)
}

// HasAgent reports whether agentID can be executed.
func (e *Engine) HasAgent(agentID string) bool {
	_, err := e.strategyFor(agentID)
	return err == nil
}

// AgentIDs lists the registered named agents.
func (e *Engine) AgentIDs() []string {
	ids := make([]string, 0, len(e.agents))
	for id := range e.agents {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) Store() *persistence.Store { return e.store }

// Start recovers stale leases and launches the worker loops once.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		n, err := e.store.RecoverStaleLeases(ctx)
		if err != nil {
			e.logger.Error("stale lease recovery failed", "error", err)
		} else if n > 0 {
			e.logger.Info("recovered stale tasks on startup", "count", n)
		}
		prefix := workerPrefix()
		for i := 0; i < e.workers; i++ {
			workerID := fmt.Sprintf("%s-%d", prefix, i)
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.worker(ctx, workerID)
			}()
		}
	})
}

func workerPrefix() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (e *Engine) Wait() {
	e.wg.Wait()
}

// Drain waits up to timeout for the workers to exit after ctx is cancelled.
// Tasks still running keep their lease and are reclaimed once it expires.
func (e *Engine) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine drained cleanly")
		return true
	case <-time.After(timeout):
		e.logger.Warn("engine drain timeout; in-flight tasks will be reclaimed after lease expiry", "timeout", timeout)
		return false
	}
}

func (e *Engine) worker(ctx context.Context, workerID string) {
	logger := e.logger.With("worker_id", workerID)
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		ran, err := e.RunOnce(ctx, workerID)
		if err != nil {
			e.setLastError(err)
			logger.Error("claim failed", "error", err)
		}
		if ran {
			continue
		}
		timer := time.NewTimer(e.Settings().Tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce claims one task as workerID and executes it to a terminal or
// parked state. It reports whether a task was claimed.
func (e *Engine) RunOnce(ctx context.Context, workerID string) (bool, error) {
	settings := e.Settings()
	claimCtx, span := otel.StartSpan(ctx, e.tracer, "task.claim", otel.AttrWorkerID.String(workerID))
	task, err := e.store.ClaimNext(claimCtx, workerID, settings.LeaseTTL)
	otel.EndSpan(span, err)
	if err != nil {
		return false, fmt.Errorf("claim next task: %w", err)
	}
	if task == nil {
		return false, nil
	}
	e.metrics.RecordClaim(ctx, task.Reclaimed)
	e.handleTask(ctx, workerID, task, settings)
	e.processed.Add(1)
	return true, nil
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}

func (e *Engine) Status() Status {
	st := Status{
		Workers:     e.workers,
		ActiveTasks: e.activeTasks.Load(),
		Processed:   e.processed.Load(),
	}
	if ptr := e.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}
