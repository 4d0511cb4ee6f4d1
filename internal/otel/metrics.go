package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TaskDuration   metric.Float64Histogram
	StepDuration   metric.Float64Histogram
	TokensUsed     metric.Int64Counter
	Claims         metric.Int64Counter
	Retries        metric.Int64Counter
	DeadLetters    metric.Int64Counter
	LeaseLost      metric.Int64Counter
	ParentsResumed metric.Int64Counter
	RPCDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskDuration, err = meter.Float64Histogram("clawtask.task.duration",
		metric.WithDescription("Wall time of one task execution attempt"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.StepDuration, err = meter.Float64Histogram("clawtask.step.duration",
		metric.WithDescription("Capability invocation time per step"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("clawtask.step.tokens",
		metric.WithDescription("Tokens reported by step invocations"),
	); err != nil {
		return nil, err
	}
	if m.Claims, err = meter.Int64Counter("clawtask.lease.claims",
		metric.WithDescription("Successful lease claims"),
	); err != nil {
		return nil, err
	}
	if m.Retries, err = meter.Int64Counter("clawtask.task.retries",
		metric.WithDescription("Tasks rescheduled after a retryable failure"),
	); err != nil {
		return nil, err
	}
	if m.DeadLetters, err = meter.Int64Counter("clawtask.task.dead_letters",
		metric.WithDescription("Tasks failed after exhausting retries"),
	); err != nil {
		return nil, err
	}
	if m.LeaseLost, err = meter.Int64Counter("clawtask.lease.lost",
		metric.WithDescription("Executions abandoned because the lease was lost"),
	); err != nil {
		return nil, err
	}
	if m.ParentsResumed, err = meter.Int64Counter("clawtask.subtasks.parents_resumed",
		metric.WithDescription("Parents resumed after all children finished"),
	); err != nil {
		return nil, err
	}
	if m.RPCDuration, err = meter.Float64Histogram("clawtask.rpc.duration",
		metric.WithDescription("Gateway JSON-RPC call duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordTask(ctx context.Context, agentID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrAgentID.String(agentID), AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordStep(ctx context.Context, strategy string, d time.Duration, tokens int64, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrStrategy.String(strategy), attribute.Bool("failed", failed))
	m.StepDuration.Record(ctx, d.Seconds(), attrs)
	if tokens > 0 {
		m.TokensUsed.Add(ctx, tokens, metric.WithAttributes(AttrStrategy.String(strategy)))
	}
}

func (m *Metrics) RecordClaim(ctx context.Context, reclaim bool) {
	if m == nil {
		return
	}
	m.Claims.Add(ctx, 1, metric.WithAttributes(attribute.Bool("reclaim", reclaim)))
}

func (m *Metrics) RecordRetry(ctx context.Context, agentID string) {
	if m == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID)))
}

func (m *Metrics) RecordDeadLetter(ctx context.Context, agentID string) {
	if m == nil {
		return
	}
	m.DeadLetters.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID)))
}

func (m *Metrics) RecordLeaseLost(ctx context.Context) {
	if m == nil {
		return
	}
	m.LeaseLost.Add(ctx, 1)
}

func (m *Metrics) RecordResume(ctx context.Context) {
	if m == nil {
		return
	}
	m.ParentsResumed.Add(ctx, 1)
}

func (m *Metrics) RecordRPC(ctx context.Context, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrMethod.String(method)))
}
