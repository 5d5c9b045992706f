package observer

import (
	"context"
	"time"

	kobold "github.com/hoardworks/kobold"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecordAgentRun records the terminal outcome of one agent run. Call it
// after AgentHandle.Await or from a Done watcher.
func (inst *Instruments) RecordAgentRun(ctx context.Context, role kobold.AgentRole, state kobold.AgentState, result kobold.RunResult, duration time.Duration) {
	attrs := metric.WithAttributes(
		AttrAgentRole.String(string(role)),
		attribute.String("state", state.String()),
	)
	inst.AgentRuns.Add(ctx, 1, attrs)
	inst.AgentDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		AttrAgentRole.String(string(role)),
	))
	inst.TokenUsage.Add(ctx, int64(result.Usage.InputTokens), metric.WithAttributes(
		AttrAgentRole.String(string(role)),
		attribute.String("direction", "input"),
	))
	inst.TokenUsage.Add(ctx, int64(result.Usage.OutputTokens), metric.WithAttributes(
		AttrAgentRole.String(string(role)),
		attribute.String("direction", "output"),
	))
}

// RecordCircuitOpen counts a provider circuit opening.
func (inst *Instruments) RecordCircuitOpen(ctx context.Context, provider string) {
	inst.CircuitOpens.Add(ctx, 1, metric.WithAttributes(
		AttrLLMProvider.String(provider),
	))
}
