package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/logging"
)

// ExecutionPipelineOptions configures an ExecutionPipeline.
type ExecutionPipelineOptions struct {
	// Clock supplies timestamps; defaults to the system clock.
	Clock core.Clock
	// Logger receives execution events; defaults to no-op.
	Logger logging.Logger
}

// ExecutionPipeline wraps server-executed tools with the bookkeeping every
// invocation needs: a ToolExecution row persisted pending before the body
// runs and finalized exactly once afterwards, a tracing span, an audit entry,
// and an outbox event on success.
//
// A tool failure is finalized, observed, and then returned to the caller so
// it aborts the enclosing turn; the pipeline never swallows it. Tools of a
// client kind are not executed here at all (they need a round-trip to the
// caller first).
type ExecutionPipeline struct {
	executions core.ToolExecutionStore
	audit      core.AuditLog
	outbox     core.Outbox
	obs        core.Observability
	clock      core.Clock
	logger     logging.Logger
}

// NewExecutionPipeline constructs an ExecutionPipeline over the given ports.
func NewExecutionPipeline(
	executions core.ToolExecutionStore,
	audit core.AuditLog,
	outbox core.Outbox,
	obs core.Observability,
	optFns ...func(o *ExecutionPipelineOptions),
) *ExecutionPipeline {
	opts := ExecutionPipelineOptions{
		Clock:  core.SystemClock(),
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &ExecutionPipeline{
		executions: executions,
		audit:      audit,
		outbox:     outbox,
		obs:        obs,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

// Execute runs one server tool call through the pipeline and returns the
// serialized tool output. The returned error, when non-nil, must abort the
// enclosing turn.
func (p *ExecutionPipeline) Execute(ctx context.Context, t Tool, inv Invocation) (json.RawMessage, error) {
	if t.Kind() != KindServer {
		return nil, NewToolError(t.Name(), fmt.Sprintf("tool kind %q is not server-executable", t.Kind()), "NOT_EXECUTABLE")
	}

	input, err := json.Marshal(inv.Input)
	if err != nil {
		return nil, fmt.Errorf("marshal tool input: %w", err)
	}

	ctx, span := p.obs.StartSpan(ctx, "tool.execute", map[string]any{
		"tool.name":    t.Name(),
		"tool.call_id": inv.ToolCallID,
		"run.id":       inv.RunID,
	})

	start := p.clock.Now()

	exec := &core.ToolExecution{
		ID:         core.ToolExecutionID(inv.RunID, inv.ToolCallID),
		TenantID:   inv.TenantID,
		RunID:      inv.RunID,
		ToolCallID: inv.ToolCallID,
		ToolName:   t.Name(),
		Input:      input,
		Status:     core.ToolExecutionPending,
		StartedAt:  start,
		TraceID:    span.TraceID(),
	}
	if err := p.executions.Create(ctx, exec); err != nil {
		span.End(err)
		return nil, fmt.Errorf("create tool execution: %w", err)
	}

	result, callErr := t.Call(ctx, inv)
	dur := p.clock.Now().Sub(start)

	if callErr != nil {
		return nil, p.fail(ctx, span, t, inv, input, callErr, dur)
	}

	output, err := json.Marshal(result)
	if err != nil {
		return nil, p.fail(ctx, span, t, inv, input, fmt.Errorf("marshal tool output: %w", err), dur)
	}

	if err := p.executions.Finalize(ctx, inv.TenantID, inv.RunID, inv.ToolCallID, core.ToolExecutionCompleted, output, ""); err != nil {
		span.End(err)
		return nil, fmt.Errorf("finalize tool execution: %w", err)
	}

	if err := p.audit.Write(ctx, core.AuditEntry{
		TenantID:    inv.TenantID,
		ActorUserID: inv.UserID,
		Action:      "tool.executed",
		TargetType:  "tool_execution",
		TargetID:    core.ToolExecutionID(inv.RunID, inv.ToolCallID),
		Details: map[string]any{
			"tool_name":    t.Name(),
			"tool_call_id": inv.ToolCallID,
			"run_id":       inv.RunID,
		},
		OccurredAt: p.clock.Now(),
	}); err != nil {
		span.End(err)
		return nil, fmt.Errorf("write audit entry: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"tenant_id":    inv.TenantID,
		"run_id":       inv.RunID,
		"tool_call_id": inv.ToolCallID,
		"tool_name":    t.Name(),
	})
	if err := p.outbox.Enqueue(ctx, core.OutboxEvent{
		ID:            uuid.NewString(),
		TenantID:      inv.TenantID,
		Type:          "tool.completed",
		Payload:       payload,
		CorrelationID: inv.RunID,
		EnqueuedAt:    p.clock.Now(),
	}); err != nil {
		span.End(err)
		return nil, fmt.Errorf("enqueue outbox event: %w", err)
	}

	p.obs.RecordToolObservation(ctx, core.ToolObservation{
		ToolName:   t.Name(),
		ToolCallID: inv.ToolCallID,
		RunID:      inv.RunID,
		Input:      input,
		Output:     output,
		Duration:   dur,
	})
	span.End(nil)

	logging.LogToolCall(p.logger, t.Name(), inv.ToolCallID, dur, nil)

	return output, nil
}

// fail finalizes a failed execution and hands the original error back so the
// turn aborts.
func (p *ExecutionPipeline) fail(ctx context.Context, span core.Span, t Tool, inv Invocation, input json.RawMessage, callErr error, dur time.Duration) error {
	if err := p.executions.Finalize(ctx, inv.TenantID, inv.RunID, inv.ToolCallID, core.ToolExecutionFailed, nil, callErr.Error()); err != nil {
		p.logger.Error("tool.exec.finalize_failed", "tool", t.Name(), "tool_call_id", inv.ToolCallID, "error", err.Error())
	}

	p.obs.RecordToolObservation(ctx, core.ToolObservation{
		ToolName:   t.Name(),
		ToolCallID: inv.ToolCallID,
		RunID:      inv.RunID,
		Input:      input,
		Error:      callErr.Error(),
		Duration:   dur,
	})
	p.obs.RecordError(ctx, callErr)
	span.End(callErr)

	logging.LogToolCall(p.logger, t.Name(), inv.ToolCallID, dur, callErr)

	return callErr
}
