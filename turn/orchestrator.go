// Package turn orchestrates one conversation turn: idempotency gating,
// run bookkeeping, bounded context assembly with task resumption, the
// model/tool loop, and settlement of the idempotency record.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/idempotency"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/tool"
)

const (
	// DefaultActionKey scopes turn idempotency records.
	DefaultActionKey = "chat.turn"
	// DefaultMaxSteps bounds the model/tool loop within one turn.
	DefaultMaxSteps = 8
)

// Request is one inbound turn request.
type Request struct {
	// TenantID owns every entity the turn touches.
	TenantID string
	// UserID is the acting user, when known.
	UserID *string
	// RunID optionally pins the run. Supplying an existing id reuses that
	// run; empty means a fresh server-assigned id.
	RunID string
	// IdempotencyKey makes retries of this request safe. Required.
	IdempotencyKey string
	// ActionKey scopes the idempotency record; defaults to DefaultActionKey.
	ActionKey string
	// Messages are the newly arrived messages, merged into stored history
	// by id.
	Messages []core.Message
}

// ResultKind classifies the outcome of ExecuteTurn.
type ResultKind string

const (
	// ResultCompleted means the turn executed and produced a response.
	ResultCompleted ResultKind = "completed"
	// ResultReplay means a previous execution's frozen response was returned
	// without re-executing side effects.
	ResultReplay ResultKind = "replay"
	// ResultInProgress means an identical request is still executing; retry
	// after RetryAfter.
	ResultInProgress ResultKind = "in_progress"
	// ResultMismatch means the idempotency key was reused with a different
	// payload. Client error.
	ResultMismatch ResultKind = "mismatch"
	// ResultFailed means a previous execution failed; the frozen failure is
	// returned.
	ResultFailed ResultKind = "failed"
)

// Result is the outcome of one ExecuteTurn call.
type Result struct {
	Kind           ResultKind
	RunID          string
	ResponseStatus int
	ResponseBody   json.RawMessage
	RetryAfter     time.Duration
	// Message is the final assistant message; set only for ResultCompleted.
	Message *core.Message
	// Task is the task snapshot after the turn; set only for ResultCompleted.
	Task *core.TaskState
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// ContextBuilder bounds the model input; defaults to the standard window.
	ContextBuilder *ContextBuilder
	// Tracker derives task state; defaults to the collect_inputs tracker.
	Tracker *Tracker
	// MaxSteps bounds the model/tool loop; defaults to DefaultMaxSteps.
	MaxSteps int
	// Clock supplies timestamps; defaults to the system clock.
	Clock core.Clock
	// Logger receives turn events; defaults to no-op.
	Logger logging.Logger
}

// Orchestrator sequences one turn end to end. It is safe for concurrent use;
// all mutable state lives behind the injected ports.
type Orchestrator struct {
	coordinator *idempotency.Coordinator
	runs        core.RunStore
	messages    core.MessageStore
	registry    tool.Registry
	pipeline    *tool.ExecutionPipeline
	chatModel   model.ChatModel
	audit       core.AuditLog
	obs         core.Observability
	builder     *ContextBuilder
	tracker     *Tracker
	maxSteps    int
	clock       core.Clock
	logger      logging.Logger
}

// NewOrchestrator constructs an Orchestrator over the given collaborators.
func NewOrchestrator(
	coordinator *idempotency.Coordinator,
	runs core.RunStore,
	messages core.MessageStore,
	registry tool.Registry,
	pipeline *tool.ExecutionPipeline,
	chatModel model.ChatModel,
	audit core.AuditLog,
	obs core.Observability,
	optFns ...func(o *OrchestratorOptions),
) *Orchestrator {
	opts := OrchestratorOptions{
		ContextBuilder: NewContextBuilder(),
		Tracker:        NewTracker(),
		MaxSteps:       DefaultMaxSteps,
		Clock:          core.SystemClock(),
		Logger:         logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Orchestrator{
		coordinator: coordinator,
		runs:        runs,
		messages:    messages,
		registry:    registry,
		pipeline:    pipeline,
		chatModel:   chatModel,
		audit:       audit,
		obs:         obs,
		builder:     opts.ContextBuilder,
		tracker:     opts.Tracker,
		maxSteps:    opts.MaxSteps,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
}

// ExecuteTurn runs one turn through the gate and, when admitted, the active
// phase. Gate outcomes (replay, in-progress, mismatch, frozen failure) are
// values, not errors. A non-nil error means the active phase aborted; the
// idempotency record has been settled as failed with a generic body, and
// partially written messages are left in place.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, req Request) (*Result, error) {
	if req.TenantID == "" || req.IdempotencyKey == "" {
		return nil, fmt.Errorf("tenant id and idempotency key are required")
	}

	actionKey := req.ActionKey
	if actionKey == "" {
		actionKey = DefaultActionKey
	}

	key := idempotency.Key{
		TenantID:       req.TenantID,
		ActionKey:      actionKey,
		IdempotencyKey: req.IdempotencyKey,
	}

	decision, err := o.coordinator.Decide(ctx, key, idempotency.RequestHash(req.Messages))
	if err != nil {
		return nil, err
	}

	logger := logging.WithRun(o.logger, req.TenantID, req.RunID)

	switch decision.Outcome {
	case idempotency.OutcomeReplay:
		logger.Info("turn.gate.replay", "idempotency_key", req.IdempotencyKey)
		return &Result{
			Kind:           ResultReplay,
			ResponseStatus: decision.ResponseStatus,
			ResponseBody:   decision.ResponseBody,
		}, nil
	case idempotency.OutcomeInProgress:
		return &Result{
			Kind:       ResultInProgress,
			RetryAfter: decision.RetryAfter,
		}, nil
	case idempotency.OutcomeMismatch:
		logger.Warn("turn.gate.mismatch", "idempotency_key", req.IdempotencyKey)
		return &Result{
			Kind:           ResultMismatch,
			ResponseStatus: 409,
			ResponseBody:   json.RawMessage(`{"error":"idempotency key reused with a different payload"}`),
		}, nil
	case idempotency.OutcomeFailed:
		return &Result{
			Kind:           ResultFailed,
			ResponseStatus: decision.ResponseStatus,
			ResponseBody:   decision.ResponseBody,
		}, nil
	}

	// Settlement runs on a detached context: a turn aborted by request
	// cancellation (client disconnect) must still freeze its record, or
	// every retry would see in_progress forever.
	settleCtx := context.WithoutCancel(ctx)

	result, err := o.runActive(ctx, req, logger)
	if err != nil {
		// Freeze a generic failure so retries observe a stable outcome
		// instead of re-executing side effects. Partial messages are not
		// rolled back.
		if failErr := o.coordinator.Fail(settleCtx, key, 500, json.RawMessage(`{"error":"internal error"}`)); failErr != nil {
			logger.Error("turn.settle.fail_error", "error", failErr.Error())
		}
		return nil, err
	}

	body, _ := json.Marshal(map[string]any{
		"run_id":     result.RunID,
		"message_id": result.Message.ID,
		"text":       result.Message.Text(),
	})
	if err := o.coordinator.Complete(settleCtx, key, 200, body); err != nil {
		return nil, err
	}

	result.ResponseStatus = 200
	result.ResponseBody = body

	return result, nil
}

// runActive executes the admitted turn: resolve the run, merge history, and
// drive the model/tool loop until a final assistant message without pending
// server tool calls is produced.
func (o *Orchestrator) runActive(ctx context.Context, req Request, logger logging.Logger) (*Result, error) {
	ctx, span := o.obs.StartSpan(ctx, "turn.execute", map[string]any{
		"tenant.id": req.TenantID,
	})

	runID := req.RunID
	if runID == "" {
		runID = core.NewID()
	}

	run, err := o.runs.Create(ctx, &core.Run{
		ID:        runID,
		TenantID:  req.TenantID,
		CreatedBy: req.UserID,
		Status:    core.RunRunning,
		StartedAt: o.clock.Now(),
		TraceID:   span.TraceID(),
	})
	if err != nil {
		span.End(err)
		return nil, fmt.Errorf("create run: %w", err)
	}

	stored, err := o.messages.Load(ctx, req.TenantID, runID)
	if err != nil {
		span.End(err)
		return nil, fmt.Errorf("load messages: %w", err)
	}

	incoming := o.normalize(req, runID)
	if err := o.messages.Save(ctx, req.TenantID, runID, incoming); err != nil {
		span.End(err)
		return nil, fmt.Errorf("save messages: %w", err)
	}

	history := core.MergeMessages(stored, incoming)
	task := o.tracker.Derive(history, run.Task)

	tools, err := o.registry.ListForTenant(ctx, req.TenantID)
	if err != nil {
		span.End(err)
		return nil, fmt.Errorf("list tools: %w", err)
	}

	final, history, task, err := o.loop(ctx, req, run, history, task, tools, logger)
	if err != nil {
		span.End(err)
		return nil, err
	}

	if err := o.runs.UpdateTask(ctx, req.TenantID, runID, task); err != nil {
		span.End(err)
		return nil, fmt.Errorf("update run task: %w", err)
	}

	finishedAt := o.clock.Now()
	if err := o.runs.UpdateStatus(ctx, req.TenantID, runID, core.RunCompleted, &finishedAt); err != nil {
		span.End(err)
		return nil, fmt.Errorf("update run status: %w", err)
	}

	if err := o.audit.Write(ctx, core.AuditEntry{
		TenantID:    req.TenantID,
		ActorUserID: req.UserID,
		Action:      "turn.completed",
		TargetType:  "run",
		TargetID:    runID,
		Details:     map[string]any{"message_id": final.ID},
		OccurredAt:  finishedAt,
	}); err != nil {
		span.End(err)
		return nil, fmt.Errorf("write audit entry: %w", err)
	}

	span.End(nil)
	logger.Info("turn.completed", "run_id", runID, "message_id", final.ID)

	return &Result{
		Kind:    ResultCompleted,
		RunID:   runID,
		Message: final,
		Task:    task,
	}, nil
}

// normalize stamps tenant, run, id and timestamp onto incoming messages so
// retries carrying the same ids merge instead of duplicating.
func (o *Orchestrator) normalize(req Request, runID string) []core.Message {
	out := make([]core.Message, len(req.Messages))
	for i, msg := range req.Messages {
		msg.TenantID = req.TenantID
		msg.RunID = runID
		if msg.ID == "" {
			msg.ID = core.NewID()
		}
		if msg.Role == "" {
			msg.Role = core.RoleUser
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = o.clock.Now()
		}
		out[i] = msg
	}
	return out
}

// loop drives model generation and server tool execution until the model
// stops requesting executable tools.
func (o *Orchestrator) loop(
	ctx context.Context,
	req Request,
	run *core.Run,
	history []core.Message,
	task *core.TaskState,
	tools []tool.Tool,
	logger logging.Logger,
) (*core.Message, []core.Message, *core.TaskState, error) {
	defs := toolDefinitions(tools)

	for step := 0; step < o.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, history, task, err
		}

		assistant, err := o.generate(ctx, model.Request{
			Messages: o.builder.Build(history, task),
			Tools:    defs,
			TenantID: req.TenantID,
			RunID:    run.ID,
			TraceID:  run.TraceID,
			UserID:   req.UserID,
		})
		if err != nil {
			return nil, history, task, fmt.Errorf("model generate: %w", err)
		}

		assistant.TenantID = req.TenantID
		assistant.RunID = run.ID
		if assistant.ID == "" {
			assistant.ID = core.NewID()
		}
		if assistant.CreatedAt.IsZero() {
			assistant.CreatedAt = o.clock.Now()
		}

		if err := o.messages.Save(ctx, req.TenantID, run.ID, []core.Message{*assistant}); err != nil {
			return nil, history, task, fmt.Errorf("save assistant message: %w", err)
		}
		history = core.MergeMessages(history, []core.Message{*assistant})

		executed, err := o.executeServerTools(ctx, req, run.ID, assistant)
		if err != nil {
			return nil, history, task, err
		}

		if executed > 0 {
			// Tool results were appended onto the assistant message; re-save
			// it so the stored copy carries them (same id, merge by id).
			if err := o.messages.Save(ctx, req.TenantID, run.ID, []core.Message{*assistant}); err != nil {
				return nil, history, task, fmt.Errorf("save tool results: %w", err)
			}
			history = core.MergeMessages(history, []core.Message{*assistant})
		}

		task = o.tracker.Derive(history, task)

		if executed == 0 {
			return assistant, history, task, nil
		}

		logger.Debug("turn.step", "run_id", run.ID, "step", step, "tools_executed", executed)
	}

	return nil, history, task, fmt.Errorf("turn exceeded %d model steps", o.maxSteps)
}

// generate drains one model invocation and returns the final assistant
// message. Partial chunks are ignored; the last non-partial response wins.
func (o *Orchestrator) generate(ctx context.Context, req model.Request) (*core.Message, error) {
	respCh, errCh := o.chatModel.Generate(ctx, req)

	var final *core.Message
	for resp := range respCh {
		if resp.Partial {
			continue
		}
		msg := resp.Message
		final = &msg
	}

	if err := <-errCh; err != nil {
		return nil, err
	}

	if final == nil {
		return nil, fmt.Errorf("model produced no final response")
	}

	return final, nil
}

// executeServerTools runs every unanswered server tool call on the assistant
// message through the pipeline, appending results onto the same message.
// Client-kind and unknown tools are left pending for the caller's round trip.
// The first failure aborts the turn.
func (o *Orchestrator) executeServerTools(ctx context.Context, req Request, runID string, assistant *core.Message) (int, error) {
	executed := 0

	for _, call := range assistant.ToolCalls() {
		if assistant.HasToolResult(call.ID) {
			continue
		}

		t, err := o.registry.Get(ctx, req.TenantID, call.Name)
		if err != nil {
			return executed, fmt.Errorf("resolve tool %q: %w", call.Name, err)
		}
		if t == nil || t.Kind() != tool.KindServer {
			continue
		}

		var input map[string]any
		if len(call.Input) > 0 {
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return executed, fmt.Errorf("decode input for tool %q: %w", call.Name, err)
			}
		}

		output, err := o.pipeline.Execute(ctx, t, tool.Invocation{
			TenantID:   req.TenantID,
			UserID:     req.UserID,
			RunID:      runID,
			ToolCallID: call.ID,
			Input:      input,
		})
		if err != nil {
			return executed, err
		}

		assistant.Parts = append(assistant.Parts, core.ToolResultPart{
			ToolResult: core.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Output:     output,
			},
		})
		executed++
	}

	return executed, nil
}

func toolDefinitions(tools []tool.Tool) []model.ToolDefinition {
	defs := make([]model.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}
