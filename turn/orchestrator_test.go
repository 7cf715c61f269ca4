package turn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/idempotency"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/store"
	"github.com/hupe1980/turnmesh/telemetry"
	"github.com/hupe1980/turnmesh/tool"
	"github.com/hupe1980/turnmesh/turn"
)

// capturingModel records every request before delegating to the mock.
type capturingModel struct {
	mock *model.MockModel

	mu       sync.Mutex
	requests []model.Request
}

func (c *capturingModel) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	return c.mock.Generate(ctx, req)
}

func (c *capturingModel) Info() model.Info { return c.mock.Info() }

func (c *capturingModel) Requests() []model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]model.Request, len(c.requests))
	copy(out, c.requests)

	return out
}

type fixture struct {
	orchestrator *turn.Orchestrator
	coordinator  *idempotency.Coordinator
	chatModel    *capturingModel
	runs         *store.InMemoryRunStore
	messages     *store.InMemoryMessageStore
	executions   *store.InMemoryToolExecutionStore
	audit        *store.InMemoryAuditLog
	outbox       *store.InMemoryOutbox
}

func newFixture(tools ...tool.Tool) *fixture {
	runs := store.NewInMemoryRunStore()
	messages := store.NewInMemoryMessageStore()
	executions := store.NewInMemoryToolExecutionStore()
	audit := store.NewInMemoryAuditLog()
	outbox := store.NewInMemoryOutbox()
	obs := telemetry.NoopObservability{}

	coordinator := idempotency.NewCoordinator(idempotency.NewInMemoryStore())
	pipeline := tool.NewExecutionPipeline(executions, audit, outbox, obs)
	chatModel := &capturingModel{mock: model.NewMockModel()}

	orchestrator := turn.NewOrchestrator(
		coordinator,
		runs,
		messages,
		tool.NewStaticRegistry(tools...),
		pipeline,
		chatModel,
		audit,
		obs,
	)

	return &fixture{
		orchestrator: orchestrator,
		coordinator:  coordinator,
		chatModel:    chatModel,
		runs:         runs,
		messages:     messages,
		executions:   executions,
		audit:        audit,
		outbox:       outbox,
	}
}

func userRequest(idemKey, text string) turn.Request {
	return turn.Request{
		TenantID:       "tenant-1",
		RunID:          "run-1",
		IdempotencyKey: idemKey,
		Messages: []core.Message{{
			ID:    "msg-" + idemKey,
			Role:  core.RoleUser,
			Parts: []core.Part{core.TextPart{Text: text}},
		}},
	}
}

func echoServerTool() tool.Tool {
	return tool.NewFunctionTool(
		"echo",
		"Echo the given text",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		func(_ context.Context, inv tool.Invocation) (any, error) {
			return map[string]any{"echo": inv.Input["text"]}, nil
		},
	)
}

func TestExecuteTurn_CompletesSimpleTurn(t *testing.T) {
	f := newFixture()
	f.chatModel.mock.Script(model.TextResponse("Hello!"))

	result, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, turn.ResultCompleted, result.Kind)
	assert.Equal(t, 200, result.ResponseStatus)
	require.NotNil(t, result.Message)
	assert.Equal(t, "Hello!", result.Message.Text())

	run, err := f.runs.Get(context.Background(), "tenant-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)

	history, err := f.messages.Load(context.Background(), "tenant-1", "run-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, core.RoleUser, history[0].Role)
	assert.Equal(t, core.RoleAssistant, history[1].Role)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "turn.completed", entries[0].Action)
	assert.Equal(t, "run-1", entries[0].TargetID)
}

func TestExecuteTurn_ReplayDoesNotReExecute(t *testing.T) {
	f := newFixture()
	f.chatModel.mock.Script(model.TextResponse("Hello!"))

	first, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "hi"))
	require.NoError(t, err)
	require.Equal(t, turn.ResultCompleted, first.Kind)

	second, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "hi"))
	require.NoError(t, err)
	assert.Equal(t, turn.ResultReplay, second.Kind)
	assert.Equal(t, first.ResponseStatus, second.ResponseStatus)
	assert.JSONEq(t, string(first.ResponseBody), string(second.ResponseBody))

	assert.Equal(t, 1, f.chatModel.mock.Calls())
}

func TestExecuteTurn_MismatchOnReusedKey(t *testing.T) {
	f := newFixture()
	f.chatModel.mock.Script(model.TextResponse("Hello!"))

	_, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "hi"))
	require.NoError(t, err)

	result, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "different payload"))
	require.NoError(t, err)
	assert.Equal(t, turn.ResultMismatch, result.Kind)
	assert.Equal(t, 409, result.ResponseStatus)
	assert.Equal(t, 1, f.chatModel.mock.Calls())
}

func TestExecuteTurn_InProgressDuplicate(t *testing.T) {
	f := newFixture()

	req := userRequest("idem-1", "hi")
	key := idempotency.Key{TenantID: "tenant-1", ActionKey: turn.DefaultActionKey, IdempotencyKey: "idem-1"}

	// Simulate a concurrent identical request still executing.
	dec, err := f.coordinator.Decide(context.Background(), key, idempotency.RequestHash(req.Messages))
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeStarted, dec.Outcome)

	result, err := f.orchestrator.ExecuteTurn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, turn.ResultInProgress, result.Kind)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.Equal(t, 0, f.chatModel.mock.Calls())
}

func TestExecuteTurn_ServerToolRoundTrip(t *testing.T) {
	f := newFixture(echoServerTool())
	f.chatModel.mock.Script(model.ToolCallResponse("call-1", "echo", map[string]any{"text": "hi"}))
	f.chatModel.mock.Script(model.TextResponse("The echo said: hi"))

	result, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "please echo hi"))
	require.NoError(t, err)
	assert.Equal(t, turn.ResultCompleted, result.Kind)
	assert.Equal(t, "The echo said: hi", result.Message.Text())
	assert.Equal(t, 2, f.chatModel.mock.Calls())

	exec, err := f.executions.Get(context.Background(), "tenant-1", "run-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, core.ToolExecutionCompleted, exec.Status)
	assert.JSONEq(t, `{"echo":"hi"}`, string(exec.Output))

	// The tool result was merged back onto the same assistant message.
	history, err := f.messages.Load(context.Background(), "tenant-1", "run-1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assistant := history[1]
	require.Len(t, assistant.ToolCalls(), 1)
	assert.True(t, assistant.HasToolResult("call-1"))

	events := f.outbox.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "tool.completed", events[0].Type)
}

func TestExecuteTurn_ToolFailureAbortsWithoutCompletingRun(t *testing.T) {
	failing := tool.NewFunctionTool(
		"flaky",
		"Always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(_ context.Context, _ tool.Invocation) (any, error) {
			return nil, errors.New("downstream unavailable")
		},
	)

	f := newFixture(failing)
	f.chatModel.mock.Script(model.ToolCallResponse("call-1", "flaky", map[string]any{}))

	_, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "do the thing"))
	require.Error(t, err)

	run, getErr := f.runs.Get(context.Background(), "tenant-1", "run-1")
	require.NoError(t, getErr)
	assert.Equal(t, core.RunRunning, run.Status)

	exec, getErr := f.executions.Get(context.Background(), "tenant-1", "run-1", "call-1")
	require.NoError(t, getErr)
	assert.Equal(t, core.ToolExecutionFailed, exec.Status)

	// Partial messages stay; nothing is rolled back.
	history, getErr := f.messages.Load(context.Background(), "tenant-1", "run-1")
	require.NoError(t, getErr)
	assert.Len(t, history, 2)

	// The failure is frozen: a retry returns it without another model call.
	retry, retryErr := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "do the thing"))
	require.NoError(t, retryErr)
	assert.Equal(t, turn.ResultFailed, retry.Kind)
	assert.Equal(t, 500, retry.ResponseStatus)
	assert.JSONEq(t, `{"error":"internal error"}`, string(retry.ResponseBody))
	assert.Equal(t, 1, f.chatModel.mock.Calls())
}

// ctxAwareStore rejects operations once the context is done, the way a
// database-backed idempotency store does.
type ctxAwareStore struct {
	inner idempotency.Store
}

func (s *ctxAwareStore) CreateIfAbsent(ctx context.Context, rec idempotency.Record) (bool, *idempotency.Record, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	return s.inner.CreateIfAbsent(ctx, rec)
}

func (s *ctxAwareStore) Get(ctx context.Context, key idempotency.Key) (*idempotency.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.inner.Get(ctx, key)
}

func (s *ctxAwareStore) Update(ctx context.Context, rec idempotency.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inner.Update(ctx, rec)
}

// disconnectingModel cancels the request context as generation starts,
// simulating a client closing the connection mid-turn, then answers from the
// scripted mock anyway.
type disconnectingModel struct {
	mock   *model.MockModel
	cancel context.CancelFunc
}

func (d *disconnectingModel) Generate(_ context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	d.cancel()
	return d.mock.Generate(context.Background(), req)
}

func (d *disconnectingModel) Info() model.Info { return d.mock.Info() }

func TestExecuteTurn_CancelledTurnStillFreezesFailure(t *testing.T) {
	runs := store.NewInMemoryRunStore()
	messages := store.NewInMemoryMessageStore()
	executions := store.NewInMemoryToolExecutionStore()
	audit := store.NewInMemoryAuditLog()
	outbox := store.NewInMemoryOutbox()
	obs := telemetry.NoopObservability{}

	coordinator := idempotency.NewCoordinator(&ctxAwareStore{inner: idempotency.NewInMemoryStore()})
	pipeline := tool.NewExecutionPipeline(executions, audit, outbox, obs)

	mock := model.NewMockModel()
	mock.Script(model.ToolCallResponse("call-1", "echo", map[string]any{"text": "hi"}))
	mock.Script(model.TextResponse("never reached"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orchestrator := turn.NewOrchestrator(
		coordinator,
		runs,
		messages,
		tool.NewStaticRegistry(echoServerTool()),
		pipeline,
		&disconnectingModel{mock: mock, cancel: cancel},
		audit,
		obs,
	)

	_, err := orchestrator.ExecuteTurn(ctx, userRequest("idem-1", "please echo hi"))
	require.ErrorIs(t, err, context.Canceled)

	// The in-flight tool ran to completion and was finalized; no further
	// model step happened after cancellation.
	assert.Equal(t, 1, mock.Calls())
	exec, getErr := executions.Get(context.Background(), "tenant-1", "run-1", "call-1")
	require.NoError(t, getErr)
	assert.Equal(t, core.ToolExecutionCompleted, exec.Status)

	// Despite the dead request context the record was settled: a retry on a
	// fresh context gets the frozen failure, not in_progress.
	retry, retryErr := orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "please echo hi"))
	require.NoError(t, retryErr)
	assert.Equal(t, turn.ResultFailed, retry.Kind)
	assert.Equal(t, 500, retry.ResponseStatus)
	assert.JSONEq(t, `{"error":"internal error"}`, string(retry.ResponseBody))
	assert.Equal(t, 1, mock.Calls())
}

func TestExecuteTurn_ClientToolLeftPending(t *testing.T) {
	collect := tool.NewFunctionTool(
		turn.CollectInputsToolName,
		"Collect structured inputs from the user",
		map[string]any{"type": "object"},
		nil,
		func(o *tool.FunctionToolOptions) { o.Kind = tool.KindClientConfirmed },
	)

	f := newFixture(collect)
	f.chatModel.mock.Script(model.ToolCallResponse("call-1", turn.CollectInputsToolName, map[string]any{
		"title": "Account opening",
		"fields": []map[string]any{
			{"key": "email", "required": true},
		},
	}))

	result, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "open an account for me"))
	require.NoError(t, err)
	assert.Equal(t, turn.ResultCompleted, result.Kind)
	assert.Equal(t, 1, f.chatModel.mock.Calls())

	// The call stays pending for the caller's round trip; no execution row.
	_, getErr := f.executions.Get(context.Background(), "tenant-1", "run-1", "call-1")
	assert.ErrorIs(t, getErr, core.ErrNotFound)

	require.NotNil(t, result.Task)
	assert.Equal(t, core.TaskPending, result.Task.Status)
	assert.Equal(t, "call-1", result.Task.ToolCallID)
	assert.Equal(t, []string{"email"}, result.Task.RequiredFields)
	assert.Equal(t, "open an account for me", result.Task.OriginalUserText)

	run, getErr := f.runs.Get(context.Background(), "tenant-1", "run-1")
	require.NoError(t, getErr)
	require.NotNil(t, run.Task)
	assert.Equal(t, "call-1", run.Task.ToolCallID)
}

func TestExecuteTurn_ResumesTaskWithSynthesizedContext(t *testing.T) {
	collect := tool.NewFunctionTool(
		turn.CollectInputsToolName,
		"Collect structured inputs from the user",
		map[string]any{"type": "object"},
		nil,
		func(o *tool.FunctionToolOptions) { o.Kind = tool.KindClientConfirmed },
	)

	f := newFixture(collect)
	f.chatModel.mock.Script(model.ToolCallResponse("call-1", turn.CollectInputsToolName, map[string]any{
		"fields": []map[string]any{{"key": "email", "required": true}},
	}))
	f.chatModel.mock.Script(model.TextResponse("Thanks, noted your email."))

	first, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-1", "open an account for me"))
	require.NoError(t, err)
	require.Equal(t, turn.ResultCompleted, first.Kind)

	second, err := f.orchestrator.ExecuteTurn(context.Background(), userRequest("idem-2", "my email is a@b.c"))
	require.NoError(t, err)
	require.Equal(t, turn.ResultCompleted, second.Kind)

	requests := f.chatModel.Requests()
	require.Len(t, requests, 2)

	resumed := requests[1].Messages
	require.NotEmpty(t, resumed)
	assert.Equal(t, core.RoleSystem, resumed[0].Role)
	assert.Contains(t, resumed[0].Text(), "untrusted")
	assert.Contains(t, resumed[0].Text(), "open an account for me")

	// The synthesized message exists only on the model-input path.
	history, err := f.messages.Load(context.Background(), "tenant-1", "run-1")
	require.NoError(t, err)
	for _, msg := range history {
		assert.NotEqual(t, core.RoleSystem, msg.Role)
	}
}
