package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/idempotency"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "turnmesh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Init(context.Background()))

	return s
}

func TestInit_Idempotent(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Init(context.Background()))
}

func TestRunStore_CreateIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	first, err := s.Create(ctx, &core.Run{
		ID:        "run-1",
		TenantID:  "tenant-1",
		Status:    core.RunRunning,
		StartedAt: started,
		TraceID:   "trace-1",
	})
	require.NoError(t, err)
	assert.Equal(t, core.RunRunning, first.Status)

	// Re-creating the same id must return the stored run unchanged.
	finishedAt := started.Add(time.Minute)
	require.NoError(t, s.UpdateStatus(ctx, "tenant-1", "run-1", core.RunCompleted, &finishedAt))

	again, err := s.Create(ctx, &core.Run{
		ID:        "run-1",
		TenantID:  "tenant-1",
		Status:    core.RunRunning,
		StartedAt: started.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, again.Status)
	assert.Equal(t, started, again.StartedAt)
	require.NotNil(t, again.FinishedAt)
	assert.Equal(t, finishedAt, *again.FinishedAt)
}

func TestRunStore_TaskRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &core.Run{
		ID:        "run-1",
		TenantID:  "tenant-1",
		Status:    core.RunRunning,
		StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	task := &core.TaskState{
		Type:             core.TaskCollectInputs,
		ToolCallID:       "call-1",
		Status:           core.TaskPending,
		OriginalUserText: "open an account",
		RequiredFields:   []string{"email"},
		CreatedAt:        time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.UpdateTask(ctx, "tenant-1", "run-1", task))

	run, err := s.Get(ctx, "tenant-1", "run-1")
	require.NoError(t, err)
	require.NotNil(t, run.Task)
	assert.Equal(t, task.ToolCallID, run.Task.ToolCallID)
	assert.Equal(t, task.RequiredFields, run.Task.RequiredFields)

	require.NoError(t, s.UpdateTask(ctx, "tenant-1", "run-1", nil))
	run, err = s.Get(ctx, "tenant-1", "run-1")
	require.NoError(t, err)
	assert.Nil(t, run.Task)
}

func TestRunStore_GetMissing(t *testing.T) {
	s := testStore(t)

	_, err := s.Get(context.Background(), "tenant-1", "nope")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMessageStore_MergeByID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	assistant := core.Message{
		ID:       "msg-1",
		TenantID: "tenant-1",
		RunID:    "run-1",
		Role:     core.RoleAssistant,
		Parts: []core.Part{core.ToolCallPart{
			ToolCall: core.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`)},
		}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Save(ctx, "tenant-1", "run-1", []core.Message{assistant}))

	// Re-save with the result appended: same id, parts replaced in place.
	assistant.Parts = append(assistant.Parts, core.ToolResultPart{
		ToolResult: core.ToolResult{ToolCallID: "call-1", Name: "echo", Output: json.RawMessage(`{"echo":"hi"}`)},
	})
	require.NoError(t, s.Save(ctx, "tenant-1", "run-1", []core.Message{assistant}))

	history, err := s.Load(ctx, "tenant-1", "run-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].HasToolResult("call-1"))
	require.Len(t, history[0].ToolCalls(), 1)
}

func TestMessageStore_CrossTenantCollisionRejected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := core.Message{
		ID:        "msg-1",
		Role:      core.RoleUser,
		Parts:     []core.Part{core.TextPart{Text: "hello"}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Save(ctx, "tenant-1", "run-1", []core.Message{msg}))

	err := s.Save(ctx, "tenant-2", "run-9", []core.Message{msg})
	assert.ErrorIs(t, err, core.ErrTenantMismatch)
}

func TestMessageStore_CrossRunCollisionRejected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := core.Message{
		ID:        "msg-1",
		Role:      core.RoleUser,
		Parts:     []core.Part{core.TextPart{Text: "hello"}},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Save(ctx, "tenant-1", "run-1", []core.Message{msg}))

	err := s.Save(ctx, "tenant-1", "run-2", []core.Message{msg})
	assert.ErrorIs(t, err, core.ErrRunMismatch)

	// The original row is untouched; the second run stays empty.
	history, loadErr := s.Load(ctx, "tenant-1", "run-2")
	require.NoError(t, loadErr)
	assert.Empty(t, history)
}

func TestMessageStore_LoadEmptyRun(t *testing.T) {
	s := testStore(t)

	history, err := s.Load(context.Background(), "tenant-1", "run-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestToolExecutionStore_Lifecycle(t *testing.T) {
	s := testStore(t)
	execs := s.ToolExecutions()
	ctx := context.Background()

	exec := &core.ToolExecution{
		ID:         core.ToolExecutionID("run-1", "call-1"),
		TenantID:   "tenant-1",
		RunID:      "run-1",
		ToolCallID: "call-1",
		ToolName:   "echo",
		Input:      json.RawMessage(`{"text":"hi"}`),
		Status:     core.ToolExecutionPending,
		StartedAt:  time.Now().UTC(),
	}
	require.NoError(t, execs.Create(ctx, exec))

	require.NoError(t, execs.Finalize(ctx, "tenant-1", "run-1", "call-1", core.ToolExecutionCompleted, json.RawMessage(`{"echo":"hi"}`), ""))

	stored, err := execs.Get(ctx, "tenant-1", "run-1", "call-1")
	require.NoError(t, err)
	assert.Equal(t, core.ToolExecutionCompleted, stored.Status)
	assert.JSONEq(t, `{"echo":"hi"}`, string(stored.Output))
	require.NotNil(t, stored.FinishedAt)

	// Finalize is exactly-once: a second attempt finds no pending row.
	err = execs.Finalize(ctx, "tenant-1", "run-1", "call-1", core.ToolExecutionFailed, nil, "late")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestIdempotencyStore_CreateIfAbsent(t *testing.T) {
	s := testStore(t)
	idem := s.Idempotency()
	ctx := context.Background()

	key := idempotency.Key{TenantID: "tenant-1", ActionKey: "chat.turn", IdempotencyKey: "idem-1"}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	created, existing, err := idem.CreateIfAbsent(ctx, idempotency.Record{
		Key:         key,
		Status:      idempotency.StatusInProgress,
		RequestHash: "hash-a",
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	created, existing, err = idem.CreateIfAbsent(ctx, idempotency.Record{
		Key:         key,
		Status:      idempotency.StatusInProgress,
		RequestHash: "hash-b",
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, "hash-a", existing.RequestHash)
	assert.Equal(t, idempotency.StatusInProgress, existing.Status)
}

func TestIdempotencyStore_SettleRoundTrip(t *testing.T) {
	s := testStore(t)
	coord := idempotency.NewCoordinator(s.Idempotency())
	ctx := context.Background()

	key := idempotency.Key{TenantID: "tenant-1", ActionKey: "chat.turn", IdempotencyKey: "idem-1"}

	dec, err := coord.Decide(ctx, key, "hash-a")
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeStarted, dec.Outcome)

	require.NoError(t, coord.Complete(ctx, key, 200, json.RawMessage(`{"run_id":"run-1"}`)))

	dec, err = coord.Decide(ctx, key, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeReplay, dec.Outcome)
	assert.Equal(t, 200, dec.ResponseStatus)
	assert.JSONEq(t, `{"run_id":"run-1"}`, string(dec.ResponseBody))
}

func TestOutbox_DrainCycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"ev-1", "ev-2"} {
		require.NoError(t, s.Enqueue(ctx, core.OutboxEvent{
			ID:            id,
			TenantID:      "tenant-1",
			Type:          "tool.completed",
			Payload:       json.RawMessage(`{"n":1}`),
			CorrelationID: "run-1",
			EnqueuedAt:    time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
		}))
	}

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "ev-1", pending[0].ID)

	require.NoError(t, s.MarkDispatched(ctx, "ev-1"))

	pending, err = s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ev-2", pending[0].ID)
}

func TestAuditLog_Write(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	actor := "user-1"
	require.NoError(t, s.Write(ctx, core.AuditEntry{
		TenantID:    "tenant-1",
		ActorUserID: &actor,
		Action:      "turn.completed",
		TargetType:  "run",
		TargetID:    "run-1",
		Details:     map[string]any{"message_id": "msg-1"},
		OccurredAt:  time.Now().UTC(),
	}))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&count))
	assert.Equal(t, 1, count)
}
