package turn

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/turnmesh/core"
)

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time { return c.now }

func collectInputsCall(callID string) core.Message {
	input, _ := json.Marshal(map[string]any{
		"title": "Account opening",
		"fields": []map[string]any{
			{"key": "email", "required": true},
			{"key": "nickname", "required": false},
			{"key": "name", "required": true},
		},
	})

	return core.Message{
		ID:   "assistant-" + callID,
		Role: core.RoleAssistant,
		Parts: []core.Part{core.ToolCallPart{
			ToolCall: core.ToolCall{ID: callID, Name: CollectInputsToolName, Input: input},
		}},
	}
}

func TestTracker_DerivesPendingTask(t *testing.T) {
	clock := &stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(func(o *TrackerOptions) { o.Clock = clock })

	history := []core.Message{
		textMessage("m1", core.RoleUser, "open an account for me"),
		collectInputsCall("call-1"),
	}

	task := tracker.Derive(history, nil)
	require.NotNil(t, task)
	assert.Equal(t, core.TaskCollectInputs, task.Type)
	assert.Equal(t, "call-1", task.ToolCallID)
	assert.Equal(t, core.TaskPending, task.Status)
	assert.Equal(t, "Account opening", task.Title)
	assert.Equal(t, []string{"email", "name"}, task.RequiredFields)
	assert.Equal(t, "open an account for me", task.OriginalUserText)
	assert.Equal(t, clock.now, task.CreatedAt)
	assert.Nil(t, task.CompletedAt)
}

func TestTracker_PreservesCreatedAtWhileSameCallPending(t *testing.T) {
	clock := &stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(func(o *TrackerOptions) { o.Clock = clock })

	history := []core.Message{
		textMessage("m1", core.RoleUser, "open an account for me"),
		collectInputsCall("call-1"),
	}

	first := tracker.Derive(history, nil)
	require.NotNil(t, first)

	clock.now = clock.now.Add(time.Hour)
	second := tracker.Derive(history, first)
	require.NotNil(t, second)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, first.OriginalUserText, second.OriginalUserText)
}

func TestTracker_CompletionFlipsOnce(t *testing.T) {
	clock := &stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(func(o *TrackerOptions) { o.Clock = clock })

	assistant := collectInputsCall("call-1")
	history := []core.Message{
		textMessage("m1", core.RoleUser, "open an account for me"),
		assistant,
	}

	pending := tracker.Derive(history, nil)
	require.Equal(t, core.TaskPending, pending.Status)

	assistant.Parts = append(assistant.Parts, core.ToolResultPart{
		ToolResult: core.ToolResult{ToolCallID: "call-1", Name: CollectInputsToolName, Output: json.RawMessage(`{"email":"a@b.c","name":"Ada"}`)},
	})
	history[1] = assistant

	clock.now = clock.now.Add(time.Minute)
	completed := tracker.Derive(history, pending)
	require.Equal(t, core.TaskCompleted, completed.Status)
	assert.Equal(t, pending.CreatedAt, completed.CreatedAt)
	require.NotNil(t, completed.CompletedAt)
	firstCompletion := *completed.CompletedAt

	clock.now = clock.now.Add(time.Hour)
	again := tracker.Derive(history, completed)
	require.NotNil(t, again.CompletedAt)
	assert.Equal(t, firstCompletion, *again.CompletedAt)
}

func TestTracker_NewCallSupersedesOld(t *testing.T) {
	clock := &stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	tracker := NewTracker(func(o *TrackerOptions) { o.Clock = clock })

	history := []core.Message{
		textMessage("m1", core.RoleUser, "open an account for me"),
		collectInputsCall("call-1"),
	}
	previous := tracker.Derive(history, nil)

	clock.now = clock.now.Add(time.Hour)
	history = append(history,
		textMessage("m2", core.RoleUser, "actually, book a flight instead"),
		collectInputsCall("call-2"),
	)

	task := tracker.Derive(history, previous)
	require.NotNil(t, task)
	assert.Equal(t, "call-2", task.ToolCallID)
	assert.Equal(t, "actually, book a flight instead", task.OriginalUserText)
	assert.Equal(t, clock.now, task.CreatedAt)
}

func TestTracker_NoRecognizedCallReturnsPrevious(t *testing.T) {
	tracker := NewTracker()

	previous := &core.TaskState{
		Type:       core.TaskCollectInputs,
		ToolCallID: "call-1",
		Status:     core.TaskPending,
		CreatedAt:  time.Now(),
	}

	history := []core.Message{
		textMessage("m1", core.RoleUser, "what is the weather"),
		textMessage("m2", core.RoleAssistant, "sunny"),
	}

	assert.Equal(t, previous, tracker.Derive(history, previous))
	assert.Nil(t, tracker.Derive(history, nil))
}

func TestTracker_FallsBackToPreviousFields(t *testing.T) {
	tracker := NewTracker()

	call := core.Message{
		ID:   "assistant-x",
		Role: core.RoleAssistant,
		Parts: []core.Part{core.ToolCallPart{
			ToolCall: core.ToolCall{ID: "call-9", Name: CollectInputsToolName, Input: json.RawMessage(`not-json`)},
		}},
	}

	previous := &core.TaskState{
		Type:             core.TaskCollectInputs,
		ToolCallID:       "call-9",
		Status:           core.TaskPending,
		RequiredFields:   []string{"email"},
		OriginalUserText: "open an account",
		CreatedAt:        time.Now(),
	}

	task := tracker.Derive([]core.Message{call}, previous)
	require.NotNil(t, task)
	assert.Equal(t, []string{"email"}, task.RequiredFields)
	assert.Equal(t, "open an account", task.OriginalUserText)
}
