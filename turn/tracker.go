package turn

import (
	"encoding/json"

	"github.com/hupe1980/turnmesh/core"
)

// CollectInputsToolName is the structured-input tool the tracker recognizes.
const CollectInputsToolName = "collect_inputs"

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	// ToolName overrides the recognized structured-input tool name.
	ToolName string
	// Clock supplies timestamps; defaults to the system clock.
	Clock core.Clock
}

// Tracker derives the current TaskState from message history. The task is
// never persisted independently: every turn recomputes it from the messages
// (falling back to the previous snapshot for fields history cannot supply)
// and the orchestrator re-embeds the result into the Run.
type Tracker struct {
	toolName string
	clock    core.Clock
}

// NewTracker constructs a Tracker recognizing the collect_inputs tool.
func NewTracker(optFns ...func(o *TrackerOptions)) *Tracker {
	opts := TrackerOptions{
		ToolName: CollectInputsToolName,
		Clock:    core.SystemClock(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Tracker{toolName: opts.ToolName, clock: opts.Clock}
}

// collectInputsArgs is the recognized shape of the collect_inputs tool input.
type collectInputsArgs struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Fields      []struct {
		Key      string `json:"key"`
		Required bool   `json:"required"`
	} `json:"fields"`
}

// Derive scans history newest to oldest for the most recent recognized
// tool call and builds the task snapshot for it. When two calls are pending
// simultaneously only the most recent is tracked; older ones are superseded.
// A history without any recognized call returns previous unchanged, so task
// state survives rounds that do not touch it.
func (t *Tracker) Derive(history []core.Message, previous *core.TaskState) *core.TaskState {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if msg.Role != core.RoleAssistant {
			continue
		}

		calls := msg.ToolCalls()
		for j := len(calls) - 1; j >= 0; j-- {
			call := calls[j]
			if call.Name != t.toolName || call.ID == "" {
				continue
			}

			return t.build(history, i, call, previous)
		}
	}

	return previous
}

func (t *Tracker) build(history []core.Message, msgIndex int, call core.ToolCall, previous *core.TaskState) *core.TaskState {
	now := t.clock.Now()

	task := core.TaskState{
		Type:       core.TaskCollectInputs,
		ToolCallID: call.ID,
		Status:     core.TaskPending,
		CreatedAt:  now,
	}

	if hasResult(history, call.ID) {
		task.Status = core.TaskCompleted
	}

	var args collectInputsArgs
	if err := json.Unmarshal(call.Input, &args); err == nil {
		task.Title = args.Title
		task.Description = args.Description
		for _, f := range args.Fields {
			if f.Required {
				task.RequiredFields = append(task.RequiredFields, f.Key)
			}
		}
	}
	if task.RequiredFields == nil && previous != nil {
		task.RequiredFields = previous.RequiredFields
	}

	task.OriginalUserText = userTextBefore(history, msgIndex)
	if task.OriginalUserText == "" && previous != nil {
		task.OriginalUserText = previous.OriginalUserText
	}

	// While the same call stays tracked its creation time and completion
	// time are stable across re-derivations.
	if previous != nil && previous.ToolCallID == call.ID {
		task.CreatedAt = previous.CreatedAt
		if task.Status == core.TaskCompleted && previous.CompletedAt != nil {
			task.CompletedAt = previous.CompletedAt
		}
	}

	if task.Status == core.TaskCompleted && task.CompletedAt == nil {
		completedAt := now
		task.CompletedAt = &completedAt
	}

	return &task
}

// hasResult reports whether any message in history carries a tool result for
// the given call.
func hasResult(history []core.Message, toolCallID string) bool {
	for _, msg := range history {
		if msg.HasToolResult(toolCallID) {
			return true
		}
	}
	return false
}

// userTextBefore returns the text of the nearest user message preceding
// msgIndex, or "".
func userTextBefore(history []core.Message, msgIndex int) string {
	for i := msgIndex - 1; i >= 0; i-- {
		if history[i].Role != core.RoleUser {
			continue
		}
		if text := history[i].Text(); text != "" {
			return text
		}
	}
	return ""
}
