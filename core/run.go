package core

import "time"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	// RunRunning marks a turn currently executing.
	RunRunning RunStatus = "running"
	// RunCompleted marks a turn that finished successfully.
	RunCompleted RunStatus = "completed"
	// RunFailed marks a turn aborted by a model, tool or persistence error.
	RunFailed RunStatus = "failed"
)

// Run is the execution record of one conversation turn. It is owned
// exclusively by its tenant, created at turn start, transitioned on
// success/failure and never deleted by this library. Task is the in-flight
// structured-task snapshot re-derived every turn; it is a typed field
// rather than an opaque metadata blob so reads and writes are checked at
// compile time.
type Run struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	CreatedBy  *string        `json:"created_by,omitempty"`
	Status     RunStatus      `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	TraceID    string         `json:"trace_id"`
	Task       *TaskState     `json:"task,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TaskType identifies a structured-task variant. Only one variant exists
// today; keep the closed set small until product confirms multi-task runs.
type TaskType string

// TaskCollectInputs is the structured-input collection task started by the
// collect_inputs tool.
const TaskCollectInputs TaskType = "collect_inputs"

// TaskStatus is the lifecycle state of a TaskState.
type TaskStatus string

const (
	// TaskPending means the triggering tool call has no result yet.
	TaskPending TaskStatus = "pending"
	// TaskCompleted means a tool result arrived for the triggering call.
	TaskCompleted TaskStatus = "completed"
)

// TaskState summarizes an in-flight structured-input sub-task. It is derived
// from message history (or carried forward from the previous snapshot) and
// embedded back into the Run, so the model can regain the user's original
// intent after a multi-step tool round trip even when the original message
// has scrolled out of the context window.
//
// Invariant: while a ToolCallID is pending its CreatedAt and
// OriginalUserText never change; a new ToolCallID starts a new TaskState.
type TaskState struct {
	Type             TaskType   `json:"type"`
	ToolCallID       string     `json:"tool_call_id"`
	Status           TaskStatus `json:"status"`
	Title            string     `json:"title,omitempty"`
	Description      string     `json:"description,omitempty"`
	OriginalUserText string     `json:"original_user_text,omitempty"`
	RequiredFields   []string   `json:"required_fields,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}
