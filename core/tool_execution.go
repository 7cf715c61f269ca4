package core

import (
	"encoding/json"
	"time"
)

// ToolExecutionStatus is the lifecycle state of a ToolExecution.
type ToolExecutionStatus string

const (
	// ToolExecutionPending marks a row persisted before the tool body runs.
	ToolExecutionPending ToolExecutionStatus = "pending"
	// ToolExecutionCompleted marks a successful invocation.
	ToolExecutionCompleted ToolExecutionStatus = "completed"
	// ToolExecutionFailed marks an invocation whose body returned an error.
	ToolExecutionFailed ToolExecutionStatus = "failed"
)

// ToolExecution records one invocation of a server-executed tool within a
// Run. The ID is derived from run ID and tool-call ID, which makes the row
// unique per call and therefore race-free by construction. It is created
// pending before the tool body runs and finalized exactly once afterwards.
type ToolExecution struct {
	ID         string              `json:"id"`
	TenantID   string              `json:"tenant_id"`
	RunID      string              `json:"run_id"`
	ToolCallID string              `json:"tool_call_id"`
	ToolName   string              `json:"tool_name"`
	Input      json.RawMessage     `json:"input,omitempty"`
	Status     ToolExecutionStatus `json:"status"`
	Output     json.RawMessage     `json:"output,omitempty"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	TraceID    string              `json:"trace_id,omitempty"`
}

// ToolExecutionID derives the per-call unique execution identifier.
func ToolExecutionID(runID, toolCallID string) string {
	return runID + "/" + toolCallID
}
