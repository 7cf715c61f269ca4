package core

import "encoding/json"

// Part represents a polymorphic segment of message content. Concrete part
// types implement the unexported isPart marker enabling a closed set, so
// consumers can switch exhaustively instead of probing loose fields.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text     string         // Plain UTF-8 text
	Metadata map[string]any // Optional producer-provided metadata
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// ToolCall describes a model-initiated invocation of a named tool.
type ToolCall struct {
	ID    string          `json:"id"`              // Stable identifier correlating call and result
	Name  string          `json:"name"`            // Tool name as declared to the model
	Input json.RawMessage `json:"input,omitempty"` // Serialized JSON argument payload
}

// ToolCallPart wraps a ToolCall as a content part.
type ToolCallPart struct {
	ToolCall ToolCall
	Metadata map[string]any
}

// isPart implements the Part interface for ToolCallPart.
func (ToolCallPart) isPart() {}

// ToolResult describes the outcome of a previously issued tool call.
// Either Output or Error is populated, never both.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`     // Matches originating ToolCall ID
	Name       string          `json:"name"`             // Tool name
	Output     json.RawMessage `json:"output,omitempty"` // Successful result (JSON)
	Error      string          `json:"error,omitempty"`  // Populated on failure
}

// ToolResultPart wraps a ToolResult as a content part.
type ToolResultPart struct {
	ToolResult ToolResult
	Metadata   map[string]any
}

// isPart implements the Part interface for ToolResultPart.
func (ToolResultPart) isPart() {}
