package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the conversational author of a message.
type Role string

const (
	// RoleSystem marks synthesized instruction messages.
	RoleSystem Role = "system"
	// RoleUser marks caller-authored messages.
	RoleUser Role = "user"
	// RoleAssistant marks model-authored messages.
	RoleAssistant Role = "assistant"
)

// Message is an immutable-once-written unit of conversation belonging to
// exactly one Run. The ID is stable across retries (client- or
// server-assigned) and unique per tenant: re-saving the same ID merges
// (replaces parts/metadata) rather than duplicating, which is what allows a
// tool result to be appended to an existing assistant message safely on a
// retried request.
type Message struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	RunID     string         `json:"run_id"`
	Role      Role           `json:"role"`
	Parts     []Part         `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewID generates a new unique identifier for messages, runs and traces.
func NewID() string { return uuid.NewString() }

// Text concatenates all text parts of the message in order.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts of the message preserving order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool-result parts of the message preserving order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if tr, ok := p.(ToolResultPart); ok {
			results = append(results, tr.ToolResult)
		}
	}
	return results
}

// HasToolResult reports whether the message carries a result for toolCallID.
func (m Message) HasToolResult(toolCallID string) bool {
	for _, r := range m.ToolResults() {
		if r.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}

// MergeMessages merges incoming messages into stored history by ID. A
// message whose ID already exists replaces the stored parts and metadata in
// place (original position and CreatedAt preserved); unknown IDs are
// appended in their incoming order. Neither input slice is mutated.
func MergeMessages(stored, incoming []Message) []Message {
	merged := make([]Message, len(stored))
	copy(merged, stored)

	index := make(map[string]int, len(merged))
	for i, m := range merged {
		index[m.ID] = i
	}

	for _, in := range incoming {
		if i, ok := index[in.ID]; ok {
			existing := merged[i]
			existing.Parts = in.Parts
			existing.Metadata = in.Metadata
			merged[i] = existing
			continue
		}
		index[in.ID] = len(merged)
		merged = append(merged, in)
	}

	return merged
}
