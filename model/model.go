// Package model defines the provider-agnostic chat model port. Adapters for
// concrete providers live in subpackages (anthropic, openai); a scripted
// MockModel supports tests and examples.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hupe1980/turnmesh/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by the turn
// orchestrator: the bounded message context, the tenant's tool surface, and
// the identifiers providers may attach to their own telemetry.
type Request struct {
	Messages []core.Message   `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	TenantID string           `json:"tenant_id"`
	RunID    string           `json:"run_id"`
	TraceID  string           `json:"trace_id,omitempty"`
	UserID   *string          `json:"user_id,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
type Response struct {
	ID           string       `json:"id"`
	Partial      bool         `json:"partial"`
	Message      core.Message `json:"message"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// ChatModel is the minimal interface the turn orchestrator needs to drive
// generation. Implementations stream responses on the first channel and close
// both channels when generation ends; at most one error is sent.
type ChatModel interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// TextResponse builds a final assistant response carrying a single text part.
// Convenience for scripting mocks.
func TextResponse(text string) Response {
	return Response{
		Partial: false,
		Message: core.Message{
			ID:    core.NewID(),
			Role:  core.RoleAssistant,
			Parts: []core.Part{core.TextPart{Text: text}},
		},
		FinishReason: "stop",
	}
}

// ToolCallResponse builds a final assistant response requesting one tool call.
// Convenience for scripting mocks.
func ToolCallResponse(toolCallID, toolName string, input map[string]any) Response {
	raw, _ := json.Marshal(input)
	return Response{
		Partial: false,
		Message: core.Message{
			ID:   core.NewID(),
			Role: core.RoleAssistant,
			Parts: []core.Part{core.ToolCallPart{
				ToolCall: core.ToolCall{ID: toolCallID, Name: toolName, Input: raw},
			}},
		},
		FinishReason: "tool_calls",
	}
}

// MockModel is a scripted in-memory ChatModel for tests and examples. Each
// Script call enqueues the responses one Generate invocation will emit; once
// scripts run out, Generate echoes the last message's text.
type MockModel struct {
	info    Info
	mu      sync.Mutex
	scripts [][]Response
	calls   int
}

var _ ChatModel = (*MockModel)(nil)

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel() *MockModel {
	return &MockModel{
		info: Info{
			Name:          "mock",
			Provider:      "mock",
			SupportsTools: true,
		},
	}
}

// Script enqueues the responses the next unscripted Generate call will emit.
func (m *MockModel) Script(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scripts = append(m.scripts, responses)
}

// Calls reports how many times Generate has been invoked.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

// Generate implements ChatModel.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.calls++
	var script []Response
	if len(m.scripts) > 0 {
		script = m.scripts[0]
		m.scripts = m.scripts[1:]
	}
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)

		if script == nil {
			if len(req.Messages) == 0 {
				errCh <- fmt.Errorf("no messages provided")
				return
			}
			last := req.Messages[len(req.Messages)-1]
			script = []Response{TextResponse(fmt.Sprintf("Mock response to: %s", last.Text()))}
		}

		for _, resp := range script {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case respCh <- resp:
			}
		}
	}()

	return respCh, errCh
}

// Info implements ChatModel.
func (m *MockModel) Info() Info { return m.info }
