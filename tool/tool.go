// Package tool implements the tool-calling subsystem: structured capability
// definitions with schema-validated arguments, consistent error handling, and
// an execution pipeline that records every server-side invocation.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/turnmesh/internal/util"
)

// Kind classifies where a tool's body runs.
type Kind string

const (
	// KindServer tools execute inside this process and are wrapped by the
	// ExecutionPipeline (execution record, span, audit, outbox).
	KindServer Kind = "server"
	// KindClientConfirmed tools require an explicit user confirmation on the
	// caller's side before they run; the library never executes them.
	KindClientConfirmed Kind = "client_confirmed"
	// KindClientAuto tools run automatically on the caller's side; the
	// library never executes them.
	KindClientAuto Kind = "client_auto"
)

// Invocation carries the identity and arguments of one tool call. Tool bodies
// receive the full set so they can scope their side effects to the tenant and
// correlate them with the run.
type Invocation struct {
	TenantID   string
	UserID     *string
	RunID      string
	ToolCallID string
	Input      map[string]any
}

// Tool defines a capability the model may invoke during a turn.
//
// Implementations should provide clear names and descriptions (the model sees
// both), declare a JSON schema for their arguments, and be safe for
// concurrent use.
type Tool interface {
	// Name returns the unique tool identifier (snake_case recommended).
	Name() string

	// Description returns the natural-language description shown to models.
	Description() string

	// InputSchema returns a JSON schema describing the expected arguments.
	InputSchema() map[string]any

	// Kind reports where the tool body runs. Only KindServer tools are
	// executed by this library.
	Kind() Kind

	// Call executes the tool body. Arguments arrive already validated
	// against InputSchema.
	Call(ctx context.Context, inv Invocation) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// Registry resolves the tool set available to a tenant.
type Registry interface {
	// ListForTenant returns the tools the tenant may use, in a stable order.
	ListForTenant(ctx context.Context, tenantID string) ([]Tool, error)

	// Get resolves a single tool by name for the tenant, or nil when the
	// tenant has no such tool.
	Get(ctx context.Context, tenantID, name string) (Tool, error)
}

// StaticRegistry serves the same fixed tool set to every tenant. Suitable for
// single-tenant deployments and tests; multi-tenant products implement
// Registry over their own entitlement data.
type StaticRegistry struct {
	tools []Tool
}

var _ Registry = (*StaticRegistry)(nil)

// NewStaticRegistry constructs a registry over a fixed tool list.
func NewStaticRegistry(tools ...Tool) *StaticRegistry {
	return &StaticRegistry{tools: tools}
}

// ListForTenant implements Registry.
func (r *StaticRegistry) ListForTenant(_ context.Context, _ string) ([]Tool, error) {
	out := make([]Tool, len(r.tools))
	copy(out, r.tools)
	return out, nil
}

// Get implements Registry.
func (r *StaticRegistry) Get(_ context.Context, _ string, name string) (Tool, error) {
	for _, t := range r.tools {
		if t.Name() == name {
			return t, nil
		}
	}
	return nil, nil
}
