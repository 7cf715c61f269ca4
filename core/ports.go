package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrTenantMismatch is returned by message stores when a message ID is
// already owned by a different tenant. Message IDs are unique per tenant;
// a cross-tenant collision is always a caller bug or an attack and must be
// rejected rather than merged.
var ErrTenantMismatch = errors.New("message id owned by another tenant")

// ErrRunMismatch is returned by message stores when a message ID is already
// owned by a different run of the same tenant. History is per run; reusing an
// ID across runs would splice two conversations together.
var ErrRunMismatch = errors.New("message id owned by another run")

// RunStore persists Run execution records.
type RunStore interface {
	// Create inserts a new run. Creating an ID that already exists for the
	// tenant returns the stored run unchanged, making caller-supplied run
	// IDs idempotent.
	Create(ctx context.Context, run *Run) (*Run, error)

	// Get returns the run or ErrNotFound.
	Get(ctx context.Context, tenantID, runID string) (*Run, error)

	// UpdateStatus transitions the run's lifecycle state.
	UpdateStatus(ctx context.Context, tenantID, runID string, status RunStatus, finishedAt *time.Time) error

	// UpdateTask replaces the run's task-state snapshot (nil clears it).
	UpdateTask(ctx context.Context, tenantID, runID string, task *TaskState) error
}

// MessageStore persists conversation history per run with merge-by-id
// semantics (see MergeMessages). Implementations must reject cross-tenant
// message-id collisions with ErrTenantMismatch and cross-run collisions
// within a tenant with ErrRunMismatch.
type MessageStore interface {
	// Load returns the stored history for the run in insertion order.
	// A run with no messages yields an empty slice, not an error.
	Load(ctx context.Context, tenantID, runID string) ([]Message, error)

	// Save upserts messages by ID: existing IDs have parts/metadata
	// replaced, new IDs are appended.
	Save(ctx context.Context, tenantID, runID string, messages []Message) error
}

// ToolExecutionStore persists per-call tool execution records.
type ToolExecutionStore interface {
	// Create inserts a pending execution row before the tool body runs.
	Create(ctx context.Context, exec *ToolExecution) error

	// Finalize marks the row completed or failed exactly once.
	Finalize(ctx context.Context, tenantID, runID, toolCallID string, status ToolExecutionStatus, output json.RawMessage, execErr string) error
}

// AuditEntry records one auditable action against a target entity.
type AuditEntry struct {
	TenantID    string         `json:"tenant_id"`
	ActorUserID *string        `json:"actor_user_id,omitempty"`
	Action      string         `json:"action"`
	TargetType  string         `json:"target_type"`
	TargetID    string         `json:"target_id"`
	Details     map[string]any `json:"details,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// AuditLog records durable audit entries. Fire-and-forget from the
// orchestration pipeline's perspective, but an implementation must be
// durable once Write returns.
type AuditLog interface {
	Write(ctx context.Context, entry AuditEntry) error
}

// OutboxEvent is a durable, at-least-once event announcement decoupled from
// the write that enqueued it. Downstream consumption is not awaited.
type OutboxEvent struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// Outbox enqueues events for asynchronous delivery.
type Outbox interface {
	Enqueue(ctx context.Context, event OutboxEvent) error
}

// ToolObservation captures one tool invocation for tracing.
type ToolObservation struct {
	ToolName   string
	ToolCallID string
	RunID      string
	Input      json.RawMessage
	Output     json.RawMessage
	Error      string
	Duration   time.Duration
}

// Span bounds one traced operation.
type Span interface {
	// TraceID returns the trace identifier of the span, or "" when the
	// implementation does not trace.
	TraceID() string

	// End closes the span; a non-nil err marks it as errored.
	End(err error)
}

// Observability is the tracing port. Implementations must never panic or
// return errors: a broken tracer must not break a turn.
type Observability interface {
	// StartSpan opens a span named name with the given attributes, parented
	// to any span already carried by ctx.
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, Span)

	// RecordToolObservation attaches a tool invocation record to the span
	// carried by ctx.
	RecordToolObservation(ctx context.Context, obs ToolObservation)

	// RecordError attaches an error record to the span carried by ctx.
	RecordError(ctx context.Context, err error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now in UTC.
func SystemClock() Clock { return systemClock{} }
