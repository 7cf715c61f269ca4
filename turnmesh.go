// Package turnmesh provides a high-level façade over the turn orchestration
// pipeline: idempotent turn execution, bounded context assembly with task
// resumption, and audited tool execution. Most applications interact with
// this package by:
//  1. Creating a TurnMesh via New() (optionally overriding default in-memory
//     stores and the no-op tracer)
//  2. Registering tools and a chat model
//  3. Executing turns via ExecuteTurn with a caller-supplied idempotency key
//
// All defaults are safe for local development and testing; production
// deployments supply durable store implementations (store/sqlite or their
// own), a real model adapter, and an OpenTelemetry tracer.
package turnmesh

import (
	"context"
	"time"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/idempotency"
	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/model"
	"github.com/hupe1980/turnmesh/store"
	"github.com/hupe1980/turnmesh/telemetry"
	"github.com/hupe1980/turnmesh/tool"
	"github.com/hupe1980/turnmesh/turn"
)

// Options configures the TurnMesh instance.
type Options struct {
	// ChatModel drives generation. Defaults to the scripted mock, which is
	// only useful for tests and demos.
	ChatModel model.ChatModel

	// Tools is the tool surface offered to the model.
	Tools []tool.Tool

	// Stores (default to in-memory implementations if not provided).
	RunStore           core.RunStore
	MessageStore       core.MessageStore
	ToolExecutionStore core.ToolExecutionStore
	IdempotencyStore   idempotency.Store
	AuditLog           core.AuditLog
	Outbox             core.Outbox

	// Observability defaults to the no-op tracer.
	Observability core.Observability

	// ContextWindow bounds the model input; 0 means the default.
	ContextWindow int

	// RetryAfter is suggested to callers hitting an in-progress duplicate;
	// zero means the coordinator default.
	RetryAfter time.Duration

	// Logger defaults to NoOp logger if nil.
	Logger logging.Logger
}

// TurnMesh is the high-level façade aggregating the orchestrator and its
// collaborators.
type TurnMesh struct {
	opts         Options
	orchestrator *turn.Orchestrator
}

// New creates a new TurnMesh instance with optional overrides. Any unset
// store is initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *TurnMesh {
	opts := Options{
		ChatModel:          model.NewMockModel(),
		RunStore:           store.NewInMemoryRunStore(),
		MessageStore:       store.NewInMemoryMessageStore(),
		ToolExecutionStore: store.NewInMemoryToolExecutionStore(),
		IdempotencyStore:   idempotency.NewInMemoryStore(),
		AuditLog:           store.NewInMemoryAuditLog(),
		Outbox:             store.NewInMemoryOutbox(),
		Observability:      telemetry.NoopObservability{},
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	coordinator := idempotency.NewCoordinator(opts.IdempotencyStore, func(o *idempotency.Options) {
		if opts.RetryAfter > 0 {
			o.RetryAfter = opts.RetryAfter
		}
		o.Logger = opts.Logger
	})

	pipeline := tool.NewExecutionPipeline(
		opts.ToolExecutionStore,
		opts.AuditLog,
		opts.Outbox,
		opts.Observability,
		func(o *tool.ExecutionPipelineOptions) { o.Logger = opts.Logger },
	)

	orchestrator := turn.NewOrchestrator(
		coordinator,
		opts.RunStore,
		opts.MessageStore,
		tool.NewStaticRegistry(opts.Tools...),
		pipeline,
		opts.ChatModel,
		opts.AuditLog,
		opts.Observability,
		func(o *turn.OrchestratorOptions) {
			if opts.ContextWindow > 0 {
				o.ContextBuilder = turn.NewContextBuilder(func(c *turn.ContextBuilderOptions) {
					c.Window = opts.ContextWindow
				})
			}
			o.Logger = opts.Logger
		},
	)

	return &TurnMesh{opts: opts, orchestrator: orchestrator}
}

// ExecuteTurn runs one idempotent conversation turn.
func (m *TurnMesh) ExecuteTurn(ctx context.Context, req turn.Request) (*turn.Result, error) {
	return m.orchestrator.ExecuteTurn(ctx, req)
}
