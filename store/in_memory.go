// Package store provides in-memory implementations of the persistence ports.
// They are intended for tests, examples, and single-process demos; durable
// deployments use store/sqlite or their own adapters.
package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hupe1980/turnmesh/core"
)

// InMemoryRunStore keeps runs in a process-local map keyed by tenant and id.
type InMemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*core.Run
}

var _ core.RunStore = (*InMemoryRunStore)(nil)

// NewInMemoryRunStore constructs an empty run store.
func NewInMemoryRunStore() *InMemoryRunStore {
	return &InMemoryRunStore{runs: make(map[string]*core.Run)}
}

func runKey(tenantID, runID string) string { return tenantID + "/" + runID }

// Create implements core.RunStore. Creating an existing id returns the stored
// run unchanged.
func (s *InMemoryRunStore) Create(_ context.Context, run *core.Run) (*core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.runs[runKey(run.TenantID, run.ID)]; ok {
		cp := *existing
		return &cp, nil
	}

	cp := *run
	s.runs[runKey(run.TenantID, run.ID)] = &cp

	out := cp
	return &out, nil
}

// Get implements core.RunStore.
func (s *InMemoryRunStore) Get(_ context.Context, tenantID, runID string) (*core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return nil, core.ErrNotFound
	}

	cp := *run
	return &cp, nil
}

// UpdateStatus implements core.RunStore.
func (s *InMemoryRunStore) UpdateStatus(_ context.Context, tenantID, runID string, status core.RunStatus, finishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return core.ErrNotFound
	}

	run.Status = status
	run.FinishedAt = finishedAt

	return nil
}

// UpdateTask implements core.RunStore.
func (s *InMemoryRunStore) UpdateTask(_ context.Context, tenantID, runID string, task *core.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runKey(tenantID, runID)]
	if !ok {
		return core.ErrNotFound
	}

	if task == nil {
		run.Task = nil
		return nil
	}

	cp := *task
	run.Task = &cp

	return nil
}

// messageOwner records which tenant and run a message id belongs to.
type messageOwner struct {
	tenantID string
	runID    string
}

// InMemoryMessageStore keeps per-run message history in insertion order and
// applies merge-by-id on save. It tracks message-id ownership so a collision
// with another tenant or another run is rejected instead of silently merged.
type InMemoryMessageStore struct {
	mu        sync.Mutex
	histories map[string][]core.Message
	owners    map[string]messageOwner // message id -> owner
}

var _ core.MessageStore = (*InMemoryMessageStore)(nil)

// NewInMemoryMessageStore constructs an empty message store.
func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{
		histories: make(map[string][]core.Message),
		owners:    make(map[string]messageOwner),
	}
}

// Load implements core.MessageStore.
func (s *InMemoryMessageStore) Load(_ context.Context, tenantID, runID string) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.histories[runKey(tenantID, runID)]
	out := make([]core.Message, len(stored))
	copy(out, stored)

	return out, nil
}

// Save implements core.MessageStore.
func (s *InMemoryMessageStore) Save(_ context.Context, tenantID, runID string, messages []core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range messages {
		owner, ok := s.owners[msg.ID]
		if !ok {
			continue
		}
		if owner.tenantID != tenantID {
			return core.ErrTenantMismatch
		}
		if owner.runID != runID {
			return core.ErrRunMismatch
		}
	}

	key := runKey(tenantID, runID)
	s.histories[key] = core.MergeMessages(s.histories[key], messages)

	for _, msg := range messages {
		s.owners[msg.ID] = messageOwner{tenantID: tenantID, runID: runID}
	}

	return nil
}

// InMemoryToolExecutionStore keeps tool execution rows keyed by their derived id.
type InMemoryToolExecutionStore struct {
	mu    sync.Mutex
	rows  map[string]*core.ToolExecution
	clock core.Clock
}

var _ core.ToolExecutionStore = (*InMemoryToolExecutionStore)(nil)

// NewInMemoryToolExecutionStore constructs an empty tool execution store.
func NewInMemoryToolExecutionStore() *InMemoryToolExecutionStore {
	return &InMemoryToolExecutionStore{
		rows:  make(map[string]*core.ToolExecution),
		clock: core.SystemClock(),
	}
}

// Create implements core.ToolExecutionStore.
func (s *InMemoryToolExecutionStore) Create(_ context.Context, exec *core.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *exec
	s.rows[exec.ID] = &cp

	return nil
}

// Finalize implements core.ToolExecutionStore.
func (s *InMemoryToolExecutionStore) Finalize(_ context.Context, tenantID, runID, toolCallID string, status core.ToolExecutionStatus, output json.RawMessage, execErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[core.ToolExecutionID(runID, toolCallID)]
	if !ok || row.TenantID != tenantID {
		return core.ErrNotFound
	}

	now := s.clock.Now()
	row.Status = status
	row.Output = output
	row.Error = execErr
	row.FinishedAt = &now

	return nil
}

// Get returns the stored execution row, for tests and introspection.
func (s *InMemoryToolExecutionStore) Get(_ context.Context, tenantID, runID, toolCallID string) (*core.ToolExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[core.ToolExecutionID(runID, toolCallID)]
	if !ok || row.TenantID != tenantID {
		return nil, core.ErrNotFound
	}

	cp := *row
	return &cp, nil
}

// InMemoryAuditLog appends entries to a slice.
type InMemoryAuditLog struct {
	mu      sync.Mutex
	entries []core.AuditEntry
}

var _ core.AuditLog = (*InMemoryAuditLog)(nil)

// NewInMemoryAuditLog constructs an empty audit log.
func NewInMemoryAuditLog() *InMemoryAuditLog {
	return &InMemoryAuditLog{}
}

// Write implements core.AuditLog.
func (l *InMemoryAuditLog) Write(_ context.Context, entry core.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)

	return nil
}

// Entries returns a copy of everything written so far.
func (l *InMemoryAuditLog) Entries() []core.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]core.AuditEntry, len(l.entries))
	copy(out, l.entries)

	return out
}

// InMemoryOutbox appends events to a slice.
type InMemoryOutbox struct {
	mu     sync.Mutex
	events []core.OutboxEvent
}

var _ core.Outbox = (*InMemoryOutbox)(nil)

// NewInMemoryOutbox constructs an empty outbox.
func NewInMemoryOutbox() *InMemoryOutbox {
	return &InMemoryOutbox{}
}

// Enqueue implements core.Outbox.
func (o *InMemoryOutbox) Enqueue(_ context.Context, event core.OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.events = append(o.events, event)

	return nil
}

// Events returns a copy of everything enqueued so far.
func (o *InMemoryOutbox) Events() []core.OutboxEvent {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]core.OutboxEvent, len(o.events))
	copy(out, o.events)

	return out
}
