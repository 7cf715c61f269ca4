// Package sqlite implements every persistence port over a local SQLite file
// using the pure-Go driver. Zero CGO required. The idempotency table carries
// a primary-key constraint on the full key, which gives the coordinator the
// atomic create-if-absent it requires even across processes sharing the file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/idempotency"
	"github.com/hupe1980/turnmesh/logging"
)

// Options configures a Store.
type Options struct {
	// Logger receives store debug events; defaults to no-op.
	Logger logging.Logger
}

// Store implements the core persistence ports plus idempotency.Store backed
// by one SQLite file.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

var (
	_ core.RunStore     = (*Store)(nil)
	_ core.MessageStore = (*Store)(nil)
	_ core.AuditLog     = (*Store)(nil)
	_ core.Outbox       = (*Store)(nil)
)

// New opens (or creates) the SQLite file at dbPath. All goroutines serialize
// through one connection (SetMaxOpenConns(1)), eliminating SQLITE_BUSY errors
// from concurrent writers.
func New(dbPath string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}

	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	return &Store{db: db, logger: opts.Logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Init creates all required tables. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			created_by TEXT,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			trace_id TEXT,
			task TEXT,
			metadata TEXT,
			PRIMARY KEY (tenant_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_run ON messages (tenant_id, run_id)`,
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			input TEXT,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			trace_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			tenant_id TEXT NOT NULL,
			action_key TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			status TEXT NOT NULL,
			request_hash TEXT,
			response_status INTEGER,
			response_body TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, action_key, idempotency_key)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			tenant_id TEXT NOT NULL,
			actor_user_id TEXT,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			details TEXT,
			occurred_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			correlation_id TEXT,
			enqueued_at INTEGER NOT NULL,
			dispatched_at INTEGER
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	s.logger.Debug("sqlite.init.done")

	return nil
}

// Create implements core.RunStore.
func (s *Store) Create(ctx context.Context, run *core.Run) (*core.Run, error) {
	task, err := marshalNullable(run.Task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	metadata, err := marshalNullable(run.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tenant_id, created_by, status, started_at, finished_at, trace_id, task, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, id) DO NOTHING`,
		run.ID, run.TenantID, nullableString(run.CreatedBy), string(run.Status),
		run.StartedAt.UnixNano(), nullableTime(run.FinishedAt), run.TraceID, task, metadata)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	return s.Get(ctx, run.TenantID, run.ID)
}

// Get implements core.RunStore.
func (s *Store) Get(ctx context.Context, tenantID, runID string) (*core.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, created_by, status, started_at, finished_at, trace_id, task, metadata
		 FROM runs WHERE tenant_id = ? AND id = ?`, tenantID, runID)

	var (
		run        core.Run
		createdBy  sql.NullString
		status     string
		startedAt  int64
		finishedAt sql.NullInt64
		traceID    sql.NullString
		task       sql.NullString
		metadata   sql.NullString
	)
	if err := row.Scan(&run.ID, &run.TenantID, &createdBy, &status, &startedAt, &finishedAt, &traceID, &task, &metadata); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	run.Status = core.RunStatus(status)
	run.StartedAt = time.Unix(0, startedAt).UTC()
	run.TraceID = traceID.String
	if createdBy.Valid {
		run.CreatedBy = &createdBy.String
	}
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64).UTC()
		run.FinishedAt = &t
	}
	if task.Valid && task.String != "" {
		var ts core.TaskState
		if err := json.Unmarshal([]byte(task.String), &ts); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		run.Task = &ts
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	return &run, nil
}

// UpdateStatus implements core.RunStore.
func (s *Store) UpdateStatus(ctx context.Context, tenantID, runID string, status core.RunStatus, finishedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE tenant_id = ? AND id = ?`,
		string(status), nullableTime(finishedAt), tenantID, runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return requireRow(res)
}

// UpdateTask implements core.RunStore.
func (s *Store) UpdateTask(ctx context.Context, tenantID, runID string, task *core.TaskState) error {
	encoded, err := marshalNullable(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET task = ? WHERE tenant_id = ? AND id = ?`,
		encoded, tenantID, runID)
	if err != nil {
		return fmt.Errorf("update run task: %w", err)
	}

	return requireRow(res)
}

// Load implements core.MessageStore. Insertion order follows rowid, which is
// stable across merges because merges update in place.
func (s *Store) Load(ctx context.Context, tenantID, runID string) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, run_id, role, parts, metadata, created_at
		 FROM messages WHERE tenant_id = ? AND run_id = ? ORDER BY rowid`, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			msg       core.Message
			role      string
			parts     string
			metadata  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.TenantID, &msg.RunID, &role, &parts, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		msg.Role = core.Role(role)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		if msg.Parts, err = core.DecodeParts([]byte(parts)); err != nil {
			return nil, err
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal message metadata: %w", err)
			}
		}

		out = append(out, msg)
	}

	if out == nil {
		out = []core.Message{}
	}

	return out, rows.Err()
}

// Save implements core.MessageStore with merge-by-id semantics. The whole
// batch is applied in one transaction; an id collision with another tenant
// or another run aborts it with core.ErrTenantMismatch or core.ErrRunMismatch.
func (s *Store) Save(ctx context.Context, tenantID, runID string, messages []core.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range messages {
		parts, err := core.EncodeParts(msg.Parts)
		if err != nil {
			return err
		}
		metadata, err := marshalNullable(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal message metadata: %w", err)
		}

		var ownerTenant, ownerRun string
		err = tx.QueryRowContext(ctx, `SELECT tenant_id, run_id FROM messages WHERE id = ?`, msg.ID).Scan(&ownerTenant, &ownerRun)
		switch {
		case err == sql.ErrNoRows:
			createdAt := msg.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (id, tenant_id, run_id, role, parts, metadata, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				msg.ID, tenantID, runID, string(msg.Role), string(parts), metadata, createdAt.UnixNano()); err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
		case err != nil:
			return fmt.Errorf("query message owner: %w", err)
		case ownerTenant != tenantID:
			return core.ErrTenantMismatch
		case ownerRun != runID:
			return core.ErrRunMismatch
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE messages SET parts = ?, metadata = ? WHERE id = ?`,
				string(parts), metadata, msg.ID); err != nil {
				return fmt.Errorf("update message: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ToolExecutionStore adapts the shared handle to core.ToolExecutionStore.
// Split off because its method set would otherwise collide with the run
// store's on the same receiver.
type ToolExecutionStore struct {
	s *Store
}

var _ core.ToolExecutionStore = (*ToolExecutionStore)(nil)

// ToolExecutions returns the tool execution store view.
func (s *Store) ToolExecutions() *ToolExecutionStore {
	return &ToolExecutionStore{s: s}
}

// Create implements core.ToolExecutionStore.
func (t *ToolExecutionStore) Create(ctx context.Context, exec *core.ToolExecution) error {
	_, err := t.s.db.ExecContext(ctx,
		`INSERT INTO tool_executions (id, tenant_id, run_id, tool_call_id, tool_name, input, status, output, error, started_at, finished_at, trace_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.TenantID, exec.RunID, exec.ToolCallID, exec.ToolName,
		string(exec.Input), string(exec.Status), string(exec.Output), exec.Error,
		exec.StartedAt.UnixNano(), nullableTime(exec.FinishedAt), exec.TraceID)
	if err != nil {
		return fmt.Errorf("insert tool execution: %w", err)
	}

	return nil
}

// Finalize implements core.ToolExecutionStore.
func (t *ToolExecutionStore) Finalize(ctx context.Context, tenantID, runID, toolCallID string, status core.ToolExecutionStatus, output json.RawMessage, execErr string) error {
	res, err := t.s.db.ExecContext(ctx,
		`UPDATE tool_executions SET status = ?, output = ?, error = ?, finished_at = ?
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		string(status), string(output), execErr, time.Now().UTC().UnixNano(),
		core.ToolExecutionID(runID, toolCallID), tenantID, string(core.ToolExecutionPending))
	if err != nil {
		return fmt.Errorf("finalize tool execution: %w", err)
	}

	return requireRow(res)
}

// Get returns a stored execution row.
func (t *ToolExecutionStore) Get(ctx context.Context, tenantID, runID, toolCallID string) (*core.ToolExecution, error) {
	row := t.s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, run_id, tool_call_id, tool_name, input, status, output, error, started_at, finished_at, trace_id
		 FROM tool_executions WHERE id = ? AND tenant_id = ?`,
		core.ToolExecutionID(runID, toolCallID), tenantID)

	var (
		exec       core.ToolExecution
		input      sql.NullString
		status     string
		output     sql.NullString
		execErr    sql.NullString
		startedAt  int64
		finishedAt sql.NullInt64
		traceID    sql.NullString
	)
	if err := row.Scan(&exec.ID, &exec.TenantID, &exec.RunID, &exec.ToolCallID, &exec.ToolName,
		&input, &status, &output, &execErr, &startedAt, &finishedAt, &traceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("scan tool execution: %w", err)
	}

	exec.Status = core.ToolExecutionStatus(status)
	exec.StartedAt = time.Unix(0, startedAt).UTC()
	exec.TraceID = traceID.String
	exec.Error = execErr.String
	if input.Valid && input.String != "" {
		exec.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		exec.Output = json.RawMessage(output.String)
	}
	if finishedAt.Valid {
		t := time.Unix(0, finishedAt.Int64).UTC()
		exec.FinishedAt = &t
	}

	return &exec, nil
}

// Write implements core.AuditLog.
func (s *Store) Write(ctx context.Context, entry core.AuditEntry) error {
	details, err := marshalNullable(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (tenant_id, actor_user_id, action, target_type, target_id, details, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TenantID, nullableString(entry.ActorUserID), entry.Action,
		entry.TargetType, entry.TargetID, details, entry.OccurredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return nil
}

// Enqueue implements core.Outbox.
func (s *Store) Enqueue(ctx context.Context, event core.OutboxEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, tenant_id, type, payload, correlation_id, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.TenantID, event.Type, string(event.Payload),
		event.CorrelationID, event.EnqueuedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	return nil
}

// ListPending returns up to limit undispatched outbox events in enqueue order.
// Combined with MarkDispatched this supports an at-least-once drainer.
func (s *Store) ListPending(ctx context.Context, limit int) ([]core.OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, type, payload, correlation_id, enqueued_at
		 FROM outbox WHERE dispatched_at IS NULL ORDER BY enqueued_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []core.OutboxEvent
	for rows.Next() {
		var (
			event      core.OutboxEvent
			payload    sql.NullString
			enqueuedAt int64
		)
		if err := rows.Scan(&event.ID, &event.TenantID, &event.Type, &payload, &event.CorrelationID, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		event.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		out = append(out, event)
	}

	return out, rows.Err()
}

// MarkDispatched records delivery of the given events.
func (s *Store) MarkDispatched(ctx context.Context, ids ...string) error {
	now := time.Now().UTC().UnixNano()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE outbox SET dispatched_at = ? WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("mark outbox event dispatched: %w", err)
		}
	}
	return nil
}

// IdempotencyStore adapts the shared handle to idempotency.Store.
type IdempotencyStore struct {
	s *Store
}

var _ idempotency.Store = (*IdempotencyStore)(nil)

// Idempotency returns the idempotency store view.
func (s *Store) Idempotency() *IdempotencyStore {
	return &IdempotencyStore{s: s}
}

// CreateIfAbsent implements idempotency.Store. The primary key on the full
// idempotency key makes the insert atomic per key.
func (i *IdempotencyStore) CreateIfAbsent(ctx context.Context, rec idempotency.Record) (bool, *idempotency.Record, error) {
	res, err := i.s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records (tenant_id, action_key, idempotency_key, status, request_hash, response_status, response_body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, action_key, idempotency_key) DO NOTHING`,
		rec.Key.TenantID, rec.Key.ActionKey, rec.Key.IdempotencyKey,
		string(rec.Status), rec.RequestHash, rec.ResponseStatus, string(rec.ResponseBody),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return false, nil, fmt.Errorf("insert idempotency record: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return true, nil, nil
	}

	existing, err := i.Get(ctx, rec.Key)
	if err != nil {
		return false, nil, err
	}

	return false, existing, nil
}

// Get implements idempotency.Store.
func (i *IdempotencyStore) Get(ctx context.Context, key idempotency.Key) (*idempotency.Record, error) {
	row := i.s.db.QueryRowContext(ctx,
		`SELECT status, request_hash, response_status, response_body, created_at, updated_at
		 FROM idempotency_records WHERE tenant_id = ? AND action_key = ? AND idempotency_key = ?`,
		key.TenantID, key.ActionKey, key.IdempotencyKey)

	var (
		rec            idempotency.Record
		status         string
		requestHash    sql.NullString
		responseStatus sql.NullInt64
		responseBody   sql.NullString
		createdAt      int64
		updatedAt      int64
	)
	if err := row.Scan(&status, &requestHash, &responseStatus, &responseBody, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("scan idempotency record: %w", err)
	}

	rec.Key = key
	rec.Status = idempotency.Status(status)
	rec.RequestHash = requestHash.String
	rec.ResponseStatus = int(responseStatus.Int64)
	if responseBody.Valid && responseBody.String != "" {
		rec.ResponseBody = json.RawMessage(responseBody.String)
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &rec, nil
}

// Update implements idempotency.Store.
func (i *IdempotencyStore) Update(ctx context.Context, rec idempotency.Record) error {
	res, err := i.s.db.ExecContext(ctx,
		`UPDATE idempotency_records SET status = ?, request_hash = ?, response_status = ?, response_body = ?, updated_at = ?
		 WHERE tenant_id = ? AND action_key = ? AND idempotency_key = ?`,
		string(rec.Status), rec.RequestHash, rec.ResponseStatus, string(rec.ResponseBody), rec.UpdatedAt.UnixNano(),
		rec.Key.TenantID, rec.Key.ActionKey, rec.Key.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}

	return requireRow(res)
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return core.ErrNotFound
	}
	return nil
}

func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *core.TaskState:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
