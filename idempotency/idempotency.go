// Package idempotency implements retry-safety for side-effecting actions.
// Every action is keyed by (tenant, action, idempotency key); the first
// request under a key executes, concurrent duplicates are told to retry
// later, and completed or failed outcomes are frozen so that subsequent
// retries replay the original response instead of re-executing side effects.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/turnmesh/core"
	"github.com/hupe1980/turnmesh/logging"
)

// Status is the lifecycle state of a Record.
type Status string

const (
	// StatusInProgress marks the first request under a key still executing.
	StatusInProgress Status = "in_progress"
	// StatusCompleted marks a frozen successful outcome. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed marks a frozen failed outcome. Terminal.
	StatusFailed Status = "failed"
)

// Key scopes one logical action for retry-safety.
type Key struct {
	TenantID       string
	ActionKey      string
	IdempotencyKey string
}

// String renders the key for logs and map indexing.
func (k Key) String() string {
	return k.TenantID + "/" + k.ActionKey + "/" + k.IdempotencyKey
}

// Record is the persisted state of one idempotency key. Terminal states are
// immutable: once completed or failed, the frozen response never changes.
type Record struct {
	Key            Key             `json:"key"`
	Status         Status          `json:"status"`
	RequestHash    string          `json:"request_hash,omitempty"`
	ResponseStatus int             `json:"response_status,omitempty"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Store persists idempotency records. The CreateIfAbsent step is the only
// piece of shared state in the whole pipeline that must tolerate concurrent
// access: two requests bearing the same key may race to "not found yet,
// create in-progress", and exactly one may win. Implementations must make
// that step atomic per key (unique constraint, conditional put); a plain
// read-then-write is only safe for single-process tests.
type Store interface {
	// CreateIfAbsent inserts rec if no record exists for rec.Key. It
	// returns created=true when the insert won, or created=false plus the
	// already-stored record when the key was present.
	CreateIfAbsent(ctx context.Context, rec Record) (created bool, existing *Record, err error)

	// Get returns the record for key or core.ErrNotFound.
	Get(ctx context.Context, key Key) (*Record, error)

	// Update replaces the record stored under rec.Key.
	Update(ctx context.Context, rec Record) error
}

// Outcome classifies an incoming request relative to its idempotency key.
type Outcome string

const (
	// OutcomeStarted means the key is new; the caller must execute and
	// later settle the record via Complete or Fail.
	OutcomeStarted Outcome = "started"
	// OutcomeInProgress means an identical request is still executing.
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeReplay means the action already completed; the frozen response
	// must be returned verbatim without re-executing side effects.
	OutcomeReplay Outcome = "replay"
	// OutcomeMismatch means the key was reused with a different payload.
	OutcomeMismatch Outcome = "mismatch"
	// OutcomeFailed means the action already failed; the frozen failure is
	// returned.
	OutcomeFailed Outcome = "failed"
)

// Decision is the coordinator's verdict for one request.
type Decision struct {
	Outcome        Outcome
	RetryAfter     time.Duration   // Set for OutcomeInProgress
	ResponseStatus int             // Frozen status for replay/failed
	ResponseBody   json.RawMessage // Frozen body for replay/failed
}

// Options configures a Coordinator.
type Options struct {
	// RetryAfter is the interval suggested to callers that hit an
	// in-progress duplicate.
	RetryAfter time.Duration
	// Clock supplies timestamps; defaults to the system clock.
	Clock core.Clock
	// Logger receives decision events; defaults to no-op.
	Logger logging.Logger
}

// Coordinator decides whether an incoming request is new, a duplicate in
// flight, a safe replay, a conflicting retry, or a previously failed
// attempt, and settles records once execution finishes.
type Coordinator struct {
	store      Store
	retryAfter time.Duration
	clock      core.Clock
	logger     logging.Logger
}

// NewCoordinator constructs a Coordinator over the given store.
func NewCoordinator(store Store, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		RetryAfter: time.Second,
		Clock:      core.SystemClock(),
		Logger:     logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Coordinator{
		store:      store,
		retryAfter: opts.RetryAfter,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

// Decide runs the idempotency gate for one request. requestHash is the
// content hash of the inbound payload (see RequestHash); it is stored on
// first sight and compared on every duplicate so a reused key with a
// different payload is rejected as a mismatch rather than silently replayed.
func (c *Coordinator) Decide(ctx context.Context, key Key, requestHash string) (Decision, error) {
	now := c.clock.Now()

	created, existing, err := c.store.CreateIfAbsent(ctx, Record{
		Key:         key,
		Status:      StatusInProgress,
		RequestHash: requestHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("idempotency store create: %w", err)
	}

	if created {
		c.logger.Debug("idempotency.started", "key", key.String())
		return Decision{Outcome: OutcomeStarted}, nil
	}

	switch existing.Status {
	case StatusInProgress:
		if existing.RequestHash != requestHash {
			c.logger.Warn("idempotency.mismatch", "key", key.String())
			return Decision{Outcome: OutcomeMismatch}, nil
		}
		return Decision{Outcome: OutcomeInProgress, RetryAfter: c.retryAfter}, nil
	case StatusCompleted:
		if existing.RequestHash != requestHash {
			c.logger.Warn("idempotency.mismatch", "key", key.String())
			return Decision{Outcome: OutcomeMismatch}, nil
		}
		c.logger.Debug("idempotency.replay", "key", key.String())
		return Decision{
			Outcome:        OutcomeReplay,
			ResponseStatus: existing.ResponseStatus,
			ResponseBody:   existing.ResponseBody,
		}, nil
	case StatusFailed:
		return Decision{
			Outcome:        OutcomeFailed,
			ResponseStatus: existing.ResponseStatus,
			ResponseBody:   existing.ResponseBody,
		}, nil
	default:
		return Decision{}, fmt.Errorf("idempotency record %s has unknown status %q", key.String(), existing.Status)
	}
}

// Complete freezes a successful outcome under key. The stored response is
// replayed verbatim to any later request with the same key and payload.
func (c *Coordinator) Complete(ctx context.Context, key Key, responseStatus int, responseBody json.RawMessage) error {
	return c.settle(ctx, key, StatusCompleted, responseStatus, responseBody)
}

// Fail freezes a failed outcome under key so retries observe a stable
// failure instead of re-executing side effects.
func (c *Coordinator) Fail(ctx context.Context, key Key, responseStatus int, responseBody json.RawMessage) error {
	return c.settle(ctx, key, StatusFailed, responseStatus, responseBody)
}

func (c *Coordinator) settle(ctx context.Context, key Key, status Status, responseStatus int, responseBody json.RawMessage) error {
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency store get: %w", err)
	}

	// Terminal states are immutable.
	if rec.Status != StatusInProgress {
		return fmt.Errorf("idempotency record %s already settled as %s", key.String(), rec.Status)
	}

	rec.Status = status
	rec.ResponseStatus = responseStatus
	rec.ResponseBody = responseBody
	rec.UpdatedAt = c.clock.Now()

	if err := c.store.Update(ctx, *rec); err != nil {
		return fmt.Errorf("idempotency store update: %w", err)
	}

	c.logger.Debug("idempotency.settled", "key", key.String(), "status", string(status))

	return nil
}

// RequestHash computes the canonical content hash of a request payload.
// Payloads that marshal to identical JSON hash identically.
func RequestHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Fall back to the error text; an unmarshalable payload still gets
		// a deterministic (if degenerate) hash.
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
