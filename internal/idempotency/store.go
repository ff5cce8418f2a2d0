package idempotency

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultTTL bounds how long an idempotency record is retained.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Outcome is the admission decision for a keyed request.
type Outcome int

const (
	// Proceed means the key was unseen and an in_progress record now guards it.
	Proceed Outcome = iota
	// ReturnCached means a completed record exists; Decision.Response holds
	// the cached payload and no side effects may be re-executed.
	ReturnCached
	// Conflict means another execution with the same key is still in flight.
	Conflict
)

// Decision is the result of Admit.
type Decision struct {
	Outcome  Outcome
	Response []byte
}

type record struct {
	Status    Status          `json:"status"`
	Response  json.RawMessage `json:"response,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the duplicate-suppression record keeper for admission. Admit must
// be a single atomic check-and-set: two concurrent calls with the same unseen
// key must never both observe Proceed.
type Store interface {
	// Admit claims the key. Exactly one caller per key observes Proceed until
	// the claim is completed or released; records left by failed executions
	// are taken over.
	Admit(ctx context.Context, key string) (Decision, error)

	// Complete transitions the record to completed and caches the response
	// for the remainder of the TTL.
	Complete(ctx context.Context, key string, response []byte) error

	// Release removes the record so a later retry with the same key is
	// admitted cleanly.
	Release(ctx context.Context, key string) error
}
