package idempotency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used by tests and single-node setups.
// All operations are atomic under one mutex; expiry uses an injectable clock.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &MemoryStore{
		records: make(map[string]record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock replaces the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) Admit(ctx context.Context, key string) (Decision, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return Decision{}, fmt.Errorf("idempotency key is required")
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[trimmed]
	if ok && s.expired(existing) {
		delete(s.records, trimmed)
		ok = false
	}

	if ok && existing.Status != StatusFailed {
		if existing.Status == StatusCompleted {
			return Decision{Outcome: ReturnCached, Response: existing.Response}, nil
		}
		return Decision{Outcome: Conflict}, nil
	}

	s.records[trimmed] = record{
		Status:    StatusInProgress,
		CreatedAt: s.now().UTC(),
	}
	return Decision{Outcome: Proceed}, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, response []byte) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := s.now().UTC()
	if existing, ok := s.records[trimmed]; ok && !s.expired(existing) {
		createdAt = existing.CreatedAt
	}

	s.records[trimmed] = record{
		Status:    StatusCompleted,
		Response:  response,
		CreatedAt: createdAt,
	}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, trimmed)
	return nil
}

// expired must be called with the lock held.
func (s *MemoryStore) expired(r record) bool {
	return s.now().Sub(r.CreatedAt) >= s.ttl
}
