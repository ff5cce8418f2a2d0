package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the breaker lifecycle state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) String() string { return string(s) }

// Value maps a state to its metric gauge value.
func (s State) Value() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// ErrOpen is returned when a call is short-circuited without reaching the
// dependency.
var ErrOpen = errors.New("circuit breaker is open")

// Decision is the outcome of the admission check for a single call.
type Decision int

const (
	Allow Decision = iota
	Reject
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 60 * time.Second
	defaultCallTimeout      = 5 * time.Second
)

type Config struct {
	// Name identifies the guarded dependency, e.g. "user-service".
	Name string

	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before a probe is allowed.
	ResetTimeout time.Duration

	// CallTimeout bounds each guarded call; exceeding it counts as a failure.
	CallTimeout time.Duration

	// IsFailure decides whether an error trips the counter. Expected errors
	// such as not-found responses should not open the breaker. Nil counts
	// every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is invoked outside the lock after every transition.
	OnStateChange func(name string, from State, to State)
}

// Breaker is a per-dependency failure-counting state machine. Closed calls
// pass through, open calls are rejected locally, and half-open admits exactly
// one probe.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	now func() time.Time
}

func New(cfg Config) (*Breaker, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("breaker name is required")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}, nil
}

func (b *Breaker) Name() string {
	return b.cfg.Name
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// decide is pure over the observable breaker state so transitions stay
// testable without simulating dependency failures.
func decide(state State, openedAt time.Time, resetTimeout time.Duration, probing bool, now time.Time) Decision {
	switch state {
	case StateClosed:
		return Allow
	case StateOpen:
		if now.Sub(openedAt) >= resetTimeout {
			return Allow
		}
		return Reject
	case StateHalfOpen:
		if probing {
			return Reject
		}
		return Allow
	}
	return Reject
}

// Do runs fn through the breaker with the configured call timeout. Rejected
// calls return ErrOpen without touching the dependency.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && callCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%s call timed out: %w", b.cfg.Name, context.DeadlineExceeded)
	}

	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if decide(b.state, b.openedAt, b.cfg.ResetTimeout, b.probing, now) == Reject {
		return fmt.Errorf("%s: %w", b.cfg.Name, ErrOpen)
	}

	// Lazy open -> half_open transition on the first call after the cooldown.
	if b.state == StateOpen {
		b.setState(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		b.probing = true
	}

	return nil
}

func (b *Breaker) record(err error) {
	failed := err != nil
	if failed && b.cfg.IsFailure != nil {
		failed = b.cfg.IsFailure(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if failed {
			b.openedAt = b.now()
			b.setState(StateOpen)
			return
		}
		b.consecutiveFailures = 0
		b.setState(StateClosed)
		return
	}

	if !failed {
		b.consecutiveFailures = 0
		return
	}

	b.consecutiveFailures++
	if b.state == StateClosed && b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.openedAt = b.now()
		b.setState(StateOpen)
	}
}

// setState must be called with the lock held.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}

	prev := b.state
	b.state = next

	if b.cfg.OnStateChange != nil {
		// Callbacks run on a fresh goroutine so listeners cannot deadlock
		// against the breaker lock.
		go b.cfg.OnStateChange(b.cfg.Name, prev, next)
	}
}
